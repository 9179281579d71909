package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slowbreak",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "slowbreak",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	messagesOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slowbreak",
			Subsystem: "session",
			Name:      "messages_out_total",
			Help:      "Messages written to the transport.",
		},
		[]string{"session", "msg_type"},
	)
	messagesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slowbreak",
			Subsystem: "session",
			Name:      "messages_in_total",
			Help:      "Messages read from the transport.",
		},
		[]string{"session", "msg_type"},
	)
	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slowbreak",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Session lifecycle and recovery events.",
		},
		[]string{"session", "event"},
	)
	retainedRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slowbreak",
			Subsystem: "session",
			Name:      "retained_records",
			Help:      "Unacknowledged outbound messages held for resend.",
		},
		[]string{"session"},
	)
	nextInSeqNum = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slowbreak",
			Subsystem: "session",
			Name:      "next_in_seq_num",
			Help:      "Next expected inbound MsgSeqNum.",
		},
		[]string{"session"},
	)
)

// Session event labels.
const (
	EventGeneration         = "generation"
	EventReconnectWait      = "reconnect_wait"
	EventResendRequest      = "resend_request"
	EventGapFill            = "gap_fill"
	EventNotReceived        = "not_received"
	EventLivenessFailure    = "liveness_failure"
	EventProtocolViolation  = "protocol_violation"
	EventConfirmRequest     = "confirm_request"
	EventConfirmed          = "confirmed"
	EventMessageFault       = "message_fault"
	EventAcquireUnavailable = "acquire_unavailable"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			messagesOut, messagesIn, sessionEvents, retainedRecords, nextInSeqNum,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordMessageOut(session, msgType string) {
	RegisterMetrics()
	messagesOut.WithLabelValues(session, msgType).Inc()
}

func RecordMessageIn(session, msgType string) {
	RegisterMetrics()
	messagesIn.WithLabelValues(session, msgType).Inc()
}

func RecordSessionEvent(session, event string) {
	RegisterMetrics()
	sessionEvents.WithLabelValues(session, event).Inc()
}

func SetRetainedRecords(session string, n int) {
	RegisterMetrics()
	retainedRecords.WithLabelValues(session).Set(float64(n))
}

func SetNextInSeqNum(session string, n int64) {
	RegisterMetrics()
	nextInSeqNum.WithLabelValues(session).Set(float64(n))
}
