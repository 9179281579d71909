package observability

import (
	"testing"
	"time"

	"github.com/danmuck/slowbreak/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("slowbreak-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordMessageOut("A->B", "0")
	RecordMessageIn("A->B", "A")
	SetRetainedRecords("A->B", 3)
	SetNextInSeqNum("A->B", 7)

	before := testutil.ToFloat64(sessionEvents.WithLabelValues("A->B", EventGapFill))
	RecordSessionEvent("A->B", EventGapFill)
	if got := testutil.ToFloat64(sessionEvents.WithLabelValues("A->B", EventGapFill)); got != before+1 {
		t.Fatalf("gap fill counter got=%v want=%v", got, before+1)
	}
	if got := testutil.ToFloat64(retainedRecords.WithLabelValues("A->B")); got != 3 {
		t.Fatalf("retained gauge got=%v", got)
	}
}
