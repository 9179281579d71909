package observability

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/slowbreak/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestAdminRequestsLogsAndCounts(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)
	r := gin.New()
	r.Use(AdminRequests(logger, "mw-test"))
	r.GET("/status", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/session/logout", func(c *gin.Context) { c.Status(http.StatusUnauthorized) })

	counter := httpRequests.WithLabelValues("mw-test", http.MethodGet, "/status", "200")
	before := testutil.ToFloat64(counter)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/status", nil),
		httptest.NewRequest(http.MethodGet, "/health", nil),
		httptest.NewRequest(http.MethodPost, "/session/logout", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Fatalf("request counter got=%v want=%v", got, before+1)
	}

	// health is a probe and stays below the info threshold
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[1], &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["level"] != "warn" || entry["path"] != "/session/logout" || entry["service"] != "mw-test" {
		t.Fatalf("unexpected log entry: %v", entry)
	}
}
