package session

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/slowbreak/internal/protocol/fix"
	"github.com/danmuck/slowbreak/internal/protocol/frame"
	"github.com/danmuck/slowbreak/internal/transport"
)

type recordingApp struct {
	mu          sync.Mutex
	in          []fix.Message
	notReceived []fix.Message
}

func (a *recordingApp) OnMessageIn(msg fix.Message) {
	a.mu.Lock()
	a.in = append(a.in, msg)
	a.mu.Unlock()
}

func (a *recordingApp) OnMessageNotReceived(msg fix.Message) {
	a.mu.Lock()
	a.notReceived = append(a.notReceived, msg)
	a.mu.Unlock()
}

func (a *recordingApp) received() []fix.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]fix.Message(nil), a.in...)
}

func (a *recordingApp) dropped() []fix.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]fix.Message(nil), a.notReceived...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SenderCompID = "CLIENT"
	cfg.TargetCompID = "VENUE"
	cfg.HeartbeatInterval = time.Second
	cfg.Backoff = BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 1}
	return cfg
}

var noConn = transport.AcquirerFunc(func(context.Context) (transport.Conn, error) {
	return nil, transport.ErrNoConnection
})

func newTestEngine(t *testing.T, cfg Config, acquirer transport.Acquirer) (*Engine, *recordingApp) {
	t.Helper()
	app := &recordingApp{}
	e, err := NewEngine(cfg, acquirer, app)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, app
}

// drainTasks pops everything queued without executing it.
func drainTasks(e *Engine) []task {
	var out []task
	for {
		t, ok := e.orch.queue.Get(0, true)
		if !ok {
			return out
		}
		out = append(out, t)
	}
}

func inbound(seq int, msgType string, fields ...fix.Field) fix.Message {
	all := append([]fix.Field{fix.I(fix.TagMsgSeqNum, seq)}, fields...)
	return fix.New(msgType, all...)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// scriptedConn replays reads from a script and records writes. A nil step
// is a read timeout; the end of the script is io.EOF.
type scriptedConn struct {
	mu      sync.Mutex
	steps   [][]byte
	written bytes.Buffer
	closed  bool
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	if len(c.steps) == 0 {
		return 0, io.EOF
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	if step == nil {
		return 0, os.ErrDeadlineExceeded
	}
	return copy(p, step), nil
}

func (c *scriptedConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	return c.written.Write(b)
}

func (c *scriptedConn) SetReadTimeout(time.Duration) {}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *scriptedConn) RemoteAddr() string { return "scripted" }

// sent parses everything written to the connection.
func (c *scriptedConn) sent(t *testing.T) []fix.Message {
	t.Helper()
	c.mu.Lock()
	raw := append([]byte(nil), c.written.Bytes()...)
	c.mu.Unlock()
	p := frame.NewParser(bytes.NewReader(raw), frame.DefaultLimits())
	var out []fix.Message
	for {
		msg, err := p.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("parse written bytes: %v", err)
		}
		out = append(out, msg)
	}
}

func encodeInbound(t *testing.T, msg fix.Message) []byte {
	t.Helper()
	payload, err := frame.Encode("FIXT.1.1", msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return payload
}

func seqOf(t *testing.T, msg fix.Message) int {
	t.Helper()
	seq, err := msg.Int(fix.TagMsgSeqNum)
	if err != nil {
		t.Fatalf("missing MsgSeqNum in %s", msg)
	}
	return seq
}
