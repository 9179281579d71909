package session

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/slowbreak/internal/protocol/fix"
	"github.com/danmuck/slowbreak/internal/testutil/fixpeer"
	"github.com/danmuck/slowbreak/internal/testutil/testlog"
	"github.com/danmuck/slowbreak/internal/transport"
)

const step = 2 * time.Second

func startEngine(t *testing.T, cfg Config, acquirer transport.Acquirer) (*Engine, *recordingApp) {
	t.Helper()
	e, app := newTestEngine(t, cfg, acquirer)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		e.ForceStop()
		if err := e.Wait(step); err != nil {
			t.Errorf("engine did not stop: %v", err)
		}
	})
	return e, app
}

func newCounterparty(t *testing.T) *fixpeer.Counterparty {
	return fixpeer.NewCounterparty(t, "FIXT.1.1", "VENUE", "CLIENT")
}

func TestEngineConfirmationRoundTrip(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.ConfirmThreshold = 3
	cp := newCounterparty(t)
	e, _ := startEngine(t, cfg, cp)

	peer := cp.Next(step)
	peer.Logon(step)
	for i := 1; i <= 3; i++ {
		if err := e.Send(fix.New("D", fix.I(11, i))); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	var token string
	maxSeq, apps := 0, 0
	for token == "" || apps < 3 {
		msg, ok := peer.Next(step)
		if !ok {
			t.Fatalf("engine went quiet: apps=%d token=%q", apps, token)
		}
		if seq := seqOf(t, msg); seq > maxSeq {
			maxSeq = seq
		}
		switch {
		case msg.Type() == "D":
			apps++
		case msg.Type() == fix.MsgTypeHeartbeat && strings.HasPrefix(msg.GetOr(fix.TagTestReqID, ""), "CONFIRM "):
			token = msg.GetOr(fix.TagTestReqID, "")
			// every earlier message is still retained, so the request goes
			// out right after the threshold-th record
			if seq := seqOf(t, msg); seq != cfg.ConfirmThreshold+1 || token != "CONFIRM "+strconv.Itoa(seq) {
				t.Fatalf("confirmation request at seq=%d token=%q, want seq=%d", seq, token, cfg.ConfirmThreshold+1)
			}
		}
	}
	waitFor(t, step, "awaiting confirmation", func() bool {
		return e.Status().AwaitingConfirmation
	})

	peer.Send(fix.New(fix.MsgTypeHeartbeat, fix.F(fix.TagTestReqID, "CONFIRM "+strconv.Itoa(maxSeq))))
	waitFor(t, step, "store trimmed", func() bool {
		st := e.Status()
		return st.Retained == 0 && !st.AwaitingConfirmation
	})
}

func TestEngineLogonOncePerAcquisition(t *testing.T) {
	testlog.Start(t)
	cp := newCounterparty(t)
	var attempts atomic.Int32
	acquirer := transport.AcquirerFunc(func(ctx context.Context) (transport.Conn, error) {
		if attempts.Add(1) <= 2 {
			return nil, transport.ErrNoConnection
		}
		return cp.Acquire(ctx)
	})
	e, _ := startEngine(t, testConfig(), acquirer)

	peer := cp.Next(step)
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected the third attempt to connect, got %d", got)
	}
	logon := peer.Logon(step)
	if seqOf(t, logon) != 1 {
		t.Fatalf("first logon seq=%d", seqOf(t, logon))
	}
	waitFor(t, step, "logged on", func() bool { return e.Status().LoggedOn })
	if err := e.Send(fix.New("D")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg := peer.Expect("D", step); seqOf(t, msg) != 2 {
		t.Fatalf("application message seq=%d want=2", seqOf(t, msg))
	}

	// a disconnect leads to exactly one new acquisition and one new logon,
	// continuing the carried-over outbound sequence
	e.Disconnect()
	peer.ExpectClosed(step)
	next := cp.Next(step)
	if got := attempts.Load(); got != 4 {
		t.Fatalf("expected one reconnect attempt, got %d total", got)
	}
	relogon := next.Logon(step)
	if seqOf(t, relogon) != 3 {
		t.Fatalf("second logon seq=%d want=3", seqOf(t, relogon))
	}
	if st := e.Status(); st.Epoch != 2 {
		t.Fatalf("epoch got=%d want=2", st.Epoch)
	}
}

func TestEngineGapTriggersResendRequest(t *testing.T) {
	testlog.Start(t)
	cp := newCounterparty(t)
	e, app := startEngine(t, testConfig(), cp)

	peer := cp.Next(step)
	peer.Logon(step)
	waitFor(t, step, "next_in == 2", func() bool { return e.Status().NextInSeqNum == 2 })

	peer.SendSeq(5, fix.New("8", fix.F(17, "exec-5")))
	resend := peer.Expect(fix.MsgTypeResendRequest, step)
	if begin, _ := resend.Int(fix.TagBeginSeqNo); begin != 2 {
		t.Fatalf("BeginSeqNo=%d want=2", begin)
	}
	if end, _ := resend.Int(fix.TagEndSeqNo); end != 0 {
		t.Fatalf("EndSeqNo=%d want=0", end)
	}
	for _, msg := range app.received() {
		if msg.Type() == "8" {
			t.Fatalf("out-of-order message reached the application")
		}
	}
	if got := e.Status().NextInSeqNum; got != 2 {
		t.Fatalf("next_in moved to %d", got)
	}

	// the remote fills the gap and traffic resumes
	peer.SendSeq(2, fix.New(fix.MsgTypeSequenceReset, fix.F(fix.TagGapFillFlag, fix.Yes), fix.I(fix.TagNewSeqNo, 6)),
		fix.F(fix.TagPossDupFlag, fix.Yes))
	peer.SetNextOut(6)
	peer.Send(fix.New("8", fix.F(17, "exec-6")))
	waitFor(t, step, "exec-6 delivered", func() bool {
		for _, msg := range app.received() {
			if msg.GetOr(17, "") == "exec-6" {
				return true
			}
		}
		return false
	})
}

func TestEngineResendRequestGapFills(t *testing.T) {
	testlog.Start(t)
	cp := newCounterparty(t)
	e, app := startEngine(t, testConfig(), cp)

	peer := cp.Next(step)
	peer.Logon(step)
	for i := 2; i <= 6; i++ {
		if err := e.Send(fix.New("D", fix.I(11, i))); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	for i := 2; i <= 6; i++ {
		if msg := peer.Expect("D", step); seqOf(t, msg) != i {
			t.Fatalf("application message seq=%d want=%d", seqOf(t, msg), i)
		}
	}

	peer.Send(fix.New(fix.MsgTypeResendRequest, fix.I(fix.TagBeginSeqNo, 4), fix.I(fix.TagEndSeqNo, 0)))
	reset := peer.Expect(fix.MsgTypeSequenceReset, step)
	if seqOf(t, reset) != 4 {
		t.Fatalf("SequenceReset MsgSeqNum=%d want=4", seqOf(t, reset))
	}
	if n, _ := reset.Int(fix.TagNewSeqNo); n != 7 {
		t.Fatalf("NewSeqNo=%d want=7", n)
	}
	if !reset.Bool(fix.TagGapFillFlag) {
		t.Fatalf("GapFillFlag missing: %s", reset)
	}

	waitFor(t, step, "abandoned records reported", func() bool { return len(app.dropped()) == 3 })
	for i, msg := range app.dropped() {
		if got := seqOf(t, msg); got != 4+i {
			t.Fatalf("not-received[%d] seq=%d want=%d", i, got, 4+i)
		}
	}
	st := e.Status()
	if st.Retained != 0 || st.NextOutSeqNum != 7 {
		t.Fatalf("store after gap fill: retained=%d next=%d", st.Retained, st.NextOutSeqNum)
	}
}

func TestEngineLogoutEndsSession(t *testing.T) {
	testlog.Start(t)
	cp := newCounterparty(t)
	e, _ := startEngine(t, testConfig(), cp)

	peer := cp.Next(step)
	peer.Logon(step)
	waitFor(t, step, "logged on", func() bool { return e.Status().LoggedOn })

	e.Logout("end of day")
	logout := peer.Expect(fix.MsgTypeLogout, step)
	if logout.GetOr(fix.TagText, "") != "end of day" {
		t.Fatalf("logout text got=%q", logout.GetOr(fix.TagText, ""))
	}
	peer.Send(fix.New(fix.MsgTypeLogout))
	if err := e.Wait(step); err != nil {
		t.Fatalf("wait: %v", err)
	}
	peer.ExpectClosed(step)
	if cp.Pending() != 0 {
		t.Fatalf("engine reconnected after logout")
	}
}

func TestEngineRemoteLogoutReconnects(t *testing.T) {
	testlog.Start(t)
	cp := newCounterparty(t)
	startEngine(t, testConfig(), cp)

	peer := cp.Next(step)
	peer.Logon(step)
	peer.Send(fix.New(fix.MsgTypeLogout, fix.F(fix.TagText, "maintenance")))
	peer.Expect(fix.MsgTypeLogout, step)
	peer.ExpectClosed(step)

	next := cp.Next(step)
	next.Logon(step)
}

func TestEngineProtocolViolationDisconnects(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Reconnect = false
	cp := newCounterparty(t)
	e, _ := startEngine(t, cfg, cp)

	peer := cp.Next(step)
	peer.Logon(step)
	peer.SendSeq(1, fix.New("8"))
	logout := peer.Expect(fix.MsgTypeLogout, step)
	if !strings.Contains(logout.GetOr(fix.TagText, ""), "too low") {
		t.Fatalf("logout should explain the violation: %s", logout)
	}
	peer.ExpectClosed(step)
	if err := e.Wait(step); err != nil {
		t.Fatalf("engine should stop without reconnect: %v", err)
	}
}

func TestEngineOfflineSendsReportedNotReceived(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Backoff = BackoffConfig{InitialDelay: time.Hour, Multiplier: 1}
	e, app := startEngine(t, cfg, noConn)

	if err := e.Send(fix.New("D", fix.F(11, "offline"))); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, step, "not received", func() bool { return len(app.dropped()) == 1 })

	e.ForceStop()
	if err := e.Wait(step); err != nil {
		t.Fatalf("force stop should end the offline wait: %v", err)
	}
	if err := e.Send(fix.New("D")); err != nil {
		t.Fatalf("send after stop: %v", err)
	}
	if got := len(app.dropped()); got != 2 {
		t.Fatalf("send after stop should be reported, got %d", got)
	}
}

func TestEngineStartTwiceAndWaitTimeout(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Backoff = BackoffConfig{InitialDelay: time.Hour, Multiplier: 1}
	e, _ := startEngine(t, cfg, noConn)

	if err := e.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := e.Wait(20 * time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	select {
	case <-e.Done():
		t.Fatalf("wait timeout must not stop the engine")
	default:
	}
}

func TestEngineContextCancelStops(t *testing.T) {
	testlog.Start(t)
	cp := newCounterparty(t)
	e, _ := newTestEngine(t, testConfig(), cp)
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	peer := cp.Next(step)
	peer.Logon(step)

	cancel()
	peer.ExpectClosed(step)
	if err := e.Wait(step); err != nil {
		t.Fatalf("cancel should stop the engine: %v", err)
	}
	if !e.Status().ShutdownRequested {
		t.Fatalf("cancel should request shutdown")
	}
}

func TestEngineStopReportsQueuedSends(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Reconnect = false
	cfg.SendRatePeriod = 300 * time.Millisecond
	cfg.LowPriority = func(fix.Message) bool { return true }
	cp := newCounterparty(t)
	e, app := startEngine(t, cfg, cp)

	peer := cp.Next(step)
	peer.Logon(step)
	waitFor(t, step, "logged on", func() bool { return e.Status().LoggedOn })

	for i := 0; i < 3; i++ {
		if err := e.Send(fix.New("D", fix.I(11, i))); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	e.Disconnect()
	if err := e.Wait(step); err != nil {
		t.Fatalf("engine should stop without reconnect: %v", err)
	}

	sent := 0
	for {
		msg, ok := peer.Next(step)
		if !ok {
			break
		}
		if msg.Type() == "D" {
			sent++
		}
	}
	dropped := 0
	for _, msg := range app.dropped() {
		if msg.Type() == "D" {
			dropped++
		}
	}
	if sent+dropped != 3 {
		t.Fatalf("every send must be delivered or reported: sent=%d not_received=%d", sent, dropped)
	}
	if dropped == 0 {
		t.Fatalf("throttled sends behind the stop should be reported, sent=%d", sent)
	}
	if n := e.orch.queue.Len(); n != 0 {
		t.Fatalf("queue not drained: %d", n)
	}
}

func TestEngineSendAndDisconnectLive(t *testing.T) {
	testlog.Start(t)
	cp := newCounterparty(t)
	e, app := startEngine(t, testConfig(), cp)

	peer := cp.Next(step)
	peer.Logon(step)
	waitFor(t, step, "logged on", func() bool { return e.Status().LoggedOn })

	if err := e.SendAndDisconnect(fix.New("D", fix.F(11, "last"))); err != nil {
		t.Fatalf("send and disconnect: %v", err)
	}
	if msg := peer.Expect("D", step); msg.GetOr(11, "") != "last" {
		t.Fatalf("unexpected message %s", msg)
	}
	peer.ExpectClosed(step)
	if err := e.Wait(step); err != nil {
		t.Fatalf("engine should stop: %v", err)
	}
	if !e.Status().ShutdownRequested {
		t.Fatalf("send and disconnect should request shutdown")
	}
	if cp.Pending() != 0 {
		t.Fatalf("engine reconnected after send and disconnect")
	}
	if len(app.dropped()) != 0 {
		t.Fatalf("delivered message reported as not received")
	}
}

func TestEngineSendAndDisconnectOffline(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Backoff = BackoffConfig{InitialDelay: time.Hour, Multiplier: 1}
	e, app := startEngine(t, cfg, noConn)

	if err := e.SendAndDisconnect(fix.New("D", fix.F(11, "offline"))); err != nil {
		t.Fatalf("send and disconnect: %v", err)
	}
	if err := e.Wait(step); err != nil {
		t.Fatalf("engine should stop: %v", err)
	}
	if d := app.dropped(); len(d) != 1 || d[0].GetOr(11, "") != "offline" {
		t.Fatalf("expected the message reported as not received, got %v", d)
	}
	if !e.Status().ShutdownRequested {
		t.Fatalf("send and disconnect should request shutdown")
	}
	if err := e.SendAndDisconnect(fix.Message{}); err == nil {
		t.Fatalf("expected error for message without MsgType")
	}
}
