package session

import (
	"testing"

	"github.com/danmuck/slowbreak/internal/protocol/fix"
	"github.com/danmuck/slowbreak/internal/testutil/testlog"
)

func TestInboundInSequenceAdvances(t *testing.T) {
	testlog.Start(t)
	e, app := newTestEngine(t, testConfig(), noConn)
	e.state.nextInSeqNum.Store(3)

	if err := e.handleInbound(inbound(3, "8", fix.F(17, "exec-1")), 1); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := e.state.nextInSeqNum.Load(); got != 4 {
		t.Fatalf("next_in got=%d want=4", got)
	}
	if tasks := drainTasks(e); len(tasks) != 0 {
		t.Fatalf("expected nothing queued, got %d tasks", len(tasks))
	}
	if in := app.received(); len(in) != 1 || in[0].GetOr(17, "") != "exec-1" {
		t.Fatalf("application should see the message once: %v", in)
	}
}

func TestInboundGapRequestsResend(t *testing.T) {
	testlog.Start(t)
	e, app := newTestEngine(t, testConfig(), noConn)
	e.state.nextInSeqNum.Store(2)

	if err := e.handleInbound(inbound(5, "8"), 1); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := e.state.nextInSeqNum.Load(); got != 2 {
		t.Fatalf("next_in moved on gap: %d", got)
	}
	tasks := drainTasks(e)
	if len(tasks) != 1 || tasks[0].kind != taskSend || tasks[0].msg.Type() != fix.MsgTypeResendRequest {
		t.Fatalf("expected exactly one ResendRequest, got %+v", tasks)
	}
	if begin, _ := tasks[0].msg.Int(fix.TagBeginSeqNo); begin != 2 {
		t.Fatalf("BeginSeqNo got=%d want=2", begin)
	}
	if end, _ := tasks[0].msg.Int(fix.TagEndSeqNo); end != 0 {
		t.Fatalf("EndSeqNo got=%d want=0", end)
	}
	if len(app.received()) != 0 {
		t.Fatalf("application must not see out-of-order messages")
	}
}

func TestInboundPossDupBelowExpectedIgnored(t *testing.T) {
	testlog.Start(t)
	e, app := newTestEngine(t, testConfig(), noConn)
	e.state.nextInSeqNum.Store(5)

	msg := inbound(3, "8", fix.F(fix.TagPossDupFlag, fix.Yes))
	if err := e.handleInbound(msg, 1); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := e.state.nextInSeqNum.Load(); got != 5 {
		t.Fatalf("next_in changed: %d", got)
	}
	if tasks := drainTasks(e); len(tasks) != 0 {
		t.Fatalf("expected nothing queued, got %+v", tasks)
	}
	if len(app.received()) != 0 {
		t.Fatalf("replayed duplicate reached the application")
	}
}

func TestInboundSeqTooLowStopsGeneration(t *testing.T) {
	testlog.Start(t)
	e, app := newTestEngine(t, testConfig(), noConn)
	e.state.nextInSeqNum.Store(5)

	if err := e.handleInbound(inbound(3, "8"), 7); err != nil {
		t.Fatalf("handle: %v", err)
	}
	tasks := drainTasks(e)
	if len(tasks) != 2 {
		t.Fatalf("expected logout and stop, got %+v", tasks)
	}
	if tasks[0].msg.Type() != fix.MsgTypeLogout || !tasks[0].msg.Has(fix.TagText) {
		t.Fatalf("expected Logout with Text first, got %s", tasks[0].msg)
	}
	if tasks[1].kind != taskStopGeneration || tasks[1].epoch != 7 {
		t.Fatalf("expected stop for epoch 7, got %+v", tasks[1])
	}
	if e.state.nextInSeqNum.Load() != 5 || len(app.received()) != 0 {
		t.Fatalf("violation must not advance state or reach the application")
	}
}

func TestInboundTestRequestEchoed(t *testing.T) {
	testlog.Start(t)
	e, app := newTestEngine(t, testConfig(), noConn)

	if err := e.handleInbound(inbound(1, fix.MsgTypeTestRequest, fix.F(fix.TagTestReqID, "ping-7")), 1); err != nil {
		t.Fatalf("handle: %v", err)
	}
	tasks := drainTasks(e)
	if len(tasks) != 1 || tasks[0].msg.Type() != fix.MsgTypeHeartbeat {
		t.Fatalf("expected Heartbeat reply, got %+v", tasks)
	}
	if id := tasks[0].msg.GetOr(fix.TagTestReqID, ""); id != "ping-7" {
		t.Fatalf("TestReqID got=%q", id)
	}
	if len(app.received()) != 0 {
		t.Fatalf("TestRequest must not reach the application")
	}
}

func TestInboundConfirmationQueuesTrim(t *testing.T) {
	testlog.Start(t)
	e, _ := newTestEngine(t, testConfig(), noConn)

	if err := e.handleInbound(inbound(1, fix.MsgTypeHeartbeat, fix.F(fix.TagTestReqID, "CONFIRM 42")), 3); err != nil {
		t.Fatalf("handle: %v", err)
	}
	tasks := drainTasks(e)
	if len(tasks) != 1 || tasks[0].kind != taskConfirm || tasks[0].seq != 42 || tasks[0].epoch != 3 {
		t.Fatalf("expected confirm(42) for epoch 3, got %+v", tasks)
	}

	// plain heartbeats and test-request echoes are consumed quietly
	if err := e.handleInbound(inbound(2, fix.MsgTypeHeartbeat, fix.F(fix.TagTestReqID, "abc")), 3); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if tasks := drainTasks(e); len(tasks) != 0 {
		t.Fatalf("expected nothing queued, got %+v", tasks)
	}

	if err := e.handleInbound(inbound(3, fix.MsgTypeHeartbeat, fix.F(fix.TagTestReqID, "CONFIRM x")), 3); err == nil {
		t.Fatalf("expected malformed token error")
	}
	if got := e.state.nextInSeqNum.Load(); got != 4 {
		t.Fatalf("next_in got=%d want=4", got)
	}
}

func TestInboundResendRequestQueuesGapFill(t *testing.T) {
	testlog.Start(t)
	e, _ := newTestEngine(t, testConfig(), noConn)

	msg := inbound(1, fix.MsgTypeResendRequest, fix.I(fix.TagBeginSeqNo, 4), fix.I(fix.TagEndSeqNo, 0))
	if err := e.handleInbound(msg, 2); err != nil {
		t.Fatalf("handle: %v", err)
	}
	tasks := drainTasks(e)
	if len(tasks) != 1 || tasks[0].kind != taskGapFill || tasks[0].seq != 4 || tasks[0].epoch != 2 {
		t.Fatalf("expected gap fill from 4 for epoch 2, got %+v", tasks)
	}
}

func TestInboundSequenceReset(t *testing.T) {
	testlog.Start(t)
	e, app := newTestEngine(t, testConfig(), noConn)
	e.state.nextInSeqNum.Store(3)

	gapFill := inbound(3, fix.MsgTypeSequenceReset, fix.F(fix.TagGapFillFlag, fix.Yes), fix.I(fix.TagNewSeqNo, 10))
	if err := e.handleInbound(gapFill, 1); err != nil {
		t.Fatalf("gap fill: %v", err)
	}
	if got := e.state.nextInSeqNum.Load(); got != 10 {
		t.Fatalf("after gap fill next_in=%d want=10", got)
	}

	// reset mode ignores MsgSeqNum entirely
	reset := inbound(1, fix.MsgTypeSequenceReset, fix.I(fix.TagNewSeqNo, 20))
	if err := e.handleInbound(reset, 1); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := e.state.nextInSeqNum.Load(); got != 20 {
		t.Fatalf("after reset next_in=%d want=20", got)
	}

	// never moves backwards
	back := inbound(1, fix.MsgTypeSequenceReset, fix.I(fix.TagNewSeqNo, 5))
	if err := e.handleInbound(back, 1); err != nil {
		t.Fatalf("backwards reset: %v", err)
	}
	if got := e.state.nextInSeqNum.Load(); got != 20 {
		t.Fatalf("reset moved backwards to %d", got)
	}
	if len(app.received()) != 0 || len(drainTasks(e)) != 0 {
		t.Fatalf("sequence reset must stay inside the engine")
	}
}

func TestInboundMissingSeqNum(t *testing.T) {
	testlog.Start(t)
	e, _ := newTestEngine(t, testConfig(), noConn)
	if err := e.handleInbound(fix.New("8"), 1); err == nil {
		t.Fatalf("expected error for message without MsgSeqNum")
	}
	if got := e.state.nextInSeqNum.Load(); got != 1 {
		t.Fatalf("next_in changed: %d", got)
	}
}

func TestLowPriorityClassifierOrdersQueue(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.LowPriority = func(msg fix.Message) bool { return msg.Type() == "V" }
	e, _ := newTestEngine(t, cfg, noConn)

	if err := e.Send(fix.New("V", fix.F(262, "md-1"))); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := e.Send(fix.New("D", fix.F(11, "ord-1"))); err != nil {
		t.Fatalf("send: %v", err)
	}
	tasks := drainTasks(e)
	if len(tasks) != 2 || tasks[0].msg.Type() != "D" || tasks[1].msg.Type() != "V" {
		t.Fatalf("expected high-priority order first, got %+v", tasks)
	}
}

func TestSendRejectsMissingMsgType(t *testing.T) {
	testlog.Start(t)
	e, _ := newTestEngine(t, testConfig(), noConn)
	if err := e.Send(fix.Message{Fields: []fix.Field{fix.F(11, "x")}}); err == nil {
		t.Fatalf("expected error for message without MsgType")
	}
	if e.orch.queue.Len() != 0 {
		t.Fatalf("invalid message was queued")
	}
}
