package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/slowbreak/internal/observability"
	"github.com/danmuck/slowbreak/internal/protocol/fix"
)

// handleInbound runs the sequence check for one inbound message and
// dispatches it. Called from the Reader of generation epoch.
func (e *Engine) handleInbound(msg fix.Message, epoch uint64) error {
	seq, err := msg.Int(fix.TagMsgSeqNum)
	if err != nil {
		return err
	}
	if msg.Type() == fix.MsgTypeSequenceReset && !msg.Bool(fix.TagGapFillFlag) {
		// reset mode ignores MsgSeqNum
		return e.applySequenceReset(msg)
	}

	expected := e.state.nextInSeqNum.Load()
	switch {
	case int64(seq) < expected:
		if msg.Bool(fix.TagPossDupFlag) {
			return nil
		}
		observability.RecordSessionEvent(e.label, observability.EventProtocolViolation)
		text := fmt.Sprintf("MsgSeqNum too low, expecting %d but received %d", expected, seq)
		e.log.Error().Int64("expected", expected).Int("received", seq).Msg("session.Engine.handleInbound protocol violation")
		e.orch.sendAdmin(fix.New(fix.MsgTypeLogout, fix.F(fix.TagText, text)))
		e.orch.stopGeneration(epoch)
		return nil
	case int64(seq) > expected:
		observability.RecordSessionEvent(e.label, observability.EventResendRequest)
		e.log.Info().Int64("expected", expected).Int("received", seq).Msg("session.Engine.handleInbound gap detected")
		e.orch.sendAdmin(fix.New(fix.MsgTypeResendRequest,
			fix.I(fix.TagBeginSeqNo, int(expected)),
			fix.I(fix.TagEndSeqNo, 0),
		))
		return nil
	}

	next := e.state.nextInSeqNum.Add(1)
	observability.SetNextInSeqNum(e.label, next)

	switch msg.Type() {
	case fix.MsgTypeTestRequest:
		id, err := msg.Get(fix.TagTestReqID)
		if err != nil {
			return err
		}
		e.orch.sendAdmin(fix.New(fix.MsgTypeHeartbeat, fix.F(fix.TagTestReqID, id)))
	case fix.MsgTypeHeartbeat:
		id := msg.GetOr(fix.TagTestReqID, "")
		if !strings.HasPrefix(id, confirmTokenPrefix) {
			return nil
		}
		confirmed, err := parseConfirmToken(id)
		if err != nil {
			return err
		}
		e.orch.confirm(confirmed, epoch)
	case fix.MsgTypeResendRequest:
		begin, err := msg.Int(fix.TagBeginSeqNo)
		if err != nil {
			return err
		}
		e.orch.gapFill(begin, epoch)
	case fix.MsgTypeSequenceReset:
		return e.applySequenceReset(msg)
	default:
		e.app.OnMessageIn(msg)
	}
	return nil
}

// applySequenceReset moves the inbound sequence forward to NewSeqNo. It
// never moves it back.
func (e *Engine) applySequenceReset(msg fix.Message) error {
	newSeq, err := msg.Int(fix.TagNewSeqNo)
	if err != nil {
		return err
	}
	for {
		cur := e.state.nextInSeqNum.Load()
		if int64(newSeq) <= cur {
			e.log.Debug().Int("new_seq_no", newSeq).Int64("current", cur).Msg("session.Engine.applySequenceReset ignored")
			return nil
		}
		if e.state.nextInSeqNum.CompareAndSwap(cur, int64(newSeq)) {
			observability.SetNextInSeqNum(e.label, int64(newSeq))
			return nil
		}
	}
}

func parseConfirmToken(id string) (int, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(id, confirmTokenPrefix))
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadConfirmation, id)
	}
	return n, nil
}
