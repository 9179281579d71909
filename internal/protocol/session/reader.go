package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/slowbreak/internal/observability"
	"github.com/danmuck/slowbreak/internal/protocol/fix"
	"github.com/danmuck/slowbreak/internal/protocol/frame"
	"github.com/danmuck/slowbreak/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// reader owns the inbound half of one generation: AwaitingLogon -> Active
// -> Disconnected.
type reader struct {
	eng    *Engine
	epoch  uint64
	conn   transport.Conn
	parser *frame.Parser
	log    zerolog.Logger
}

func newReader(eng *Engine, epoch uint64, conn transport.Conn) *reader {
	return &reader{
		eng:    eng,
		epoch:  epoch,
		conn:   conn,
		parser: frame.NewParser(conn, eng.cfg.Limits),
		log:    eng.log.With().Uint64("epoch", epoch).Str("role", "reader").Logger(),
	}
}

func (r *reader) run() (err error) {
	// the paired writer only learns about a dead connection from here
	defer func() {
		r.eng.orch.stopGeneration(r.epoch)
		r.log.Debug().Err(err).Msg("session.Reader.run stopped")
	}()

	r.conn.SetReadTimeout(r.eng.cfg.ReadTimeout())
	if r.eng.cfg.ResetSeqNums {
		r.eng.state.nextInSeqNum.Store(1)
	}

	logon, err := r.parser.Next()
	if err != nil {
		return fmt.Errorf("session: awaiting logon: %w", err)
	}
	observability.RecordMessageIn(r.eng.label, logon.Type())
	if logon.Type() != fix.MsgTypeLogon {
		r.log.Warn().Str("msg", logon.String()).Msg("session.Reader.run expected logon")
		return fmt.Errorf("%w: got %q", ErrLogonExpected, logon.Type())
	}
	r.eng.state.loggedOn.Store(true)
	r.log.Info().Msg("session.Reader.run logged on")
	r.process(logon)

	timeouts := 0
	for {
		msg, err := r.parser.Next()
		switch {
		case err == nil:
		case errors.Is(err, frame.ErrTimeout):
			timeouts++
			if timeouts >= 2 {
				observability.RecordSessionEvent(r.eng.label, observability.EventLivenessFailure)
				r.log.Warn().Msg("session.Reader.run test request unanswered")
				return ErrLivenessFailure
			}
			r.eng.orch.sendAdmin(fix.New(fix.MsgTypeTestRequest, fix.F(fix.TagTestReqID, uuid.NewString())))
			continue
		case isMessageFault(err):
			observability.RecordSessionEvent(r.eng.label, observability.EventMessageFault)
			r.log.Warn().Err(err).Msg("session.Reader.run dropped malformed message")
			continue
		default:
			return err
		}

		timeouts = 0
		observability.RecordMessageIn(r.eng.label, msg.Type())
		r.process(msg)
		if msg.Type() == fix.MsgTypeLogout {
			if !r.eng.state.shutdownRequested.Load() {
				r.eng.orch.sendAdmin(fix.New(fix.MsgTypeLogout))
			}
			r.log.Info().Str("text", msg.GetOr(fix.TagText, "")).Msg("session.Reader.run remote logout")
			return nil
		}
	}
}

// process isolates one message: errors and panics are logged and the
// loop keeps going.
func (r *reader) process(msg fix.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.RecordSessionEvent(r.eng.label, observability.EventMessageFault)
			r.log.Error().Interface("panic", rec).Str("msg", msg.String()).Msg("session.Reader.process panic")
		}
	}()
	if err := r.eng.handleInbound(msg, r.epoch); err != nil {
		r.log.Warn().Err(err).Str("msg", msg.String()).Msg("session.Reader.process")
	}
}

func isMessageFault(err error) bool {
	return errors.Is(err, frame.ErrGarbled) || errors.Is(err, frame.ErrChecksum) || errors.Is(err, frame.ErrBodyTooLarge)
}
