package session

import (
	"fmt"
	"strconv"

	"github.com/danmuck/slowbreak/internal/observability"
	"github.com/danmuck/slowbreak/internal/protocol/fix"
	"github.com/danmuck/slowbreak/internal/protocol/frame"
	"github.com/danmuck/slowbreak/internal/transport"
	"github.com/rs/zerolog"
)

const confirmTokenPrefix = "CONFIRM "

// writer owns the outbound half of one generation: PreLogon -> LoggedOn ->
// Stopped. It is the only goroutine that writes to conn or touches store
// while the generation is live.
type writer struct {
	eng   *Engine
	epoch uint64
	conn  transport.Conn
	store *Store
	// loggedOn selects the send behavior: false drops sends and reports
	// them as not received.
	loggedOn bool
	log      zerolog.Logger
}

func newWriter(eng *Engine, epoch uint64, conn transport.Conn, carried *Store) *writer {
	return &writer{
		eng:   eng,
		epoch: epoch,
		conn:  conn,
		store: carried,
		log:   eng.log.With().Uint64("epoch", epoch).Str("role", "writer").Logger(),
	}
}

func (w *writer) run() (err error) {
	defer func() {
		_ = w.conn.Close()
		w.log.Debug().Err(err).Msg("session.Writer.run stopped")
	}()

	if w.drainBacklog() == resultStop {
		return nil
	}
	w.prepareStore()
	w.loggedOn = true

	if err := w.sendLogon(); err != nil {
		return err
	}

	hb := w.eng.cfg.HeartbeatInterval
	for {
		result := resultContinue
		t, ok := w.eng.orch.queue.Get(hb, false)
		if !ok {
			err = w.send(fix.New(fix.MsgTypeHeartbeat))
		} else {
			result, err = w.execute(t)
		}
		if err != nil {
			return err
		}
		if result == resultStop {
			return nil
		}
		if err := w.maybeRequestConfirmation(); err != nil {
			return err
		}
	}
}

// drainBacklog discards actions queued while no generation was live.
func (w *writer) drainBacklog() taskResult {
	for {
		t, ok := w.eng.orch.queue.Get(0, true)
		if !ok {
			return resultContinue
		}
		if result, _ := w.execute(t); result == resultStop {
			return resultStop
		}
	}
}

func (w *writer) prepareStore() {
	cfg := w.eng.cfg
	switch {
	case w.store == nil || !w.store.Matches(cfg):
		w.store = NewStore(cfg, 1)
	case cfg.ResetSeqNums:
		w.abandon(w.store.Records())
		w.store = NewStore(cfg, 1)
	}
	w.eng.orch.setStore(w.store)
}

func (w *writer) sendLogon() error {
	cfg := w.eng.cfg
	fields := []fix.Field{
		fix.I(fix.TagEncryptMethod, 0),
		fix.I(fix.TagHeartBtInt, cfg.HeartBtIntSeconds()),
	}
	if cfg.Username != "" {
		fields = append(fields, fix.F(fix.TagUsername, cfg.Username))
	}
	if cfg.Password != "" {
		fields = append(fields, fix.F(fix.TagPassword, cfg.Password))
	}
	if cfg.DefaultApplVerID != "" {
		fields = append(fields, fix.F(fix.TagDefaultApplVerID, cfg.DefaultApplVerID))
	}
	if cfg.ResetSeqNums {
		fields = append(fields, fix.F(fix.TagResetSeqNumFlag, fix.Yes))
	}
	switch cfg.TestMode {
	case TestModeOn:
		fields = append(fields, fix.F(fix.TagTestMessageIndicator, fix.Yes))
	case TestModeOff:
		fields = append(fields, fix.F(fix.TagTestMessageIndicator, fix.No))
	}
	return w.send(fix.New(fix.MsgTypeLogon, fields...))
}

func (w *writer) execute(t task) (taskResult, error) {
	switch t.kind {
	case taskSend:
		return resultContinue, w.send(t.msg)
	case taskSendAndDisconnect:
		err := w.send(t.msg)
		w.eng.state.shutdownRequested.Store(true)
		return resultStop, err
	case taskStop:
		// a stop queued before this generation logged on is stale unless
		// the engine is shutting down
		if !w.loggedOn && !w.eng.state.shutdownRequested.Load() {
			return resultContinue, nil
		}
		return resultStop, nil
	case taskStopGeneration:
		if t.epoch != w.epoch {
			return resultContinue, nil
		}
		return resultStop, nil
	case taskGapFill:
		if t.epoch != w.epoch || !w.loggedOn {
			return resultContinue, nil
		}
		return resultContinue, w.gapFill(t.seq)
	case taskConfirm:
		if t.epoch != w.epoch || !w.loggedOn {
			return resultContinue, nil
		}
		w.confirm(t.seq)
		return resultContinue, nil
	default:
		return resultContinue, fmt.Errorf("session: unknown task kind %d", t.kind)
	}
}

// send is the "normal" behavior once logged on and the "skip" behavior
// before.
func (w *writer) send(msg fix.Message) error {
	if !w.loggedOn {
		w.log.Debug().Str("msg_type", msg.Type()).Msg("session.Writer.send skipped before logon")
		w.eng.notReceived(msg)
		return nil
	}
	return w.transmit(w.store.DecorateAndRegister(msg))
}

func (w *writer) transmit(msg fix.Message) error {
	payload, err := frame.Encode(w.eng.cfg.BeginString, msg)
	if err != nil {
		return err
	}
	if _, err := w.conn.Write(payload); err != nil {
		w.log.Warn().Err(err).Str("msg_type", msg.Type()).Msg("session.Writer.transmit failed")
		return err
	}
	w.log.Trace().Str("msg", msg.String()).Msg("session.Writer.transmit")
	observability.RecordMessageOut(w.eng.label, msg.Type())
	observability.SetRetainedRecords(w.eng.label, w.store.Len())
	return nil
}

func (w *writer) maybeRequestConfirmation() error {
	if w.store.Len() < w.eng.cfg.ConfirmThreshold || w.eng.state.awaitingConfirmation.Load() {
		return nil
	}
	token := confirmTokenPrefix + strconv.Itoa(w.store.NextSeqNum())
	if err := w.send(fix.New(fix.MsgTypeHeartbeat, fix.F(fix.TagTestReqID, token))); err != nil {
		return err
	}
	w.eng.state.awaitingConfirmation.Store(true)
	observability.RecordSessionEvent(w.eng.label, observability.EventConfirmRequest)
	w.log.Debug().Str("token", token).Msg("session.Writer requested confirmation")
	return nil
}

func (w *writer) confirm(seq int) {
	w.store.Drop(seq)
	w.eng.state.awaitingConfirmation.Store(false)
	observability.RecordSessionEvent(w.eng.label, observability.EventConfirmed)
	observability.SetRetainedRecords(w.eng.label, w.store.Len())
	w.log.Debug().Int("seq", seq).Int("retained", w.store.Len()).Msg("session.Writer confirmed")
}

// gapFill answers a ResendRequest by announcing a jump to the next
// sequence number instead of replaying retained messages.
func (w *writer) gapFill(seqNo int) error {
	next := w.store.NextSeqNum()
	if seqNo > next {
		seqNo = next
	}
	if seqNo < 1 {
		seqNo = 1
	}
	w.store.Drop(seqNo - 1)
	w.abandon(w.store.Records())
	w.store.Drop(next - 1)

	if err := w.store.reposition(seqNo); err != nil {
		return err
	}
	reset := w.store.Decorate(fix.New(fix.MsgTypeSequenceReset,
		fix.F(fix.TagPossDupFlag, fix.Yes),
		fix.F(fix.TagGapFillFlag, fix.Yes),
		fix.I(fix.TagNewSeqNo, next),
	))
	if err := w.store.reposition(next); err != nil {
		return err
	}
	observability.RecordSessionEvent(w.eng.label, observability.EventGapFill)
	w.log.Info().Int("begin", seqNo).Int("new_seq_no", next).Msg("session.Writer.gapFill")
	return w.transmit(reset)
}

// abandon reports application records as not received. Session-level
// records are dropped silently.
func (w *writer) abandon(records []fix.Message) {
	for _, rec := range records {
		if fix.IsAdmin(rec.Type()) {
			continue
		}
		w.eng.notReceived(rec)
	}
}
