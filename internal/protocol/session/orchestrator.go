package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/slowbreak/internal/observability"
	"github.com/danmuck/slowbreak/internal/protocol/fix"
	"github.com/danmuck/slowbreak/internal/transport"
	"github.com/danmuck/slowbreak/internal/workqueue"
)

// orchestrator owns the work queue shared by every generation and drives
// the reconnect loop. All of its operations are queued tasks so they run
// inside whichever Writer is live, in order with ordinary sends.
type orchestrator struct {
	eng      *Engine
	queue    *workqueue.Queue[task]
	acquirer transport.Acquirer
	backoff  *reconnectBackoff

	epoch atomic.Uint64

	mu    sync.Mutex
	store *Store

	// closed is set once the terminal drain starts; later tasks bypass
	// the queue.
	closeMu sync.Mutex
	closed  bool

	done chan struct{}
}

func newOrchestrator(eng *Engine, acquirer transport.Acquirer) *orchestrator {
	return &orchestrator{
		eng:      eng,
		queue:    workqueue.New[task](eng.cfg.SendRatePeriod),
		acquirer: acquirer,
		backoff:  newReconnectBackoff(eng.cfg.Backoff),
		done:     make(chan struct{}),
	}
}

// put queues t, or executes it offline once the engine has stopped.
func (o *orchestrator) put(t task, lowPriority bool) {
	o.closeMu.Lock()
	closed := o.closed
	if !closed {
		o.queue.Put(t, lowPriority)
	}
	o.closeMu.Unlock()
	if closed {
		_, _ = offlineHandler{eng: o.eng}.execute(t)
	}
}

func (o *orchestrator) send(msg fix.Message) {
	o.put(task{kind: taskSend, msg: msg}, o.eng.cfg.LowPriority(msg))
}

// sendAdmin queues a session-level message ahead of application traffic.
func (o *orchestrator) sendAdmin(msg fix.Message) {
	o.put(task{kind: taskSend, msg: msg}, false)
}

func (o *orchestrator) sendAndDisconnect(msg fix.Message) {
	o.put(task{kind: taskSendAndDisconnect, msg: msg}, false)
}

func (o *orchestrator) stopRequest() {
	o.put(task{kind: taskStop}, false)
}

// stopGeneration stops the Writer of generation epoch and nothing newer.
func (o *orchestrator) stopGeneration(epoch uint64) {
	o.put(task{kind: taskStopGeneration, epoch: epoch}, false)
}

func (o *orchestrator) gapFill(seqNo int, epoch uint64) {
	o.put(task{kind: taskGapFill, seq: seqNo, epoch: epoch}, false)
}

func (o *orchestrator) confirm(seq int, epoch uint64) {
	o.put(task{kind: taskConfirm, seq: seq, epoch: epoch}, false)
}

// finish closes the queue to new tasks and reports every queued send as
// not received.
func (o *orchestrator) finish() {
	o.closeMu.Lock()
	o.closed = true
	o.closeMu.Unlock()

	handler := offlineHandler{eng: o.eng}
	drained := 0
	for {
		t, ok := o.queue.Get(0, true)
		if !ok {
			break
		}
		drained++
		_, _ = handler.execute(t)
	}
	if drained > 0 {
		o.eng.log.Debug().Int("tasks", drained).Msg("session.Orchestrator.finish drained queue")
	}
}

func (o *orchestrator) setStore(s *Store) {
	o.mu.Lock()
	o.store = s
	o.mu.Unlock()
}

func (o *orchestrator) currentStore() *Store {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store
}

func (o *orchestrator) run(ctx context.Context) {
	defer close(o.done)
	log := o.eng.log
	state := o.eng.state
	var carried *Store

	for {
		if state.shutdownRequested.Load() {
			break
		}
		conn, err := o.acquire(ctx)
		switch {
		case err != nil:
			observability.RecordSessionEvent(o.eng.label, observability.EventAcquireUnavailable)
			log.Debug().Err(err).Msg("session.Orchestrator.run no connection")
		case state.shutdownRequested.Load():
			_ = conn.Close()
		default:
			var loggedOn bool
			carried, loggedOn = o.runGeneration(conn, carried)
			if loggedOn {
				o.backoff.reset()
			}
		}

		if state.shutdownRequested.Load() || !o.eng.cfg.Reconnect {
			break
		}
		delay := o.backoff.next()
		observability.RecordSessionEvent(o.eng.label, observability.EventReconnectWait)
		log.Info().Dur("delay", delay).Msg("session.Orchestrator.run reconnect wait")
		o.waitOffline(ctx, delay)
	}
	o.finish()
	log.Info().Msg("session.Orchestrator.run stopped")
}

func (o *orchestrator) acquire(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := o.acquirer.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, transport.ErrNoConnection
	}
	return conn, nil
}

// runGeneration starts Writer then Reader on conn and blocks until both
// have returned. The store is moved into the Writer and moved back out.
func (o *orchestrator) runGeneration(conn transport.Conn, carried *Store) (*Store, bool) {
	epoch := o.epoch.Add(1)
	state := o.eng.state
	log := o.eng.log.With().Uint64("epoch", epoch).Logger()

	observability.RecordSessionEvent(o.eng.label, observability.EventGeneration)
	state.connected.Store(true)
	state.loggedOn.Store(false)
	state.awaitingConfirmation.Store(false)
	log.Info().Str("remote", conn.RemoteAddr()).Msg("session.Orchestrator.runGeneration started")

	w := newWriter(o.eng, epoch, conn, carried)
	r := newReader(o.eng, epoch, conn)

	var wg sync.WaitGroup
	var writerErr, readerErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		writerErr = w.run()
	}()
	go func() {
		defer wg.Done()
		readerErr = r.run()
	}()
	wg.Wait()

	loggedOn := state.loggedOn.Load()
	state.connected.Store(false)
	state.loggedOn.Store(false)
	log.Info().
		AnErr("writer_err", writerErr).
		AnErr("reader_err", readerErr).
		Bool("logged_on", loggedOn).
		Msg("session.Orchestrator.runGeneration finished")
	return w.store, loggedOn
}

// waitOffline drains the queue for up to delay with no connection, so
// sends are reported as not received and stop requests still land.
func (o *orchestrator) waitOffline(ctx context.Context, delay time.Duration) {
	handler := offlineHandler{eng: o.eng}
	deadline := time.Now().Add(delay)
	for {
		if ctx.Err() != nil || o.eng.state.shutdownRequested.Load() {
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		t, ok := o.queue.Get(remaining, true)
		if !ok {
			continue
		}
		if result, _ := handler.execute(t); result == resultStop {
			return
		}
	}
}

// offlineHandler executes tasks while no generation is live.
type offlineHandler struct {
	eng *Engine
}

func (h offlineHandler) execute(t task) (taskResult, error) {
	switch t.kind {
	case taskSend:
		h.eng.log.Debug().Str("msg_type", t.msg.Type()).Msg("session.Orchestrator send while offline")
		h.eng.notReceived(t.msg)
	case taskSendAndDisconnect:
		h.eng.notReceived(t.msg)
		h.eng.state.shutdownRequested.Store(true)
		return resultStop, nil
	case taskStop:
		if h.eng.state.shutdownRequested.Load() {
			return resultStop, nil
		}
	}
	return resultContinue, nil
}

var (
	_ taskHandler = (*writer)(nil)
	_ taskHandler = offlineHandler{}
)
