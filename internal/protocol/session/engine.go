package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/slowbreak/internal/observability"
	"github.com/danmuck/slowbreak/internal/protocol/fix"
	"github.com/danmuck/slowbreak/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Application receives accepted inbound application messages and every
// outbound message the engine could not confirm as delivered. Both are
// called from engine goroutines and must not block for long.
type Application interface {
	OnMessageIn(msg fix.Message)
	OnMessageNotReceived(msg fix.Message)
}

// Engine is one logical session. It survives any number of connection
// generations until shutdown is requested or reconnection is disabled.
type Engine struct {
	cfg   Config
	app   Application
	state *sessionState
	orch  *orchestrator
	log   zerolog.Logger
	label string

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// Status is a point-in-time snapshot of session state.
type Status struct {
	Sender               string `json:"sender"`
	Target               string `json:"target"`
	Epoch                uint64 `json:"epoch"`
	Connected            bool   `json:"connected"`
	LoggedOn             bool   `json:"logged_on"`
	NextInSeqNum         int64  `json:"next_in_seq_num"`
	NextOutSeqNum        int    `json:"next_out_seq_num"`
	Retained             int    `json:"retained"`
	AwaitingConfirmation bool   `json:"awaiting_confirmation"`
	ShutdownRequested    bool   `json:"shutdown_requested"`
	Stopped              bool   `json:"stopped"`
}

func NewEngine(cfg Config, acquirer transport.Acquirer, app Application) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if acquirer == nil {
		return nil, ErrAcquirerRequired
	}
	if app == nil {
		app = NopApplication{}
	}
	e := &Engine{
		cfg:   cfg,
		app:   app,
		state: newSessionState(),
		label: cfg.label(),
	}
	e.log = log.With().
		Str("sender", cfg.SenderCompID).
		Str("target", cfg.TargetCompID).
		Logger()
	e.orch = newOrchestrator(e, acquirer)
	observability.SetNextInSeqNum(e.label, 1)
	return e, nil
}

// Start launches the orchestrator. Cancelling ctx has the effect of
// ForceStop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go func() {
		<-runCtx.Done()
		select {
		case <-e.orch.done:
		default:
			e.forceStop()
		}
	}()
	go func() {
		defer cancel()
		e.orch.run(runCtx)
	}()
	e.log.Info().
		Dur("heartbeat", e.cfg.HeartbeatInterval).
		Int("confirm_threshold", e.cfg.ConfirmThreshold).
		Msg("session.Engine.Start")
	return nil
}

// Send queues an application message. The message must carry MsgType as
// its first field; sequencing and header fields are added at transmit
// time.
func (e *Engine) Send(msg fix.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	e.orch.send(msg)
	return nil
}

// SendAndDisconnect sends msg on the live generation, then requests
// shutdown and ends the generation without reconnecting. With no live
// generation msg is reported as not received and shutdown still follows.
func (e *Engine) SendAndDisconnect(msg fix.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	e.log.Info().Str("msg_type", msg.Type()).Msg("session.Engine.SendAndDisconnect")
	e.orch.sendAndDisconnect(msg)
	return nil
}

// Logout requests shutdown and sends a Logout carrying reason as Text.
// The remote's Logout reply, or the connection closing, ends the session.
func (e *Engine) Logout(reason string) {
	e.state.shutdownRequested.Store(true)
	var fields []fix.Field
	if reason != "" {
		fields = append(fields, fix.F(fix.TagText, reason))
	}
	e.log.Info().Str("reason", reason).Msg("session.Engine.Logout")
	e.orch.sendAdmin(fix.New(fix.MsgTypeLogout, fields...))
}

// Disconnect ends the current generation. The engine reconnects unless
// shutdown was requested or reconnection is disabled.
func (e *Engine) Disconnect() {
	e.log.Info().Msg("session.Engine.Disconnect")
	e.orch.stopRequest()
}

// ForceStop shuts the engine down without a Logout exchange.
func (e *Engine) ForceStop() {
	e.log.Info().Msg("session.Engine.ForceStop")
	e.forceStop()
}

func (e *Engine) forceStop() {
	e.state.shutdownRequested.Store(true)
	e.orch.stopRequest()
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the engine has stopped or timeout elapses. It never
// stops the engine itself.
func (e *Engine) Wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.orch.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrWaitTimeout, timeout)
	}
}

// Done is closed once the engine has stopped.
func (e *Engine) Done() <-chan struct{} {
	return e.orch.done
}

func (e *Engine) Status() Status {
	st := Status{
		Sender:               e.cfg.SenderCompID,
		Target:               e.cfg.TargetCompID,
		Epoch:                e.orch.epoch.Load(),
		Connected:            e.state.connected.Load(),
		LoggedOn:             e.state.loggedOn.Load(),
		NextInSeqNum:         e.state.nextInSeqNum.Load(),
		NextOutSeqNum:        1,
		AwaitingConfirmation: e.state.awaitingConfirmation.Load(),
		ShutdownRequested:    e.state.shutdownRequested.Load(),
		Stopped:              e.stopped(),
	}
	if s := e.orch.currentStore(); s != nil {
		st.NextOutSeqNum = s.NextSeqNum()
		st.Retained = s.Len()
	}
	return st
}

func (e *Engine) stopped() bool {
	select {
	case <-e.orch.done:
		return true
	default:
		return false
	}
}

func (e *Engine) notReceived(msg fix.Message) {
	observability.RecordSessionEvent(e.label, observability.EventNotReceived)
	e.app.OnMessageNotReceived(msg)
}

// NopApplication ignores every callback.
type NopApplication struct{}

func (NopApplication) OnMessageIn(fix.Message)          {}
func (NopApplication) OnMessageNotReceived(fix.Message) {}
