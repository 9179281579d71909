package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/danmuck/slowbreak/internal/auth"
	"github.com/danmuck/slowbreak/internal/config"
	"github.com/danmuck/slowbreak/internal/observability"
	"github.com/danmuck/slowbreak/internal/protocol/fix"
	"github.com/danmuck/slowbreak/internal/protocol/session"
	"github.com/danmuck/slowbreak/internal/server"
	"github.com/danmuck/slowbreak/internal/transport"
	oklogrun "github.com/oklog/run"
	"github.com/rs/zerolog"
)

const appName = "slowbreakctl"

// logApplication is the daemon's application layer: it only logs.
type logApplication struct {
	log zerolog.Logger
}

func (a logApplication) OnMessageIn(msg fix.Message) {
	a.log.Info().Str("msg_type", msg.Type()).Str("msg", msg.String()).Msg("slowbreakctl message in")
}

func (a logApplication) OnMessageNotReceived(msg fix.Message) {
	a.log.Warn().Str("msg_type", msg.Type()).Str("msg", msg.String()).Msg("slowbreakctl message not received")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// buildAcquirer returns the transport factory for cfg.Role. The closer
// releases a bound listener and is a no-op for initiators.
func buildAcquirer(cfg config.Daemon) (transport.Acquirer, io.Closer, error) {
	switch cfg.Role {
	case config.RoleInitiator:
		return transport.Dialer{
			Address:          cfg.Address,
			ConnectTimeout:   cfg.ConnectTimeout,
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			Security:         cfg.Security,
		}, nopCloser{}, nil
	case config.RoleAcceptor:
		ln, err := transport.Listen(cfg.Address, cfg.Security)
		if err != nil {
			return nil, nil, err
		}
		ln.AcceptTimeout = cfg.AcceptTimeout
		ln.HandshakeTimeout = cfg.HandshakeTimeout
		ln.WriteTimeout = cfg.WriteTimeout
		return ln, ln, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrInvalidRole, cfg.Role)
	}
}

func run(cfg config.Daemon) error {
	logger := observability.ComponentLogger(appName, "daemon")

	acquirer, closer, err := buildAcquirer(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	app := logApplication{log: observability.ComponentLogger(appName, "application")}
	engine, err := session.NewEngine(cfg.Session, acquirer, app)
	if err != nil {
		return err
	}

	var g oklogrun.Group
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			if err := engine.Start(ctx); err != nil {
				return err
			}
			<-engine.Done()
			logger.Info().Msg("slowbreakctl engine stopped")
			return nil
		}, func(error) {
			engine.Logout("shutdown")
			if err := engine.Wait(cfg.ShutdownGrace); err != nil {
				logger.Warn().Err(err).Msg("slowbreakctl logout incomplete, forcing stop")
			}
			cancel()
		})
	}
	if cfg.AdminAddr != "" {
		var guard auth.Validator
		if cfg.AdminToken != "" {
			guard = auth.StaticToken{Token: cfg.AdminToken}
		}
		admin := server.New(cfg.Name, cfg.AdminAddr, engine, guard)
		g.Add(admin.Serve, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			defer cancel()
			_ = admin.Shutdown(ctx)
		})
	}
	g.Add(oklogrun.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	logger.Info().
		Str("role", string(cfg.Role)).
		Str("address", cfg.Address).
		Str("admin_addr", cfg.AdminAddr).
		Str("sender", cfg.Session.SenderCompID).
		Str("target", cfg.Session.TargetCompID).
		Msg("slowbreakctl starting")

	err = g.Run()
	var sigErr oklogrun.SignalError
	if errors.As(err, &sigErr) {
		logger.Info().Str("signal", sigErr.Signal.String()).Msg("slowbreakctl shutdown")
		return nil
	}
	return err
}
