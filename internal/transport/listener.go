package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Listener is the acceptor-side Acquirer: every Acquire waits up to
// AcceptTimeout for one inbound connection, or until ctx is done.
type Listener struct {
	AcceptTimeout    time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	ln     net.Listener
	tlsCfg *tls.Config
	mu     sync.Mutex
}

// Listen binds addr and validates the server security policy.
func Listen(addr string, security Security) (*Listener, error) {
	if err := security.ValidateServer(); err != nil {
		return nil, err
	}
	var tlsCfg *tls.Config
	if security.TLS.Enabled {
		cfg, err := serverTLSConfig(security)
		if err != nil {
			return nil, err
		}
		tlsCfg = cfg
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{
		AcceptTimeout:    5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ln:               ln,
		tlsCfg:           tlsCfg,
	}, nil
}

func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

func (l *Listener) Acquire(ctx context.Context) (Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tcp, ok := l.ln.(*net.TCPListener); ok {
		// zero AcceptTimeout leaves only ctx to bound Accept
		var deadline time.Time
		if l.AcceptTimeout > 0 {
			deadline = time.Now().Add(l.AcceptTimeout)
		}
		if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
			deadline = ctxDeadline
		}
		_ = tcp.SetDeadline(deadline)
		stop := context.AfterFunc(ctx, func() { _ = tcp.SetDeadline(time.Now()) })
		defer stop()
	}
	rawConn, err := l.ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, ErrNoConnection
		}
		return nil, err
	}
	log.Debug().Str("remote", rawConn.RemoteAddr().String()).Msg("transport.Listener.Acquire accepted")
	if l.tlsCfg == nil {
		return Wrap(rawConn, l.WriteTimeout), nil
	}

	conn := tls.Server(rawConn, l.tlsCfg)
	if err := handshake(ctx, conn, l.HandshakeTimeout); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return Wrap(conn, l.WriteTimeout), nil
}
