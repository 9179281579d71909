package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrAddressRequired = errors.New("transport: address required")

// Dialer is the initiator-side Acquirer: every Acquire dials a fresh
// connection.
type Dialer struct {
	Address          string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Security         Security
}

func (d Dialer) Acquire(ctx context.Context) (Conn, error) {
	if strings.TrimSpace(d.Address) == "" {
		return nil, ErrAddressRequired
	}
	if err := d.Security.ValidateClient(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: d.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		log.Debug().Str("addr", d.Address).Err(err).Msg("transport.Dialer.Acquire dial failed")
		return nil, err
	}
	if !d.Security.TLS.Enabled {
		return Wrap(rawConn, d.WriteTimeout), nil
	}

	tlsCfg, err := clientTLSConfig(d.Security, d.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	if err := handshake(ctx, conn, d.HandshakeTimeout); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return Wrap(conn, d.WriteTimeout), nil
}

func handshake(ctx context.Context, conn *tls.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		return conn.HandshakeContext(ctx)
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.HandshakeContext(handshakeCtx)
}
