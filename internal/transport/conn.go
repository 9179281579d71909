package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var ErrNoConnection = errors.New("transport: no connection available")

// Conn is one connected byte stream.
type Conn interface {
	io.Reader
	// Write sends all of b or returns an error.
	io.Writer
	// SetReadTimeout bounds every subsequent Read; zero disables the bound.
	SetReadTimeout(d time.Duration)
	Close() error
	RemoteAddr() string
}

// Acquirer hands out connected transports on demand. Any error means no
// connection is available right now.
type Acquirer interface {
	Acquire(ctx context.Context) (Conn, error)
}

// AcquirerFunc adapts a function to Acquirer.
type AcquirerFunc func(ctx context.Context) (Conn, error)

func (f AcquirerFunc) Acquire(ctx context.Context) (Conn, error) {
	return f(ctx)
}

type netConn struct {
	conn         net.Conn
	readTimeout  atomic.Int64
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

// Wrap adapts a net.Conn. writeTimeout bounds each Write when positive.
func Wrap(conn net.Conn, writeTimeout time.Duration) Conn {
	return &netConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *netConn) Read(p []byte) (int, error) {
	if d := time.Duration(c.readTimeout.Load()); d > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
			return 0, err
		}
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.Read(p)
}

func (c *netConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	var written int
	for written < len(b) {
		n, err := c.conn.Write(b[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *netConn) SetReadTimeout(d time.Duration) {
	c.readTimeout.Store(int64(d))
}

func (c *netConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *netConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
