// Package transport supplies connected byte streams to the session layer.
//
// Ownership boundary:
// - Conn: send-all writes, per-read timeout, idempotent close
// - Acquirer: one connection per call (initiator dial or acceptor accept)
// - TLS/mTLS policy validation and tls.Config construction
package transport
