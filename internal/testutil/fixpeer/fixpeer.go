// Package fixpeer is a scripted in-memory counterparty for session tests.
package fixpeer

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/slowbreak/internal/protocol/fix"
	"github.com/danmuck/slowbreak/internal/protocol/frame"
	"github.com/danmuck/slowbreak/internal/transport"
)

// Peer is the remote end of one net.Pipe connection.
type Peer struct {
	t           testing.TB
	conn        net.Conn
	beginString string
	sender      string
	target      string

	mu      sync.Mutex
	nextOut int

	in chan fix.Message
}

// Counterparty hands out one Peer per acquired connection.
type Counterparty struct {
	t           testing.TB
	beginString string
	sender      string
	target      string
	peers       chan *Peer
}

// NewCounterparty builds a remote that identifies as sender and addresses
// target. Both names are from the remote's point of view.
func NewCounterparty(t testing.TB, beginString, sender, target string) *Counterparty {
	return &Counterparty{
		t:           t,
		beginString: beginString,
		sender:      sender,
		target:      target,
		peers:       make(chan *Peer, 8),
	}
}

// Acquire creates a fresh pipe and returns the engine side.
func (c *Counterparty) Acquire(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local, remote := net.Pipe()
	p := newPeer(c.t, remote, c.beginString, c.sender, c.target)
	c.peers <- p
	return transport.Wrap(local, time.Second), nil
}

// Next returns the peer of the next acquired connection.
func (c *Counterparty) Next(timeout time.Duration) *Peer {
	c.t.Helper()
	select {
	case p := <-c.peers:
		return p
	case <-time.After(timeout):
		c.t.Fatalf("fixpeer: no connection within %v", timeout)
		return nil
	}
}

// Pending reports how many acquired peers have not been taken by Next.
func (c *Counterparty) Pending() int {
	return len(c.peers)
}

func newPeer(t testing.TB, conn net.Conn, beginString, sender, target string) *Peer {
	p := &Peer{
		t:           t,
		conn:        conn,
		beginString: beginString,
		sender:      sender,
		target:      target,
		nextOut:     1,
		in:          make(chan fix.Message, 256),
	}
	go p.readLoop()
	return p
}

func (p *Peer) readLoop() {
	defer close(p.in)
	parser := frame.NewParser(p.conn, frame.DefaultLimits())
	for {
		msg, err := parser.Next()
		if err != nil {
			return
		}
		p.in <- msg
	}
}

// Send stamps msg with the next sequence number and writes it.
func (p *Peer) Send(msg fix.Message) {
	p.t.Helper()
	p.mu.Lock()
	seq := p.nextOut
	p.nextOut++
	p.mu.Unlock()
	p.SendSeq(seq, msg)
}

// SendSeq writes msg with an explicit MsgSeqNum and does not advance the
// peer's own counter.
func (p *Peer) SendSeq(seq int, msg fix.Message, extra ...fix.Field) {
	p.t.Helper()
	fields := []fix.Field{
		msg.Fields[0],
		fix.I(fix.TagMsgSeqNum, seq),
		fix.F(fix.TagSenderCompID, p.sender),
		fix.F(fix.TagSendingTime, time.Now().UTC().Format(fix.SendingTimeLayout)),
		fix.F(fix.TagTargetCompID, p.target),
	}
	fields = append(fields, extra...)
	fields = append(fields, msg.Fields[1:]...)
	payload, err := frame.Encode(p.beginString, fix.Message{Fields: fields})
	if err != nil {
		p.t.Fatalf("fixpeer: encode: %v", err)
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := p.conn.Write(payload); err != nil {
		p.t.Fatalf("fixpeer: write %s: %v", msg.Type(), err)
	}
}

// SetNextOut sets the sequence number Send uses next.
func (p *Peer) SetNextOut(seq int) {
	p.mu.Lock()
	p.nextOut = seq
	p.mu.Unlock()
}

// Next returns the next message sent by the engine.
func (p *Peer) Next(timeout time.Duration) (fix.Message, bool) {
	select {
	case msg, ok := <-p.in:
		return msg, ok
	case <-time.After(timeout):
		return fix.Message{}, false
	}
}

// Expect skips messages until one of msgType arrives.
func (p *Peer) Expect(msgType string, timeout time.Duration) fix.Message {
	p.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.t.Fatalf("fixpeer: no %q within %v", msgType, timeout)
		}
		msg, ok := p.Next(remaining)
		if !ok {
			p.t.Fatalf("fixpeer: no %q within %v (connection closed or timed out)", msgType, timeout)
		}
		if msg.Type() == msgType {
			return msg
		}
	}
}

// ExpectClosed waits for the engine side to close the connection.
func (p *Peer) ExpectClosed(timeout time.Duration) {
	p.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-p.in:
			if !ok {
				return
			}
		case <-deadline:
			p.t.Fatalf("fixpeer: connection still open after %v", timeout)
		}
	}
}

// Logon answers the engine's Logon.
func (p *Peer) Logon(timeout time.Duration) fix.Message {
	p.t.Helper()
	logon := p.Expect(fix.MsgTypeLogon, timeout)
	p.Send(fix.New(fix.MsgTypeLogon,
		fix.I(fix.TagEncryptMethod, 0),
		fix.F(fix.TagHeartBtInt, logon.GetOr(fix.TagHeartBtInt, "30")),
	))
	return logon
}

func (p *Peer) Close() error {
	return p.conn.Close()
}
