package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/slowbreak/internal/protocol/fix"
)

var ErrOutOfRange = errors.New("session: sequence number out of range")

// Store assigns outbound sequence numbers, stamps the session header and
// retains sent messages until the remote confirms them.
//
// Invariant: NextSeqNum() == FirstSeqNum() + Len().
type Store struct {
	mu      sync.Mutex
	sender  string
	target  string
	extra   []fix.Field
	first   int
	records []fix.Message
	now     func() time.Time
}

// NewStore returns an empty store whose next sequence number is first.
func NewStore(cfg Config, first int) *Store {
	if first < 1 {
		first = 1
	}
	return &Store{
		sender: cfg.SenderCompID,
		target: cfg.TargetCompID,
		extra:  cfg.ExtraHeader,
		first:  first,
		now:    time.Now,
	}
}

// Matches reports whether the store belongs to cfg's identity pair.
func (s *Store) Matches(cfg Config) bool {
	return s.sender == cfg.SenderCompID && s.target == cfg.TargetCompID
}

// Decorate returns a copy of msg carrying the header for the next
// sequence number. The store is not modified.
func (s *Store) Decorate(msg fix.Message) fix.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decorateLocked(msg, s.first+len(s.records))
}

// DecorateAndRegister assigns the next sequence number to msg and retains
// the decorated copy.
func (s *Store) DecorateAndRegister(msg fix.Message) fix.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.decorateLocked(msg, s.first+len(s.records))
	s.records = append(s.records, out)
	return out
}

// header fields follow MsgType so it stays the first field on the wire
func (s *Store) decorateLocked(msg fix.Message, seq int) fix.Message {
	fields := make([]fix.Field, 0, len(msg.Fields)+4+len(s.extra))
	rest := msg.Fields
	if len(rest) > 0 && rest[0].Tag == fix.TagMsgType {
		fields = append(fields, rest[0])
		rest = rest[1:]
	}
	fields = append(fields,
		fix.I(fix.TagMsgSeqNum, seq),
		fix.F(fix.TagSenderCompID, s.sender),
		fix.F(fix.TagSendingTime, s.now().UTC().Format(fix.SendingTimeLayout)),
		fix.F(fix.TagTargetCompID, s.target),
	)
	fields = append(fields, s.extra...)
	fields = append(fields, rest...)
	return fix.Message{Fields: fields}
}

// Get returns the retained message for seq.
func (s *Store) Get(seq int) (fix.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := seq - s.first
	if idx < 0 || idx >= len(s.records) {
		return fix.Message{}, fmt.Errorf("%w: %d not in [%d,%d)", ErrOutOfRange, seq, s.first, s.first+len(s.records))
	}
	return s.records[idx], nil
}

// Drop removes every record with sequence number <= seq. Values below the
// first retained number are ignored; values past the last are clamped.
func (s *Store) Drop(seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.first {
		return
	}
	n := seq - s.first + 1
	if n > len(s.records) {
		n = len(s.records)
	}
	clear(s.records[:n])
	s.records = s.records[n:]
	s.first += n
}

// Len is the number of unacknowledged records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) FirstSeqNum() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

func (s *Store) NextSeqNum() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first + len(s.records)
}

// Records returns a snapshot of retained messages in sequence order.
func (s *Store) Records() []fix.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fix.Message, len(s.records))
	copy(out, s.records)
	return out
}

// reposition moves an empty store to seq. It is only legal while nothing
// is retained, which keeps the invariant intact.
func (s *Store) reposition(seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) != 0 {
		return fmt.Errorf("session: reposition with %d retained records", len(s.records))
	}
	s.first = seq
	return nil
}
