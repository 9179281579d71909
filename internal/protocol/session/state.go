package session

import "sync/atomic"

// sessionState is written by at most one Reader/Writer pair at a time; the
// atomics let Status read it from any goroutine.
type sessionState struct {
	nextInSeqNum         atomic.Int64
	shutdownRequested    atomic.Bool
	awaitingConfirmation atomic.Bool

	// per generation
	loggedOn  atomic.Bool
	connected atomic.Bool
}

func newSessionState() *sessionState {
	s := &sessionState{}
	s.nextInSeqNum.Store(1)
	return s
}
