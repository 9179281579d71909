package session

import "errors"

var (
	ErrWaitTimeout       = errors.New("session: wait timed out")
	ErrAlreadyStarted    = errors.New("session: engine already started")
	ErrAcquirerRequired  = errors.New("session: transport acquirer required")
	ErrLogonExpected     = errors.New("session: first inbound message was not logon")
	ErrLivenessFailure   = errors.New("session: no inbound traffic after test request")
	ErrProtocolViolation = errors.New("session: inbound sequence number too low")
	ErrBadConfirmation   = errors.New("session: malformed confirmation token")
)
