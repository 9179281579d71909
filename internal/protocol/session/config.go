package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/slowbreak/internal/protocol/fix"
	"github.com/danmuck/slowbreak/internal/protocol/frame"
)

var (
	ErrSenderCompIDRequired     = errors.New("session: sender comp id required")
	ErrTargetCompIDRequired     = errors.New("session: target comp id required")
	ErrInvalidHeartbeatInterval = errors.New("session: invalid heartbeat interval")
	ErrInvalidConfirmThreshold  = errors.New("session: invalid confirm threshold")
)

// BackoffConfig defines reconnect backoff behavior. A multiplier of 1
// yields a fixed interval.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// TestMode controls the TestMessageIndicator(464) field on Logon.
type TestMode int

const (
	TestModeUnset TestMode = iota
	TestModeOn
	TestModeOff
)

// LowPriorityFunc classifies outbound application messages.
type LowPriorityFunc func(msg fix.Message) bool

// DefaultLowPriority treats every outbound message as high priority.
func DefaultLowPriority(fix.Message) bool {
	return false
}

// Config is immutable once handed to NewEngine.
type Config struct {
	SenderCompID     string
	TargetCompID     string
	Username         string
	Password         string
	BeginString      string
	DefaultApplVerID string

	HeartbeatInterval time.Duration
	// ConfirmThreshold is the number of unacknowledged outbound messages
	// that triggers a confirmation request.
	ConfirmThreshold int

	Reconnect bool
	Backoff   BackoffConfig

	ResetSeqNums   bool
	SendRatePeriod time.Duration
	TestMode       TestMode
	LowPriority    LowPriorityFunc
	ExtraHeader    []fix.Field
	Limits         frame.Limits
}

// DefaultConfig returns session defaults; identity must still be filled in.
func DefaultConfig() Config {
	return Config{
		BeginString:       "FIXT.1.1",
		DefaultApplVerID:  "9",
		HeartbeatInterval: 30 * time.Second,
		ConfirmThreshold:  1000,
		Reconnect:         true,
		Backoff: BackoffConfig{
			InitialDelay: 5 * time.Second,
			Multiplier:   1.0,
			MaxDelay:     time.Minute,
			Jitter:       false,
		},
		LowPriority: DefaultLowPriority,
		Limits:      frame.DefaultLimits(),
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.BeginString) == "" {
		c.BeginString = def.BeginString
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ConfirmThreshold <= 0 {
		c.ConfirmThreshold = def.ConfirmThreshold
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	if c.LowPriority == nil {
		c.LowPriority = def.LowPriority
	}
	if c.Limits.MaxBodyBytes <= 0 {
		c.Limits = def.Limits
	}
	if len(c.ExtraHeader) > 0 {
		extra := make([]fix.Field, len(c.ExtraHeader))
		copy(extra, c.ExtraHeader)
		c.ExtraHeader = extra
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.SenderCompID) == "" {
		return ErrSenderCompIDRequired
	}
	if strings.TrimSpace(c.TargetCompID) == "" {
		return ErrTargetCompIDRequired
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidHeartbeatInterval, c.HeartbeatInterval)
	}
	if c.ConfirmThreshold <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidConfirmThreshold, c.ConfirmThreshold)
	}
	return nil
}

// ReadTimeout is 1.2x the heartbeat interval so one missed heartbeat is
// told apart from a dead link.
func (c Config) ReadTimeout() time.Duration {
	return c.HeartbeatInterval * 12 / 10
}

// HeartBtIntSeconds is the HeartBtInt(108) value advertised on Logon.
func (c Config) HeartBtIntSeconds() int {
	secs := int(c.HeartbeatInterval / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func (c Config) label() string {
	return c.SenderCompID + "->" + c.TargetCompID
}
