package config

import (
	"fmt"
	"os"

	"github.com/danmuck/slowbreak/internal/transport"
	"github.com/pelletier/go-toml/v2"
)

// File is the on-disk TOML shape. Durations are Go duration strings.
type File struct {
	Name          string        `toml:"name"`
	Role          string        `toml:"role"`
	Address       string        `toml:"address"`
	AdminAddr     string        `toml:"admin_addr"`
	AdminToken    string        `toml:"admin_token"`
	LogLevel      string        `toml:"log_level"`
	ShutdownGrace string        `toml:"shutdown_grace"`
	Session       SessionFile   `toml:"session"`
	Backoff       BackoffFile   `toml:"backoff"`
	Transport     TransportFile `toml:"transport"`
}

type SessionFile struct {
	SenderCompID        string        `toml:"sender_comp_id"`
	TargetCompID        string        `toml:"target_comp_id"`
	Username            string        `toml:"username"`
	Password            string        `toml:"password"`
	BeginString         string        `toml:"begin_string"`
	DefaultApplVerID    string        `toml:"default_appl_ver_id"`
	Heartbeat           string        `toml:"heartbeat"`
	ConfirmThreshold    int           `toml:"confirm_threshold"`
	Reconnect           bool          `toml:"reconnect"`
	ResetSeqNums        bool          `toml:"reset_seq_nums"`
	SendRatePeriod      string        `toml:"send_rate_period"`
	TestMode            string        `toml:"test_mode"`
	LowPriorityMsgTypes []string      `toml:"low_priority_msg_types"`
	MaxBodyBytes        int           `toml:"max_body_bytes"`
	ExtraHeader         []HeaderField `toml:"extra_header,omitempty"`
}

type HeaderField struct {
	Tag   int    `toml:"tag"`
	Value string `toml:"value"`
}

type BackoffFile struct {
	Initial    string  `toml:"initial"`
	Multiplier float64 `toml:"multiplier"`
	Max        string  `toml:"max"`
	Jitter     bool    `toml:"jitter"`
}

type TransportFile struct {
	ConnectTimeout   string             `toml:"connect_timeout"`
	HandshakeTimeout string             `toml:"handshake_timeout"`
	WriteTimeout     string             `toml:"write_timeout"`
	AcceptTimeout    string             `toml:"accept_timeout"`
	Security         transport.Security `toml:"security"`
}

// Template returns the file form of Default() for the given role with
// placeholder identities filled in.
func Template(role Role) (File, error) {
	switch role {
	case RoleInitiator, RoleAcceptor:
	default:
		return File{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	d := Default()
	sender, target := "CLIENT", "VENUE"
	if role == RoleAcceptor {
		sender, target = target, sender
		d.Address = "0.0.0.0:9878"
	}
	s := d.Session
	return File{
		Name:          d.Name,
		Role:          string(role),
		Address:       d.Address,
		AdminAddr:     "127.0.0.1:9879",
		LogLevel:      d.LogLevel,
		ShutdownGrace: d.ShutdownGrace.String(),
		Session: SessionFile{
			SenderCompID:        sender,
			TargetCompID:        target,
			BeginString:         s.BeginString,
			DefaultApplVerID:    s.DefaultApplVerID,
			Heartbeat:           s.HeartbeatInterval.String(),
			ConfirmThreshold:    s.ConfirmThreshold,
			Reconnect:           s.Reconnect,
			SendRatePeriod:      "0s",
			LowPriorityMsgTypes: []string{},
			MaxBodyBytes:        s.Limits.MaxBodyBytes,
		},
		Backoff: BackoffFile{
			Initial:    s.Backoff.InitialDelay.String(),
			Multiplier: s.Backoff.Multiplier,
			Max:        s.Backoff.MaxDelay.String(),
			Jitter:     s.Backoff.Jitter,
		},
		Transport: TransportFile{
			ConnectTimeout:   d.ConnectTimeout.String(),
			HandshakeTimeout: d.HandshakeTimeout.String(),
			WriteTimeout:     d.WriteTimeout.String(),
			AcceptTimeout:    d.AcceptTimeout.String(),
			Security: transport.Security{
				Mode: transport.SecurityModeDevelopment,
			},
		},
	}, nil
}

func Render(f File) ([]byte, error) {
	return toml.Marshal(f)
}

func WriteTemplate(path string, role Role, overwrite bool) error {
	f, err := Template(role)
	if err != nil {
		return err
	}
	data, err := Render(f)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}
