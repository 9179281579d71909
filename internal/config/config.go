package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/slowbreak/internal/protocol/fix"
	"github.com/danmuck/slowbreak/internal/protocol/session"
	"github.com/danmuck/slowbreak/internal/transport"
)

var (
	ErrInvalidRole     = errors.New("config: role must be initiator or acceptor")
	ErrAddressRequired = errors.New("config: address required")
	ErrInvalidTestMode = errors.New("config: test_mode must be on, off or empty")
)

// Role selects which side opens the connection.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleAcceptor  Role = "acceptor"
)

// Daemon is the resolved configuration for one slowbreakctl process.
type Daemon struct {
	Name      string
	Role      Role
	Address   string
	AdminAddr string
	LogLevel  string

	// AdminToken guards the admin session control routes when set.
	AdminToken string

	Session session.Config

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	AcceptTimeout    time.Duration
	Security         transport.Security

	// ShutdownGrace bounds the logout exchange on SIGINT/SIGTERM.
	ShutdownGrace time.Duration
}

// Default returns daemon defaults. Session identity must still be set.
func Default() Daemon {
	return Daemon{
		Name:             "slowbreak",
		Role:             RoleInitiator,
		Address:          "127.0.0.1:9878",
		LogLevel:         "info",
		Session:          session.DefaultConfig(),
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		AcceptTimeout:    5 * time.Second,
		ShutdownGrace:    5 * time.Second,
	}
}

func (d Daemon) Validate() error {
	switch d.Role {
	case RoleInitiator, RoleAcceptor:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, d.Role)
	}
	if strings.TrimSpace(d.Address) == "" {
		return ErrAddressRequired
	}
	if err := d.Session.Validate(); err != nil {
		return err
	}
	if d.Role == RoleInitiator {
		return d.Security.ValidateClient()
	}
	return d.Security.ValidateServer()
}

// Load reads a daemon TOML file. Keys absent from the file keep their
// Default() values.
func Load(path string) (Daemon, error) {
	cfg := Default()

	var raw File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Daemon{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Daemon{}, fmt.Errorf("load config (%s): unknown key %q", path, undecoded[0].String())
	}
	if err := apply(&cfg, raw, meta); err != nil {
		return Daemon{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Daemon{}, fmt.Errorf("validate config (%s): %w", path, err)
	}
	return cfg, nil
}

func apply(cfg *Daemon, raw File, meta toml.MetaData) error {
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("role") {
		cfg.Role = Role(strings.ToLower(strings.TrimSpace(raw.Role)))
	}
	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("shutdown_grace") {
		d, err := parseDuration("shutdown_grace", raw.ShutdownGrace)
		if err != nil {
			return err
		}
		cfg.ShutdownGrace = d
	}

	if err := applySession(&cfg.Session, raw.Session, meta); err != nil {
		return err
	}
	if err := applyBackoff(&cfg.Session.Backoff, raw.Backoff, meta); err != nil {
		return err
	}
	return applyTransport(cfg, raw.Transport, meta)
}

func applySession(s *session.Config, raw SessionFile, meta toml.MetaData) error {
	str := func(key string, dst *string, v string) {
		if meta.IsDefined("session", key) {
			*dst = strings.TrimSpace(v)
		}
	}
	str("sender_comp_id", &s.SenderCompID, raw.SenderCompID)
	str("target_comp_id", &s.TargetCompID, raw.TargetCompID)
	str("username", &s.Username, raw.Username)
	str("begin_string", &s.BeginString, raw.BeginString)
	str("default_appl_ver_id", &s.DefaultApplVerID, raw.DefaultApplVerID)
	if meta.IsDefined("session", "password") {
		s.Password = raw.Password
	}

	if meta.IsDefined("session", "heartbeat") {
		d, err := parseDuration("session.heartbeat", raw.Heartbeat)
		if err != nil {
			return err
		}
		s.HeartbeatInterval = d
	}
	if meta.IsDefined("session", "confirm_threshold") {
		s.ConfirmThreshold = raw.ConfirmThreshold
	}
	if meta.IsDefined("session", "reconnect") {
		s.Reconnect = raw.Reconnect
	}
	if meta.IsDefined("session", "reset_seq_nums") {
		s.ResetSeqNums = raw.ResetSeqNums
	}
	if meta.IsDefined("session", "send_rate_period") {
		d, err := parseDuration("session.send_rate_period", raw.SendRatePeriod)
		if err != nil {
			return err
		}
		s.SendRatePeriod = d
	}
	if meta.IsDefined("session", "test_mode") {
		mode, err := parseTestMode(raw.TestMode)
		if err != nil {
			return err
		}
		s.TestMode = mode
	}
	if meta.IsDefined("session", "low_priority_msg_types") {
		s.LowPriority = MsgTypeClassifier(raw.LowPriorityMsgTypes)
	}
	if meta.IsDefined("session", "extra_header") {
		s.ExtraHeader = make([]fix.Field, 0, len(raw.ExtraHeader))
		for _, h := range raw.ExtraHeader {
			s.ExtraHeader = append(s.ExtraHeader, fix.F(h.Tag, h.Value))
		}
	}
	if meta.IsDefined("session", "max_body_bytes") {
		s.Limits.MaxBodyBytes = raw.MaxBodyBytes
	}
	return nil
}

func applyBackoff(b *session.BackoffConfig, raw BackoffFile, meta toml.MetaData) error {
	if meta.IsDefined("backoff", "initial") {
		d, err := parseDuration("backoff.initial", raw.Initial)
		if err != nil {
			return err
		}
		b.InitialDelay = d
	}
	if meta.IsDefined("backoff", "multiplier") {
		b.Multiplier = raw.Multiplier
	}
	if meta.IsDefined("backoff", "max") {
		d, err := parseDuration("backoff.max", raw.Max)
		if err != nil {
			return err
		}
		b.MaxDelay = d
	}
	if meta.IsDefined("backoff", "jitter") {
		b.Jitter = raw.Jitter
	}
	return nil
}

func applyTransport(cfg *Daemon, raw TransportFile, meta toml.MetaData) error {
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"accept_timeout", raw.AcceptTimeout, &cfg.AcceptTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("transport", d.key) {
			continue
		}
		v, err := parseDuration("transport."+d.key, d.val)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	if meta.IsDefined("transport", "security") {
		cfg.Security = raw.Security
	}
	return nil
}

// MsgTypeClassifier marks messages of the listed MsgTypes as low priority.
func MsgTypeClassifier(types []string) session.LowPriorityFunc {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if v := strings.TrimSpace(t); v != "" {
			set[v] = struct{}{}
		}
	}
	if len(set) == 0 {
		return session.DefaultLowPriority
	}
	return func(msg fix.Message) bool {
		_, ok := set[msg.Type()]
		return ok
	}
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func parseTestMode(v string) (session.TestMode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return session.TestModeUnset, nil
	case "on", "true", "y":
		return session.TestModeOn, nil
	case "off", "false", "n":
		return session.TestModeOff, nil
	default:
		return session.TestModeUnset, fmt.Errorf("%w: %q", ErrInvalidTestMode, v)
	}
}
