package fix

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrFieldNotFound  = errors.New("fix: field not found")
	ErrMissingMsgType = errors.New("fix: first field must be MsgType")
	ErrInvalidInt     = errors.New("fix: invalid int value")
)

// Field is one tag=value pair.
type Field struct {
	Tag   int
	Value string
}

// F is shorthand for building a Field.
func F(tag int, value string) Field {
	return Field{Tag: tag, Value: value}
}

// I builds an integer-valued Field.
func I(tag int, value int) Field {
	return Field{Tag: tag, Value: strconv.Itoa(value)}
}

// Message is an ordered tagged field-set.
type Message struct {
	Fields []Field
}

// New builds a message whose first field is MsgType.
func New(msgType string, fields ...Field) Message {
	out := make([]Field, 0, len(fields)+1)
	out = append(out, Field{Tag: TagMsgType, Value: msgType})
	out = append(out, fields...)
	return Message{Fields: out}
}

// Validate checks that the first field is a non-empty MsgType.
func (m Message) Validate() error {
	if len(m.Fields) == 0 || m.Fields[0].Tag != TagMsgType || strings.TrimSpace(m.Fields[0].Value) == "" {
		return ErrMissingMsgType
	}
	return nil
}

// Type returns the MsgType value, or "" when the message has none.
func (m Message) Type() string {
	if len(m.Fields) == 0 || m.Fields[0].Tag != TagMsgType {
		return ""
	}
	return m.Fields[0].Value
}

// Has reports whether tag is present.
func (m Message) Has(tag int) bool {
	_, err := m.Get(tag)
	return err == nil
}

// Get returns the first value for tag.
func (m Message) Get(tag int) (string, error) {
	for _, f := range m.Fields {
		if f.Tag == tag {
			return f.Value, nil
		}
	}
	return "", fmt.Errorf("%w: tag %d", ErrFieldNotFound, tag)
}

// GetOr returns the value for tag, or def when absent.
func (m Message) GetOr(tag int, def string) string {
	v, err := m.Get(tag)
	if err != nil {
		return def
	}
	return v
}

// Int returns the value for tag parsed as an integer.
func (m Message) Int(tag int) (int, error) {
	raw, err := m.Get(tag)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: tag %d value %q", ErrInvalidInt, tag, raw)
	}
	return v, nil
}

// Bool returns true when tag is present and set to Y.
func (m Message) Bool(tag int) bool {
	return m.GetOr(tag, No) == Yes
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := make([]Field, len(m.Fields))
	copy(out, m.Fields)
	return Message{Fields: out}
}

// String renders the message pipe-delimited for logs.
func (m Message) String() string {
	var b strings.Builder
	for _, f := range m.Fields {
		b.WriteString(strconv.Itoa(f.Tag))
		b.WriteByte('=')
		b.WriteString(f.Value)
		b.WriteByte('|')
	}
	return b.String()
}
