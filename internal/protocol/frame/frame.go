package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/danmuck/slowbreak/internal/protocol/fix"
)

// SOH separates fields on the wire.
const SOH byte = 0x01

const trailerLen = 7 // "10=ccc\x01"

var (
	ErrTimeout             = errors.New("frame: read timeout")
	ErrGarbled             = errors.New("frame: garbled message")
	ErrChecksum            = errors.New("frame: checksum mismatch")
	ErrBodyTooLarge        = errors.New("frame: body too large")
	ErrBeginStringRequired = errors.New("frame: begin string required")
)

// Limits constrains decode memory use.
type Limits struct {
	MaxBodyBytes int
	ReadChunk    int
}

func DefaultLimits() Limits {
	return Limits{
		MaxBodyBytes: 1 << 20,
		ReadChunk:    4096,
	}
}

// Encode renders msg with BeginString, BodyLength and CheckSum framing.
func Encode(beginString string, msg fix.Message) ([]byte, error) {
	if beginString == "" {
		return nil, ErrBeginStringRequired
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	var body bytes.Buffer
	for _, f := range msg.Fields {
		switch f.Tag {
		case fix.TagBeginString, fix.TagBodyLength, fix.TagCheckSum:
			continue
		}
		body.WriteString(strconv.Itoa(f.Tag))
		body.WriteByte('=')
		body.WriteString(f.Value)
		body.WriteByte(SOH)
	}

	var out bytes.Buffer
	out.Grow(body.Len() + len(beginString) + 32)
	fmt.Fprintf(&out, "8=%s\x019=%d\x01", beginString, body.Len())
	out.Write(body.Bytes())
	fmt.Fprintf(&out, "10=%03d\x01", checksum(out.Bytes()))
	return out.Bytes(), nil
}

func checksum(b []byte) int {
	var sum int
	for _, c := range b {
		sum += int(c)
	}
	return sum % 256
}

// Parser turns a byte stream into messages. Partial input survives a
// timeout so Next can be called again on the same stream.
type Parser struct {
	r      io.Reader
	limits Limits
	buf    []byte
	chunk  []byte
}

func NewParser(r io.Reader, limits Limits) *Parser {
	if limits.MaxBodyBytes <= 0 {
		limits.MaxBodyBytes = DefaultLimits().MaxBodyBytes
	}
	if limits.ReadChunk <= 0 {
		limits.ReadChunk = DefaultLimits().ReadChunk
	}
	return &Parser{
		r:      r,
		limits: limits,
		chunk:  make([]byte, limits.ReadChunk),
	}
}

// Next returns the next complete message. ErrTimeout is returned when the
// underlying read times out; ErrGarbled and ErrChecksum drop one message
// and leave the parser usable. Any other error is terminal.
func (p *Parser) Next() (fix.Message, error) {
	for {
		msg, n, err := extract(p.buf, p.limits)
		if n > 0 {
			p.buf = p.buf[n:]
		}
		if err != nil {
			return fix.Message{}, err
		}
		if n > 0 {
			return msg, nil
		}

		read, err := p.r.Read(p.chunk)
		if read > 0 {
			p.buf = append(p.buf, p.chunk[:read]...)
		}
		if err != nil {
			if read > 0 && isTimeout(err) {
				continue
			}
			if isTimeout(err) {
				return fix.Message{}, ErrTimeout
			}
			return fix.Message{}, err
		}
	}
}

// Buffered reports how many unparsed bytes are held.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// extract parses one frame from the head of buf. It returns n == 0 with a
// nil error when more bytes are needed; n > 0 with an error when garbage
// was skipped.
func extract(buf []byte, limits Limits) (fix.Message, int, error) {
	start := bytes.Index(buf, []byte("8="))
	if start < 0 {
		// keep a trailing '8' that may start the next frame
		if len(buf) > 0 && buf[len(buf)-1] == '8' {
			return fix.Message{}, len(buf) - 1, nilIfZero(len(buf) - 1)
		}
		return fix.Message{}, len(buf), nilIfZero(len(buf))
	}
	if start > 0 {
		return fix.Message{}, start, ErrGarbled
	}

	beginEnd := bytes.IndexByte(buf, SOH)
	if beginEnd < 0 {
		return fix.Message{}, 0, nil
	}
	rest := buf[beginEnd+1:]
	if len(rest) < 2 {
		return fix.Message{}, 0, nil
	}
	if !bytes.HasPrefix(rest, []byte("9=")) {
		return fix.Message{}, beginEnd + 1, ErrGarbled
	}
	lenEnd := bytes.IndexByte(rest, SOH)
	if lenEnd < 0 {
		if len(rest) > 16 {
			return fix.Message{}, beginEnd + 1, ErrGarbled
		}
		return fix.Message{}, 0, nil
	}
	bodyLen, err := strconv.Atoi(string(rest[2:lenEnd]))
	if err != nil || bodyLen < 0 {
		return fix.Message{}, beginEnd + 1, ErrGarbled
	}
	if bodyLen > limits.MaxBodyBytes {
		return fix.Message{}, beginEnd + 1, ErrBodyTooLarge
	}

	bodyStart := beginEnd + 1 + lenEnd + 1
	total := bodyStart + bodyLen + trailerLen
	if len(buf) < total {
		return fix.Message{}, 0, nil
	}
	trailer := buf[bodyStart+bodyLen : total]
	if !bytes.HasPrefix(trailer, []byte("10=")) || trailer[trailerLen-1] != SOH {
		return fix.Message{}, beginEnd + 1, ErrGarbled
	}
	want, err := strconv.Atoi(string(trailer[3:6]))
	if err != nil {
		return fix.Message{}, total, ErrGarbled
	}
	if got := checksum(buf[:bodyStart+bodyLen]); got != want {
		return fix.Message{}, total, fmt.Errorf("%w: got=%03d want=%03d", ErrChecksum, got, want)
	}

	msg, err := parseBody(buf[bodyStart : bodyStart+bodyLen])
	if err != nil {
		return fix.Message{}, total, err
	}
	return msg, total, nil
}

func nilIfZero(n int) error {
	if n == 0 {
		return nil
	}
	return ErrGarbled
}

func parseBody(body []byte) (fix.Message, error) {
	fields := make([]fix.Field, 0, 16)
	for len(body) > 0 {
		end := bytes.IndexByte(body, SOH)
		if end < 0 {
			return fix.Message{}, fmt.Errorf("%w: unterminated field", ErrGarbled)
		}
		eq := bytes.IndexByte(body[:end], '=')
		if eq <= 0 {
			return fix.Message{}, fmt.Errorf("%w: missing '='", ErrGarbled)
		}
		tag, err := strconv.Atoi(string(body[:eq]))
		if err != nil {
			return fix.Message{}, fmt.Errorf("%w: bad tag %q", ErrGarbled, body[:eq])
		}
		fields = append(fields, fix.Field{Tag: tag, Value: string(body[eq+1 : end])})
		body = body[end+1:]
	}
	msg := fix.Message{Fields: fields}
	if err := msg.Validate(); err != nil {
		return fix.Message{}, fmt.Errorf("%w: %v", ErrGarbled, err)
	}
	return msg, nil
}
