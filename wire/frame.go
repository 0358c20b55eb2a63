package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ControlProtocol marks a frame addressed to the agent itself rather than
// to the inference backend.
const ControlProtocol = "HIVE"

// Control verbs sent by the hub.
const (
	VerbPong         = "PONG"
	VerbReboot       = "REBOOT"
	VerbShutdown     = "SHUTDOWN"
	VerbUpdateOllama = "UPDATE_OLLAMA"

	VerbAuth = "AUTH"
	VerbPoll = "POLL"
)

// MaxFrameSize bounds the payload a peer may announce in a length prefix.
const MaxFrameSize = 64 << 20

var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one length prefixed unit of the relay protocol: an HTTP-like
// request line, headers and an opaque body.
type Frame struct {
	Protocol string
	Method   string
	URI      string
	Headers  map[string]string
	Body     string
}

func (f *Frame) IsControl() bool {
	return f.Protocol == ControlProtocol
}

// Header looks a header up case-insensitively.
func (f *Frame) Header(name string) (string, bool) {
	if v, ok := f.Headers[name]; ok {
		return v, true
	}
	for k, v := range f.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s %s %s headers=%d body=%dB", f.Method, f.URI, f.Protocol, len(f.Headers), len(f.Body))
}

// Encode renders the frame payload without the length prefix. Headers are
// written in sorted order.
func (f *Frame) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Method)
	buf.WriteByte(' ')
	buf.WriteString(f.URI)
	buf.WriteByte(' ')
	buf.WriteString(f.Protocol)
	buf.WriteString("\r\n")

	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(f.Headers[k])
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.WriteString(f.Body)
	return buf.Bytes()
}

// DecodeFrame parses a frame payload. Everything after the blank line that
// ends the header block is kept verbatim as the body.
func DecodeFrame(payload []byte) (*Frame, error) {
	rest := string(payload)
	line, rest, _ := cutLine(rest)
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: bad request line %q", ErrMalformedFrame, line)
	}
	f := &Frame{
		Method:   parts[0],
		URI:      parts[1],
		Protocol: parts[2],
		Headers:  make(map[string]string),
	}
	for rest != "" {
		var more bool
		line, rest, more = cutLine(rest)
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformedFrame, line)
		}
		f.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
		if !more {
			break
		}
	}
	f.Body = rest
	return f, nil
}

// cutLine splits s at the first LF, dropping a trailing CR from the line.
func cutLine(s string) (line, rest string, found bool) {
	line, rest, found = strings.Cut(s, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, rest, found
}

// ReadFrame reads one length prefixed frame. Any failure means the stream
// lost synchronization and the connection must be dropped.
func ReadFrame(r io.Reader) (*Frame, error) {
	payload, err := readPayload(r)
	if err != nil {
		return nil, err
	}
	return DecodeFrame(payload)
}

func readPayload(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: reading length: %w", ErrMalformedFrame, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: length %d exceeds limit", ErrMalformedFrame, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: reading payload: %w", ErrMalformedFrame, err)
	}
	return payload, nil
}

// WriteFrame writes f with its length prefix in a single Write call.
func WriteFrame(w io.Writer, f *Frame) error {
	return writePayload(w, f.Encode())
}

// WriteControlLine writes a length prefixed "VERB arg HIVE\r\n" line.
func WriteControlLine(w io.Writer, verb, arg string) error {
	return writePayload(w, []byte(verb+" "+arg+" "+ControlProtocol+"\r\n"))
}

func writePayload(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}
