// Package protocol implements the length-prefixed framing used for every
// request and response exchanged with the job server.
//
// A message is a 10-byte header, a text part, an optional payload part and a
// two byte terminator:
//
//	@<9 hex digits T>!<T bytes of text>\r\n
//	$<1 hex digit T><8 hex digits P>!<T bytes of text>#<P bytes of payload>\r\n
//
// The codec is byte oriented, so any Latin-1 string round-trips unchanged.
package protocol

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"quiqcl-server/internal/apperr"
)

const (
	HeaderSize = 10
	Terminator = "\r\n"

	sigNoPayload = '@'
	sigPayload   = '$'
	sigText      = '!'
	sigPayloadPt = '#'

	maxTextNoPayload = 1 << 36 // 9 hex digits
	maxTextPayload   = 1 << 4  // 1 hex digit
	maxPayload       = 1 << 32 // 8 hex digits

	// DefaultMaxBody bounds how much a reader will allocate for one message.
	DefaultMaxBody = 64 << 20
)

// Encode frames text and payload. An empty payload selects the @-header.
func Encode(text string, payload []byte) ([]byte, error) {
	t := len(text)
	p := len(payload)
	if t == 0 {
		return nil, apperr.New(apperr.MalformedMessage, "text part must not be empty")
	}

	var buf bytes.Buffer
	if p == 0 {
		if int64(t) >= maxTextNoPayload {
			return nil, apperr.Newf(apperr.MalformedMessage, "text length %d out of range (0, %d)", t, maxTextNoPayload)
		}
		buf.Grow(HeaderSize + 1 + t + len(Terminator))
		fmt.Fprintf(&buf, "%c%09x%c", sigNoPayload, t, sigText)
		buf.WriteString(text)
		buf.WriteString(Terminator)
		return buf.Bytes(), nil
	}

	if int64(t) >= maxTextPayload {
		return nil, apperr.Newf(apperr.MalformedMessage, "text length %d out of range (0, %d) when a payload is present", t, maxTextPayload)
	}
	if int64(p) >= maxPayload {
		return nil, apperr.Newf(apperr.MalformedMessage, "payload length %d out of range (0, %d)", p, int64(maxPayload))
	}
	buf.Grow(HeaderSize + 1 + t + 1 + p + len(Terminator))
	fmt.Fprintf(&buf, "%c%01x%08x%c", sigPayload, t, p, sigText)
	buf.WriteString(text)
	buf.WriteByte(sigPayloadPt)
	buf.Write(payload)
	buf.WriteString(Terminator)
	return buf.Bytes(), nil
}

// WriteMessage encodes and writes one message in a single Write call.
func WriteMessage(w io.Writer, text string, payload []byte) error {
	raw, err := Encode(text, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Reader decodes messages from a stream.
type Reader struct {
	r io.Reader
	// MaxBody caps the number of bytes read after the header. Zero means DefaultMaxBody.
	MaxBody int64
}

// NewReader wraps r with the default body limit.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, MaxBody: DefaultMaxBody}
}

// ReadMessage reads exactly one message from r using the default body limit.
func ReadMessage(r io.Reader) (string, []byte, error) {
	return NewReader(r).Read()
}

// Read reads exactly one message. A nil payload means the message carried none.
func (d *Reader) Read() (string, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(d.r, header); err != nil {
		return "", nil, apperr.Wrap(apperr.MalformedMessage, err, "read header")
	}
	t, p, err := parseHeader(header)
	if err != nil {
		return "", nil, err
	}

	length := bodyLength(header[0], t, p)
	limit := d.MaxBody
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	if length > limit {
		return "", nil, apperr.Newf(apperr.MalformedMessage, "message body of %d bytes exceeds limit %d", length, limit)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return "", nil, apperr.Wrap(apperr.MalformedMessage, err, "read body")
	}
	return splitBody(header, body, t, p)
}

// Decode parses a complete message held in memory. Trailing bytes are rejected.
func Decode(raw []byte) (string, []byte, error) {
	if len(raw) < HeaderSize {
		return "", nil, apperr.Newf(apperr.MalformedMessage, "message of %d bytes is shorter than the header", len(raw))
	}
	header := raw[:HeaderSize]
	t, p, err := parseHeader(header)
	if err != nil {
		return "", nil, err
	}
	length := bodyLength(header[0], t, p)
	if int64(len(raw)-HeaderSize) != length {
		return "", nil, apperr.Newf(apperr.MalformedMessage, "declared body length %d, have %d bytes", length, len(raw)-HeaderSize)
	}
	return splitBody(header, raw[HeaderSize:], t, p)
}

func parseHeader(header []byte) (int64, int64, error) {
	switch header[0] {
	case sigNoPayload:
		t, err := parseHex(header[1:])
		if err != nil {
			return 0, 0, err
		}
		if t == 0 {
			return 0, 0, apperr.New(apperr.MalformedMessage, "header declares an empty text part")
		}
		return t, 0, nil
	case sigPayload:
		t, err := parseHex(header[1:2])
		if err != nil {
			return 0, 0, err
		}
		if t == 0 {
			return 0, 0, apperr.New(apperr.MalformedMessage, "header declares an empty text part")
		}
		p, err := parseHex(header[2:])
		if err != nil {
			return 0, 0, err
		}
		return t, p, nil
	default:
		return 0, 0, apperr.Newf(apperr.MalformedMessage, "wrong formatted header %q", header)
	}
}

func parseHex(digits []byte) (int64, error) {
	for _, c := range digits {
		if !isHexDigit(c) {
			return 0, apperr.Newf(apperr.MalformedMessage, "bad length digits %q", digits)
		}
	}
	v, err := strconv.ParseInt(string(digits), 16, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.MalformedMessage, err, "parse length digits")
	}
	return v, nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func bodyLength(sig byte, t, p int64) int64 {
	if sig == sigNoPayload {
		return 1 + t + int64(len(Terminator))
	}
	return 1 + t + 1 + p + int64(len(Terminator))
}

func splitBody(header, body []byte, t, p int64) (string, []byte, error) {
	endText := 1 + t
	if body[0] != sigText {
		return "", nil, apperr.Newf(apperr.MalformedMessage, "text not found in %q", truncate(header, body))
	}
	text := string(body[1:endText])

	var payload []byte
	if p != 0 {
		endPayload := endText + 1 + p
		if body[endText] != sigPayloadPt {
			return "", nil, apperr.Newf(apperr.MalformedMessage, "payload not found in %q", truncate(header, body))
		}
		payload = make([]byte, p)
		copy(payload, body[endText+1:endPayload])
	}

	if !bytes.HasSuffix(body, []byte(Terminator)) {
		return "", nil, apperr.Newf(apperr.MalformedMessage, "terminator not found in %q", truncate(header, body))
	}
	return text, payload, nil
}

// truncate keeps fault messages readable when a peer sends a large body.
func truncate(header, body []byte) string {
	const keep = 64
	out := string(header) + string(body)
	if len(out) > keep {
		return out[:keep] + "..."
	}
	return out
}
