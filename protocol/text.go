package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/tidwall/gjson"
)

// Delimiter terminates every text frame on the TCP port.
const Delimiter = "\n###END###\n"

// DefaultMaxFrameSize bounds the scanner buffer when the caller passes 0.
const DefaultMaxFrameSize = 1 << 20

var delimiter = []byte(Delimiter)

// NewScanner returns a scanner yielding one frame payload (delimiter stripped) per Scan.
// The buffer grows as needed up to max bytes; a longer frame fails with bufio.ErrTooLong.
// A partial frame left at EOF is discarded.
func NewScanner(r io.Reader, max int) *bufio.Scanner {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	sc := bufio.NewScanner(r)
	initial := 4096
	if initial > max {
		initial = max
	}
	sc.Buffer(make([]byte, 0, initial), max)
	sc.Split(splitFrames)
	return sc
}

func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, delimiter); i >= 0 {
		return i + len(delimiter), data[:i], nil
	}
	// Need more data; at EOF the trailing partial frame is dropped.
	return 0, nil, nil
}

// Marshal encodes v as a frame payload without the delimiter.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Encode encodes v as a complete delimited frame.
func Encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(payload, delimiter...), nil
}

// WriteFrame writes payload followed by the delimiter in a single Write.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+len(delimiter))
	buf = append(buf, payload...)
	buf = append(buf, delimiter...)
	_, err := w.Write(buf)
	return err
}

// PeekType returns the "type" field of a payload without a full decode.
// ok is false when the payload is not valid JSON or carries no type.
func PeekType(payload []byte) (typ string, ok bool) {
	if !gjson.ValidBytes(payload) {
		return "", false
	}
	res := gjson.GetBytes(payload, "type")
	if res.Type != gjson.String || res.Str == "" {
		return "", false
	}
	return res.Str, true
}

// IsAuthType reports whether frames of this type carry a password.
func IsAuthType(typ string) bool {
	return typ == TypeLogin || typ == TypeRegister
}
