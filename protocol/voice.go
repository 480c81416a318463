package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

// Audio format carried on the voice port.
const (
	SampleRate = 16000
	Channels   = 1
	BlockSize  = 512

	VoiceHeaderSize = 4

	DefaultMaxVoiceFrameSize = 256 << 10
)

var (
	ErrVoiceFrameTooLarge = errors.New("voice frame too large")
	ErrInvalidVoiceJoin   = errors.New("invalid voice join")
	ErrInvalidPCM         = errors.New("pcm payload is not a whole number of float32 samples")
)

type VoiceJoin struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// ReadVoiceJoin decodes the single JSON join object that opens a voice connection.
// The returned reader must be used for all further reads: it yields any bytes the
// decoder buffered past the object before continuing with r.
func ReadVoiceJoin(r io.Reader) (VoiceJoin, io.Reader, error) {
	dec := json.NewDecoder(r)
	var join VoiceJoin
	if err := dec.Decode(&join); err != nil {
		return VoiceJoin{}, nil, fmt.Errorf("%w: %v", ErrInvalidVoiceJoin, err)
	}
	if join.Type != TypeVoiceJoin || join.Username == "" {
		return VoiceJoin{}, nil, ErrInvalidVoiceJoin
	}
	return join, io.MultiReader(dec.Buffered(), r), nil
}

func WriteVoiceJoin(w io.Writer, username string) error {
	b, err := json.Marshal(VoiceJoin{Type: TypeVoiceJoin, Username: username})
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadVoiceFrame reads one length-prefixed frame and returns it exactly as
// received, header included. A short read yields io.ErrUnexpectedEOF.
func ReadVoiceFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [VoiceHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if max <= 0 {
		max = DefaultMaxVoiceFrameSize
	}
	if uint64(n) > uint64(max) {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrVoiceFrameTooLarge, n, max)
	}

	frame := make([]byte, VoiceHeaderSize+int(n))
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[VoiceHeaderSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// EncodeVoiceFrame prefixes payload with its big-endian length.
func EncodeVoiceFrame(payload []byte) []byte {
	frame := make([]byte, VoiceHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[VoiceHeaderSize:], payload)
	return frame
}

func WriteVoiceFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(EncodeVoiceFrame(payload))
	return err
}

// VoicePayload strips the length prefix from a frame returned by ReadVoiceFrame.
func VoicePayload(frame []byte) []byte {
	if len(frame) < VoiceHeaderSize {
		return nil
	}
	return frame[VoiceHeaderSize:]
}

// EncodePCM packs samples as little-endian float32.
func EncodePCM(samples []float32) []byte {
	b := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(s))
	}
	return b
}

func DecodePCM(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, ErrInvalidPCM
	}
	samples := make([]float32, len(b)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return samples, nil
}
