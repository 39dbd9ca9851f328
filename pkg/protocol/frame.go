package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Protocol versions.
const (
	V1 byte = '1'
	V2 byte = '2'
)

// Frame types.
const (
	TypeWindow     byte = 'W'
	TypeData       byte = 'D'
	TypeJSON       byte = 'J'
	TypeCompressed byte = 'C'
	TypeAck        byte = 'A'
)

// AckSize is the encoded length of an ack frame.
const AckSize = 6

// MaxPayload bounds every length prefix the decoder will honour.
const MaxPayload = 64 << 20

// ErrTooLarge is wrapped when an event does not fit in a data frame.
var ErrTooLarge = errors.New("exceeds the 64 MiB frame payload limit")

// Error reports truncated or malformed frames.
type Error struct {
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	s := "protocol: " + e.Op + ": " + e.Msg
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func protoErr(op, format string, args ...any) *Error {
	return &Error{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is, or wraps, a protocol *Error.
func IsProtocolError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// ValidVersion reports whether v is a version this package speaks.
func ValidVersion(v byte) bool {
	return v == V1 || v == V2
}

// Ack is a decoded acknowledgment frame.
type Ack struct {
	Version  byte
	Sequence uint32
}

// EncodeAck returns the ack frame for seq.
func EncodeAck(version byte, seq uint32) []byte {
	b := make([]byte, AckSize)
	b[0] = version
	b[1] = TypeAck
	binary.BigEndian.PutUint32(b[2:], seq)
	return b
}

// DecodeAck parses a single ack frame. b must hold exactly AckSize bytes.
func DecodeAck(b []byte) (Ack, error) {
	if len(b) < AckSize {
		return Ack{}, protoErr("decode ack", "truncated frame: %d of %d bytes", len(b), AckSize)
	}
	if len(b) > AckSize {
		return Ack{}, protoErr("decode ack", "trailing bytes: got %d, want %d", len(b), AckSize)
	}
	if !ValidVersion(b[0]) {
		return Ack{}, protoErr("decode ack", "unknown version %q", b[0])
	}
	if b[1] != TypeAck {
		return Ack{}, protoErr("decode ack", "unexpected frame type %q", b[1])
	}
	return Ack{Version: b[0], Sequence: binary.BigEndian.Uint32(b[2:])}, nil
}

// ReadAck reads one ack frame from r. A clean EOF before the first byte is
// returned as io.EOF; a frame cut short is a protocol *Error.
func ReadAck(r io.Reader) (Ack, error) {
	var b [AckSize]byte
	n, err := io.ReadFull(r, b[:])
	if err != nil {
		if err == io.EOF {
			return Ack{}, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return Ack{}, &Error{Op: "read ack", Msg: fmt.Sprintf("truncated frame: %d of %d bytes", n, AckSize), Err: err}
		}
		return Ack{}, err
	}
	return DecodeAck(b[:])
}
