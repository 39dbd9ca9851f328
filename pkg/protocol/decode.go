package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/obsidianstack/lumberjack/pkg/types"
)

// Frame is one decoded frame. Which fields are set depends on Type:
// Count for windows, Sequence and Event for data frames, Sequence for acks.
type Frame struct {
	Version  byte
	Type     byte
	Count    uint32
	Sequence uint32
	Event    types.Event
}

// Decoder reads frames from a stream. Compressed frames are expanded
// transparently: Next returns the frames they contain, never the C frame.
type Decoder struct {
	r       *bufio.Reader
	queued  []Frame
	inflate bool
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), inflate: true}
}

// Next returns the next frame. io.EOF is returned only at a frame boundary.
func (d *Decoder) Next() (Frame, error) {
	if len(d.queued) > 0 {
		f := d.queued[0]
		d.queued = d.queued[1:]
		return f, nil
	}

	var hdr [2]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, truncated("read header", err)
	}
	version, typ := hdr[0], hdr[1]
	if !ValidVersion(version) {
		return Frame{}, protoErr("read header", "unknown version %q", version)
	}

	switch typ {
	case TypeWindow:
		n, err := d.uint32("read window")
		if err != nil {
			return Frame{}, err
		}
		return Frame{Version: version, Type: typ, Count: n}, nil

	case TypeAck:
		seq, err := d.uint32("read ack")
		if err != nil {
			return Frame{}, err
		}
		return Frame{Version: version, Type: typ, Sequence: seq}, nil

	case TypeData:
		return d.readData(version)

	case TypeJSON:
		return d.readJSON(version)

	case TypeCompressed:
		if !d.inflate {
			return Frame{}, protoErr("read compressed", "nested compressed frame")
		}
		if err := d.readCompressed(); err != nil {
			return Frame{}, err
		}
		return d.Next()
	}
	return Frame{}, protoErr("read header", "unknown frame type %q", typ)
}

func (d *Decoder) readData(version byte) (Frame, error) {
	const op = "read data"
	seq, err := d.uint32(op)
	if err != nil {
		return Frame{}, err
	}
	count, err := d.uint32(op)
	if err != nil {
		return Frame{}, err
	}
	if count > MaxPayload/8 {
		return Frame{}, protoErr(op, "pair count %d too large", count)
	}
	pairs := make([]types.Pair, 0, count)
	for i := uint32(0); i < count; i++ {
		k, err := d.bytes(op)
		if err != nil {
			return Frame{}, err
		}
		v, err := d.bytes(op)
		if err != nil {
			return Frame{}, err
		}
		pairs = append(pairs, types.Pair{Key: string(k), Value: string(v)})
	}
	return Frame{Version: version, Type: TypeData, Sequence: seq, Event: types.FromPairs(pairs)}, nil
}

func (d *Decoder) readJSON(version byte) (Frame, error) {
	const op = "read json"
	seq, err := d.uint32(op)
	if err != nil {
		return Frame{}, err
	}
	payload, err := d.bytes(op)
	if err != nil {
		return Frame{}, err
	}
	var ev types.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Frame{}, &Error{Op: op, Msg: fmt.Sprintf("seq %d: invalid json", seq), Err: err}
	}
	return Frame{Version: version, Type: TypeJSON, Sequence: seq, Event: ev}, nil
}

func (d *Decoder) readCompressed() error {
	const op = "read compressed"
	payload, err := d.bytes(op)
	if err != nil {
		return err
	}
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return &Error{Op: op, Msg: "invalid zlib header", Err: err}
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, MaxPayload+1))
	if err != nil {
		return &Error{Op: op, Msg: "inflate", Err: err}
	}
	if len(raw) > MaxPayload {
		return protoErr(op, "inflated payload exceeds %d bytes", MaxPayload)
	}

	inner := &Decoder{r: bufio.NewReader(bytes.NewReader(raw))}
	for {
		f, err := inner.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		d.queued = append(d.queued, f)
	}
}

func (d *Decoder) uint32(op string) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, truncated(op, err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (d *Decoder) bytes(op string) ([]byte, error) {
	n, err := d.uint32(op)
	if err != nil {
		return nil, err
	}
	if n > MaxPayload {
		return nil, protoErr(op, "length %d exceeds %d", n, MaxPayload)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, truncated(op, err)
	}
	return b, nil
}

// truncated maps a short read inside a frame to a protocol error and leaves
// transport errors untouched.
func truncated(op string, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &Error{Op: op, Msg: "truncated frame", Err: io.ErrUnexpectedEOF}
	}
	return err
}
