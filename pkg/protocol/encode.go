package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/klauspost/compress/zlib"

	"github.com/obsidianstack/lumberjack/pkg/types"
)

// Encoder turns a batch of events into wire frames.
// An Encoder is not safe for concurrent use.
type Encoder struct {
	version byte
	level   int
	body    bytes.Buffer
	zbuf    bytes.Buffer
}

// NewEncoder returns an Encoder for version (V1 or V2). level 0 disables
// compression; 1-9 wrap the data frames in a zlib-compressed frame.
func NewEncoder(version byte, level int) (*Encoder, error) {
	if !ValidVersion(version) {
		return nil, fmt.Errorf("protocol: unknown version %q", version)
	}
	if level < 0 || level > zlib.BestCompression {
		return nil, fmt.Errorf("protocol: compression level %d out of range [0, %d]", level, zlib.BestCompression)
	}
	return &Encoder{version: version, level: level}, nil
}

// Version returns the protocol version the encoder writes.
func (e *Encoder) Version() byte { return e.version }

// Encode returns the window frame and the data frames for events, numbered
// firstSeq, firstSeq+1, ... The returned slice is owned by the caller.
func (e *Encoder) Encode(firstSeq uint32, events []types.Event) ([]byte, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("protocol: encode: empty batch")
	}
	if uint64(firstSeq)+uint64(len(events))-1 > math.MaxUint32 {
		return nil, fmt.Errorf("protocol: encode: sequence range overflows uint32")
	}

	e.body.Reset()
	for i, ev := range events {
		seq := firstSeq + uint32(i)
		var err error
		if e.version == V1 {
			err = e.writeData(&e.body, seq, ev)
		} else {
			err = e.writeJSON(&e.body, seq, ev)
		}
		if err != nil {
			return nil, fmt.Errorf("protocol: encode seq %d: %w", seq, err)
		}
	}

	out := bytes.NewBuffer(make([]byte, 0, 6+e.body.Len()+6))
	out.WriteByte(e.version)
	out.WriteByte(TypeWindow)
	writeUint32(out, uint32(len(events)))

	if e.level == 0 {
		out.Write(e.body.Bytes())
		return out.Bytes(), nil
	}

	e.zbuf.Reset()
	zw, err := zlib.NewWriterLevel(&e.zbuf, e.level)
	if err != nil {
		return nil, fmt.Errorf("protocol: zlib writer: %w", err)
	}
	if _, err := zw.Write(e.body.Bytes()); err != nil {
		return nil, fmt.Errorf("protocol: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("protocol: compress: %w", err)
	}
	out.WriteByte(e.version)
	out.WriteByte(TypeCompressed)
	writeUint32(out, uint32(e.zbuf.Len()))
	out.Write(e.zbuf.Bytes())
	return out.Bytes(), nil
}

// Check reports whether ev fits in a data frame of the encoder's version.
// It reads no encoder state and is safe to call from any goroutine.
func (e *Encoder) Check(ev types.Event) error {
	if e.version == V1 {
		for _, p := range ev.Flatten() {
			if len(p.Key) > MaxPayload || len(p.Value) > MaxPayload {
				return fmt.Errorf("field %q: %w", p.Key, ErrTooLarge)
			}
		}
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("json payload: %w", ErrTooLarge)
	}
	return nil
}

func (e *Encoder) writeData(buf *bytes.Buffer, seq uint32, ev types.Event) error {
	pairs := ev.Flatten()
	buf.WriteByte(V1)
	buf.WriteByte(TypeData)
	writeUint32(buf, seq)
	writeUint32(buf, uint32(len(pairs)))
	for _, p := range pairs {
		if len(p.Key) > MaxPayload || len(p.Value) > MaxPayload {
			return fmt.Errorf("field %q: %w", p.Key, ErrTooLarge)
		}
		writeUint32(buf, uint32(len(p.Key)))
		buf.WriteString(p.Key)
		writeUint32(buf, uint32(len(p.Value)))
		buf.WriteString(p.Value)
	}
	return nil
}

func (e *Encoder) writeJSON(buf *bytes.Buffer, seq uint32, ev types.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("json payload: %w", ErrTooLarge)
	}
	buf.WriteByte(V2)
	buf.WriteByte(TypeJSON)
	writeUint32(buf, seq)
	writeUint32(buf, uint32(len(payload)))
	buf.Write(payload)
	return nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
