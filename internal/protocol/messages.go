package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrMalformedPacket   = errors.New("malformed packet")
	ErrTruncatedStream   = errors.New("truncated stream")
	ErrProtocolViolation = errors.New("protocol violation")
)

// --- Event types ---

// Event is a control event packet. The variants are Mouse, Key and Ping.
type Event interface {
	Type() EventType
	slots() [4]int32
}

type Mouse struct {
	X      int32
	Y      int32
	Button int32
	Action int32
}

type Key struct {
	Keycode int32
	Action  int32
}

// Ping carries the sender's clock in milliseconds, truncated to 32 bits.
type Ping struct {
	TimestampMs int32
}

func (Mouse) Type() EventType { return EventMouse }
func (Key) Type() EventType   { return EventKey }
func (Ping) Type() EventType  { return EventPing }

func (m Mouse) slots() [4]int32 { return [4]int32{m.X, m.Y, m.Button, m.Action} }
func (k Key) slots() [4]int32   { return [4]int32{0, 0, k.Keycode, k.Action} }
func (p Ping) slots() [4]int32  { return [4]int32{p.TimestampMs, 0, 0, 0} }

// PingAt returns a Ping stamped with unixMs wrapped into the int32 slot.
func PingAt(unixMs int64) Ping {
	return Ping{TimestampMs: int32(uint32(unixMs))}
}

// --- Encoding ---

// EncodeEvent encodes ev into its fixed 17-byte wire form.
func EncodeEvent(ev Event) [EventSize]byte {
	var buf [EventSize]byte
	buf[0] = byte(ev.Type())
	s := ev.slots()
	for i, v := range s {
		binary.LittleEndian.PutUint32(buf[1+4*i:5+4*i], uint32(v))
	}
	return buf
}

// AppendEvent appends the wire form of ev to dst.
func AppendEvent(dst []byte, ev Event) []byte {
	buf := EncodeEvent(ev)
	return append(dst, buf[:]...)
}

// WriteEvent writes one encoded event to w.
func WriteEvent(w io.Writer, ev Event) error {
	buf := EncodeEvent(ev)
	_, err := w.Write(buf[:])
	return err
}

// --- Decoding ---

// DecodeEvent decodes a 17-byte event packet. Unused slots of Key and
// Ping are ignored.
func DecodeEvent(b []byte) (Event, error) {
	if len(b) != EventSize {
		return nil, fmt.Errorf("%w: event length %d, want %d", ErrMalformedPacket, len(b), EventSize)
	}
	var s [4]int32
	for i := range s {
		s[i] = int32(binary.LittleEndian.Uint32(b[1+4*i : 5+4*i]))
	}

	switch EventType(b[0]) {
	case EventMouse:
		return Mouse{X: s[0], Y: s[1], Button: s[2], Action: s[3]}, nil
	case EventKey:
		return Key{Keycode: s[2], Action: s[3]}, nil
	case EventPing:
		return Ping{TimestampMs: s[0]}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event type 0x%02x", ErrMalformedPacket, b[0])
	}
}

// ReadEvent reads and decodes one event packet from r.
func ReadEvent(r io.Reader) (Event, error) {
	var buf [EventSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	return DecodeEvent(buf[:])
}

// --- Video units ---

// ReadVideoUnit reads one length-prefixed video unit from r.
// A stream that ends before the header or payload is complete yields an
// error wrapping ErrTruncatedStream. A zero-length unit returns an empty,
// non-nil slice.
func ReadVideoUnit(r io.Reader) ([]byte, error) {
	var header [VideoHeaderSize]byte
	if n, err := io.ReadFull(r, header[:]); err != nil {
		return nil, truncated(err, "header", n, VideoHeaderSize)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxUnitSize {
		return nil, fmt.Errorf("%w: unit length %d exceeds %d", ErrMalformedPacket, size, MaxUnitSize)
	}

	unit := make([]byte, size)
	if size > 0 {
		if n, err := io.ReadFull(r, unit); err != nil {
			return nil, truncated(err, "payload", n, int(size))
		}
	}
	return unit, nil
}

// WriteVideoUnit writes unit with its 4-byte big-endian length prefix.
func WriteVideoUnit(w io.Writer, unit []byte) error {
	if len(unit) > MaxUnitSize {
		return fmt.Errorf("%w: unit length %d exceeds %d", ErrMalformedPacket, len(unit), MaxUnitSize)
	}
	var header [VideoHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(unit)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(unit) > 0 {
		if _, err := w.Write(unit); err != nil {
			return err
		}
	}
	return nil
}

// truncated maps EOF conditions from io.ReadFull to ErrTruncatedStream.
func truncated(err error, part string, got, want int) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s ended after %d of %d bytes", ErrTruncatedStream, part, got, want)
	}
	return fmt.Errorf("read %s: %w", part, err)
}
