// Package frame implements the LRTP wire format (spec §3, §4.1): the fixed
// 8-byte header plus 0..247 payload bytes exchanged over the radio. The
// codec is pure and stateless, mirroring the teacher's tcp.Frame: accessor
// methods read and write directly into a caller-supplied buffer, and Decode
// never copies the payload out of the input slice.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/hexradio/lrtp"
)

// Flags occupies the upper nibble of header byte 1, high bit first:
// SYN, FIN, ACK, reserved.
type Flags uint8

const (
	flagReserved Flags = 1 << iota
	FlagACK
	FlagFIN
	FlagSYN

	flagsMask = FlagSYN | FlagFIN | FlagACK | flagReserved
)

// HasAny reports whether any bit in mask is set in f.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var b [4]byte
	n := 0
	if f.HasAny(FlagSYN) {
		b[n] = 'S'
		n++
	}
	if f.HasAny(FlagFIN) {
		b[n] = 'F'
		n++
	}
	if f.HasAny(FlagACK) {
		b[n] = 'A'
		n++
	}
	if f.HasAny(flagReserved) {
		b[n] = 'R'
		n++
	}
	return string(b[:n])
}

const (
	// HeaderLen is the fixed wire header size in bytes (spec §3 table).
	HeaderLen = 8
	// MaxPayload is the largest payload a single frame may carry, leaving
	// room for HeaderLen within the radio's 255-byte frame budget.
	MaxPayload = 255 - HeaderLen
	// MaxFrame is the largest total encoded frame size the radio accepts.
	MaxFrame = 255
	// Version1 is the only protocol version this implementation speaks.
	Version1 byte = 1
)

// Header is a value-type, comparable representation of the fixed LRTP
// header, independent of any backing buffer. Used for the round-trip
// property tests and wherever a header needs to be held past the lifetime
// of the buffer it was decoded from.
type Header struct {
	Version     byte
	PayloadType byte
	Flags       Flags
	AckWindow   uint8
	Src         lrtp.Address
	Dest        lrtp.Address
	Seq         uint8
	Ack         uint8
}

// IsControl reports whether the header describes a piggyback/control frame:
// no payload octets, flags only (spec §3).
func (h Header) IsControl(payloadLen int) bool { return payloadLen == 0 }

func (h Header) String() string {
	return fmt.Sprintf("%s src=%s dst=%s seq=%d ack=%d wnd=%d",
		h.Flags, h.Src, h.Dest, h.Seq, h.Ack, h.AckWindow)
}

// Frame is a zero-copy view over an encoded wire buffer. Accessor methods
// read and write fields directly into the backing slice, matching the
// teacher's tcp.Frame so callers can mutate in place (e.g. rewriting ACK
// piggyback fields) without re-encoding.
type Frame struct {
	buf []byte
}

// NewFrame wraps buf as a Frame view. buf must be at least HeaderLen bytes;
// ErrTooShort is returned otherwise.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < HeaderLen {
		return Frame{}, lrtp.ErrTooShort
	}
	return Frame{buf: buf}, nil
}

// RawData returns the underlying buffer the Frame was created from.
func (fr Frame) RawData() []byte { return fr.buf }

func (fr Frame) Version() byte     { return fr.buf[0] >> 4 }
func (fr Frame) PayloadType() byte { return fr.buf[0] & 0x0F }

func (fr Frame) SetVersionAndType(version, payloadType byte) {
	fr.buf[0] = version<<4 | payloadType&0x0F
}

func (fr Frame) Flags() Flags       { return Flags(fr.buf[1]>>4) & flagsMask }
func (fr Frame) AckWindow() uint8   { return fr.buf[1] & 0x0F }

func (fr Frame) SetFlagsAndAckWindow(flags Flags, ackWindow uint8) {
	fr.buf[1] = byte(flags&flagsMask)<<4 | ackWindow&0x0F
}

func (fr Frame) Src() lrtp.Address {
	return lrtp.Address(binary.BigEndian.Uint16(fr.buf[2:4]))
}
func (fr Frame) SetSrc(a lrtp.Address) {
	binary.BigEndian.PutUint16(fr.buf[2:4], uint16(a))
}

func (fr Frame) Dest() lrtp.Address {
	return lrtp.Address(binary.BigEndian.Uint16(fr.buf[4:6]))
}
func (fr Frame) SetDest(a lrtp.Address) {
	binary.BigEndian.PutUint16(fr.buf[4:6], uint16(a))
}

func (fr Frame) Seq() uint8    { return fr.buf[6] }
func (fr Frame) SetSeq(v uint8) { fr.buf[6] = v }

func (fr Frame) Ack() uint8    { return fr.buf[7] }
func (fr Frame) SetAck(v uint8) { fr.buf[7] = v }

// Payload returns the payload section of the frame: everything past the
// fixed header. There is no on-wire length field; the boundary comes from
// len(RawData()), which the radio's frame delimiting provides.
func (fr Frame) Payload() []byte { return fr.buf[HeaderLen:] }

// Header copies out the current field values as a comparable Header value.
func (fr Frame) Header() Header {
	return Header{
		Version:     fr.Version(),
		PayloadType: fr.PayloadType(),
		Flags:       fr.Flags(),
		AckWindow:   fr.AckWindow(),
		Src:         fr.Src(),
		Dest:        fr.Dest(),
		Seq:         fr.Seq(),
		Ack:         fr.Ack(),
	}
}

// SetHeader writes every header field from h into the frame.
func (fr Frame) SetHeader(h Header) {
	fr.SetVersionAndType(h.Version, h.PayloadType)
	fr.SetFlagsAndAckWindow(h.Flags, h.AckWindow)
	fr.SetSrc(h.Src)
	fr.SetDest(h.Dest)
	fr.SetSeq(h.Seq)
	fr.SetAck(h.Ack)
}

// Encode serializes h and payload into buf, returning the used portion of
// buf (length HeaderLen+len(payload)). buf must have enough capacity; no
// allocation beyond writing into the caller-supplied buffer occurs.
func Encode(buf []byte, h Header, payload []byte) ([]byte, error) {
	total := HeaderLen + len(payload)
	if total > MaxFrame {
		return nil, lrtp.ErrFrameTooLarge
	}
	if len(buf) < total {
		return nil, fmt.Errorf("frame: buffer too small: have %d need %d", len(buf), total)
	}
	fr, err := NewFrame(buf[:total])
	if err != nil {
		return nil, err
	}
	fr.SetHeader(h)
	copy(fr.buf[HeaderLen:], payload)
	return fr.buf, nil
}

// Decode parses b, the full bytes of one received radio frame, returning
// the header and a payload slice that aliases b (no copy). ErrTooShort is
// returned if b is shorter than HeaderLen.
func Decode(b []byte) (Header, []byte, error) {
	fr, err := NewFrame(b)
	if err != nil {
		return Header{}, nil, err
	}
	return fr.Header(), fr.Payload(), nil
}
