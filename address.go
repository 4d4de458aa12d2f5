// Package lrtp implements the Lightweight Reliable Transport Protocol, a
// TCP-like byte-stream transport layered over an unreliable half-duplex
// packet radio. Subpackages hold the frame codec ([lrtp/frame]), the
// per-connection engine ([lrtp/conn]), the radio-arbitration state machine
// ([lrtp/arbiter]), the connection multiplexer ([lrtp/host]) and the radio
// driver contract ([lrtp/radio]).
package lrtp

import "fmt"

// Address is a 16-bit node identifier on the radio network.
type Address uint16

// Broadcast is the reserved address delivered best-effort to every
// listening node without connection state or acknowledgment.
const Broadcast Address = 0xFFFF

// IsBroadcast reports whether a is the reserved broadcast address.
func (a Address) IsBroadcast() bool { return a == Broadcast }

func (a Address) String() string {
	if a.IsBroadcast() {
		return "broadcast"
	}
	return fmt.Sprintf("0x%04x", uint16(a))
}
