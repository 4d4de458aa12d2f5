// Package radio defines the hardware boundary LRTP's core consumes (spec
// §6's "radio-driver contract") and a deterministic in-memory
// implementation for tests. The driver's completion callbacks run in
// whatever context the underlying hardware driver uses (an interrupt
// handler for real hardware); per spec §5 they must do no more than copy
// bytes and set flags — all protocol logic lives in the arbiter and host,
// driven from poll.
package radio

// Driver is the hardware boundary between the LRTP engine and a physical
// or simulated half-duplex radio. Implementations must never block inside
// a callback and must never call back into the engine synchronously from
// within Send/Receive/ChannelActivityDetection — callbacks fire from the
// driver's own context (an ISR on real hardware) and are drained by the
// arbiter's next poll.
type Driver interface {
	// Send starts transmitting b asynchronously. onTxDone, supplied via
	// SetCallbacks, fires on completion. b is not retained past the call.
	Send(b []byte) error
	// Receive arms continuous listen mode. Completed frames are reported
	// through onReceive(n); their bytes are retrieved with Read.
	Receive() error
	// ChannelActivityDetection performs one single-shot listen-before-talk
	// sample, reporting the result through onCadDone(busy).
	ChannelActivityDetection() error
	// RxSignalDetected is an instantaneous, non-blocking query: is a
	// reception currently in progress on the channel.
	RxSignalDetected() bool
	// Available reports how many received bytes are waiting to be Read,
	// valid once onReceive has fired.
	Available() int
	// Read drains up to len(b) received bytes into b.
	Read(b []byte) (int, error)
	// SetCallbacks installs the driver's completion callbacks. Called
	// once during Host.begin(). Any of the three may be invoked from a
	// driver-owned context and must not block.
	SetCallbacks(onReceive func(n int), onTxDone func(), onCadDone func(busy bool))
}
