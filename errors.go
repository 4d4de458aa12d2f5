package lrtp

import "errors"

// Sentinel errors shared across lrtp subpackages, following the teacher's
// convention of a flat block of package-level errors returned directly or
// wrapped with fmt.Errorf("...: %w", err) at call boundaries.
var (
	// ErrTooShort is returned by frame.Decode when given fewer than the
	// 8 fixed header bytes.
	ErrTooShort = errors.New("lrtp: frame shorter than header")
	// ErrFrameTooLarge is returned when an encoded frame would exceed the
	// 255-byte radio frame budget.
	ErrFrameTooLarge = errors.New("lrtp: frame exceeds 255-byte budget")
	// ErrInvalidAddress is returned when an operation is attempted against
	// the reserved broadcast address where a connection endpoint is required.
	ErrInvalidAddress = errors.New("lrtp: broadcast is not a valid connection endpoint")
	// ErrWindowFull is returned when the send window already holds W
	// unacknowledged packets.
	ErrWindowFull = errors.New("lrtp: send window full")
	// ErrBufferFull names a send byte queue with no room for any more
	// bytes. Conn.Write does not return it: a full queue makes Write
	// accept fewer bytes than given (possibly 0) with a nil error.
	ErrBufferFull = errors.New("lrtp: send buffer full")
	// ErrClosed is returned by stream operations on a connection that has
	// reached CLOSED.
	ErrClosed = errors.New("lrtp: connection closed")
	// ErrNotConnected is returned by write when the connection is not in a
	// state that accepts application data.
	ErrNotConnected = errors.New("lrtp: connection not open for writing")
	// ErrVersionMismatch names a frame that advertises an unsupported
	// protocol version. The host logs and drops such frames; Poll does
	// not return this error for them.
	ErrVersionMismatch = errors.New("lrtp: unsupported frame version")
	// ErrRetryExhausted marks a connection forced closed after exceeding
	// its configured retry cap.
	ErrRetryExhausted = errors.New("lrtp: retry cap exceeded")
	// ErrUnknownConnection names a peer with no established or pending
	// connection. No host method returns it: Host.Conn reports a missing
	// peer through its boolean result.
	ErrUnknownConnection = errors.New("lrtp: no connection for address")
	// ErrAlreadyConnected is returned by Host.Connect when a connection to
	// the requested peer already exists.
	ErrAlreadyConnected = errors.New("lrtp: connection already exists")
	// ErrInvalidState is returned when an operation is attempted against a
	// connection or the radio arbiter while it is not in a state that
	// permits it (e.g. Arbiter.Send before CAD has cleared the channel).
	ErrInvalidState = errors.New("lrtp: invalid state for operation")
)
