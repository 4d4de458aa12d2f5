package conn

//go:generate stringer -type=State,Error -linecomment -output stringers.go .

// State is the per-connection state as per spec §4.2.
type State uint8

const (
	StateClosed        State = iota // CLOSED
	StateConnectSyn                  // CONNECT_SYN
	StateConnectSynAck               // CONNECT_SYN_ACK
	StateConnected                   // CONNECTED
	StateCloseFin                    // CLOSE_FIN
	StateCloseFinAck                 // CLOSE_FIN_ACK
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnectSyn:
		return "CONNECT_SYN"
	case StateConnectSynAck:
		return "CONNECT_SYN_ACK"
	case StateConnected:
		return "CONNECTED"
	case StateCloseFin:
		return "CLOSE_FIN"
	case StateCloseFinAck:
		return "CLOSE_FIN_ACK"
	default:
		return "STATE_INVALID"
	}
}

// IsClosed reports whether the connection holds no live protocol state.
func (s State) IsClosed() bool { return s == StateClosed }

// CanWrite reports whether application data may be queued for send in s
// (spec §4.2: write enqueues iff state ∈ {CONNECTED, CONNECT_SYN_ACK}).
func (s State) CanWrite() bool { return s == StateConnected || s == StateConnectSynAck }

// Error is the per-connection last-error taxonomy of spec §7.
type Error uint8

const (
	ErrNone             Error = iota // none
	ErrInvalidSyn                    // InvalidSyn
	ErrInvalidSynAckSyn              // InvalidSynAckSyn
	ErrInvalidSynAck                 // InvalidSynAck
	ErrCloseFinAck                   // CloseFinAck
	ErrInvalidState                  // InvalidState
	ErrRetryExhausted                // RetryExhausted
)

func (e Error) String() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrInvalidSyn:
		return "InvalidSyn"
	case ErrInvalidSynAckSyn:
		return "InvalidSynAckSyn"
	case ErrInvalidSynAck:
		return "InvalidSynAck"
	case ErrCloseFinAck:
		return "CloseFinAck"
	case ErrInvalidState:
		return "InvalidState"
	case ErrRetryExhausted:
		return "RetryExhausted"
	default:
		return "ERROR_INVALID"
	}
}
