// Package arbiter implements the single process-wide radio-arbitration
// state machine (spec §4.3): it sequences the shared half-duplex radio
// between listening, receiving, listen-before-talk (CAD), and
// transmitting, so that no connection ever touches the radio directly.
//
// Driver completion callbacks only set pending-event flags, mirroring the
// teacher's ISR-context discipline; all actual state transitions happen
// inside Tick, called once per host poll.
package arbiter

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hexradio/lrtp"
	"github.com/hexradio/lrtp/radio"
)

// State is the arbiter's process-wide radio-arbitration state.
type State uint8

const (
	StateIdleReceive State = iota // radio listening, nothing in flight
	StateReceive                  // a reception is in progress
	StateCadStarted               // listen-before-talk sampling underway
	StateCadFinished              // channel confirmed clear, ready to send
	StateTransmit                 // a frame is being sent
)

func (s State) String() string {
	switch s {
	case StateIdleReceive:
		return "IDLE_RECEIVE"
	case StateReceive:
		return "RECEIVE"
	case StateCadStarted:
		return "CAD_STARTED"
	case StateCadFinished:
		return "CAD_FINISHED"
	case StateTransmit:
		return "TRANSMIT"
	default:
		return "STATE_INVALID"
	}
}

// Options configures an Arbiter. Zero values fall back to the protocol's
// default timing parameters.
type Options struct {
	// CADRounds is the number of consecutive clear CAD cycles required
	// before a transmit is permitted.
	CADRounds int
	// SignalTimeout bounds how long RECEIVE waits for a completion before
	// the safety-net re-sampling described in spec §4.3 kicks in.
	SignalTimeout time.Duration
	// SignalRounds is how many re-samples the safety net attempts before
	// falling back to IDLE_RECEIVE.
	SignalRounds int
	// CADLimiter paces how often a fresh listen-before-talk attempt may
	// start after the channel was last found busy, so a node sitting
	// behind a busy peer doesn't re-sample CAD on every single poll tick
	// while it waits its turn. Defaults to one fresh attempt per
	// SignalTimeout with a small burst.
	CADLimiter *rate.Limiter
	Log        *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.CADRounds == 0 {
		o.CADRounds = lrtp.DefaultCADRounds
	}
	if o.SignalTimeout == 0 {
		o.SignalTimeout = lrtp.DefaultSignalTimeout
	}
	if o.SignalRounds == 0 {
		o.SignalRounds = lrtp.DefaultSignalRounds
	}
	if o.CADLimiter == nil {
		o.CADLimiter = rate.NewLimiter(rate.Every(o.SignalTimeout), 2)
	}
	return o
}

// Arbiter is the single process-wide radio-arbitration state machine.
type Arbiter struct {
	driver radio.Driver
	opts   Options
	log    *slog.Logger
	state  State

	cadClear      int
	signalTimer   lrtp.Timer
	signalSamples int
	contested     bool // last trip into RECEIVE was a collision, not an inbound frame

	pendingReceive    bool
	pendingReceiveLen int
	pendingTxDone     bool
	pendingCadDone    bool
	pendingCadBusy    bool
}

// New constructs an Arbiter over driver, initially IDLE_RECEIVE.
func New(driver radio.Driver, opts Options) *Arbiter {
	opts = opts.withDefaults()
	return &Arbiter{driver: driver, opts: opts, log: opts.Log}
}

// Begin arms the radio to listen. The owner of the driver (a standalone
// caller, or Host when the arbiter is wired into one) is responsible for
// calling driver.SetCallbacks with functions that end up invoking
// NotifyReceive/NotifyTxDone/NotifyCadDone below — Host chains its own
// inbound-staging logic alongside them, so the arbiter does not assume
// exclusive ownership of the driver's callback slots.
func (a *Arbiter) Begin(now time.Time) error {
	a.state = StateIdleReceive
	return a.driver.Receive()
}

// State reports the arbiter's current radio-arbitration state.
func (a *Arbiter) State() State { return a.state }

// NotifyReceive, NotifyTxDone and NotifyCadDone are the driver-context
// event notifications (spec §4.3: "transitions are driven by three radio
// callbacks"). They must do nothing but record the event; all reaction
// happens in Tick, matching spec §5's ISR-context discipline.

func (a *Arbiter) NotifyReceive(n int) {
	a.pendingReceive = true
	a.pendingReceiveLen = n
}

func (a *Arbiter) NotifyTxDone() { a.pendingTxDone = true }

func (a *Arbiter) NotifyCadDone(busy bool) {
	a.pendingCadDone = true
	a.pendingCadBusy = busy
}

// RequestTransmit asks the arbiter to begin listen-before-talk ahead of an
// outbound frame (spec §4.3 start-TX rule: only from IDLE_RECEIVE; defers
// to RECEIVE rather than pre-empting an in-progress reception). Returns
// true if CAD is now underway or already complete; the caller should poll
// TransmitReady before calling Send.
func (a *Arbiter) RequestTransmit(now time.Time) bool {
	switch a.state {
	case StateIdleReceive:
		if a.driver.RxSignalDetected() {
			a.state = StateReceive
			a.signalTimer.Arm(now, a.opts.SignalTimeout)
			a.signalSamples = 0
			a.contested = true
			return false
		}
		if a.contested {
			if !a.opts.CADLimiter.AllowN(now, 1) {
				return false // paced: give a recently busy channel time to settle
			}
			a.contested = false
		}
		a.cadClear = 0
		a.state = StateCadStarted
		a.driver.ChannelActivityDetection()
		return true
	case StateCadStarted, StateCadFinished:
		return true
	default: // StateReceive, StateTransmit
		return false
	}
}

// TransmitReady reports whether CAD confirmed the channel clear and a
// frame may now be handed to Send.
func (a *Arbiter) TransmitReady() bool { return a.state == StateCadFinished }

// Send hands b to the radio driver and transitions to TRANSMIT. Must only
// be called when TransmitReady reports true.
func (a *Arbiter) Send(b []byte) error {
	if a.state != StateCadFinished {
		return lrtp.ErrInvalidState
	}
	a.state = StateTransmit
	return a.driver.Send(b)
}

// Tick drains any pending driver-callback event and advances the
// receive-timeout safety net. Call once per host poll.
func (a *Arbiter) Tick(now time.Time) {
	if a.pendingReceive {
		a.pendingReceive = false
		a.handleReceive(now)
	}
	if a.pendingTxDone {
		a.pendingTxDone = false
		a.handleTxDone(now)
	}
	if a.pendingCadDone {
		a.pendingCadDone = false
		a.handleCadDone(now, a.pendingCadBusy)
	}
	if a.state == StateReceive && a.signalTimer.Expired(now) {
		a.signalSamples++
		if a.signalSamples >= a.opts.SignalRounds || !a.driver.RxSignalDetected() {
			a.state = StateIdleReceive
			a.driver.Receive()
		} else {
			a.signalTimer.Arm(now, a.opts.SignalTimeout)
		}
	}
}

// handleReceive reacts to a completed reception, regardless of which
// state it arrived in (IDLE_RECEIVE's normal path, or RECEIVE following a
// CAD-collision abort per spec §4.3 scenario 5): the radio always returns
// to listening afterward.
func (a *Arbiter) handleReceive(now time.Time) {
	a.signalTimer.Stop()
	a.state = StateIdleReceive
	a.driver.Receive()
}

func (a *Arbiter) handleTxDone(now time.Time) {
	a.state = StateIdleReceive
	a.driver.Receive()
}

func (a *Arbiter) handleCadDone(now time.Time, busy bool) {
	if a.state != StateCadStarted {
		return
	}
	if busy {
		a.state = StateReceive
		a.signalTimer.Arm(now, a.opts.SignalTimeout)
		a.signalSamples = 0
		a.contested = true
		a.driver.Receive()
		return
	}
	a.cadClear++
	if a.cadClear >= a.opts.CADRounds {
		a.state = StateCadFinished
		return
	}
	a.driver.ChannelActivityDetection()
}
