package lrtp

import "time"

// Default protocol timing parameters (§6 wire-format defaults).
const (
	DefaultWindow        = 4
	DefaultCADRounds     = 3
	DefaultPacketTimeout = 7500 * time.Millisecond
	DefaultPiggyback     = DefaultPacketTimeout / 6
	DefaultSignalTimeout = 250 * time.Millisecond
	DefaultSignalRounds  = 3
	// DefaultMaxRetries resolves the open retry-cap question in §9: the
	// source enforces none, this repo caps consecutive packet-timeout
	// expiries since the last admissible ACK (one inside the send window,
	// whether or not it advances the window).
	DefaultMaxRetries = 10
)

// Timer is a cancellable deadline sampled against a monotonic clock each
// tick, per the design note in §9: "Represent as {deadline, active} pairs
// sampled from a monotonic clock each tick; no timer-wheel is needed at this
// scale." Every caller passes its own notion of "now" so the engine never
// reads the wall clock directly, keeping it deterministic under test.
type Timer struct {
	deadline time.Time
	active   bool
}

// Arm schedules the timer to fire at now+d.
func (t *Timer) Arm(now time.Time, d time.Duration) {
	t.deadline = now.Add(d)
	t.active = true
}

// Stop cancels the timer. Expired returns false until Arm is called again.
func (t *Timer) Stop() {
	t.active = false
}

// Active reports whether the timer is currently armed.
func (t *Timer) Active() bool { return t.active }

// Deadline reports the time the timer is scheduled to fire. Only
// meaningful when Active reports true.
func (t *Timer) Deadline() time.Time { return t.deadline }

// Expired reports whether the timer is armed and now is at or past its
// deadline. It does not disarm the timer; callers that treat expiry as
// one-shot must call Stop or Arm again.
func (t *Timer) Expired(now time.Time) bool {
	return t.active && !now.Before(t.deadline)
}
