// Package host implements the multiplexer that owns a node's whole radio
// conversation: the address→connection map, the round-robin outbound
// scheduler that arbitrates the shared radio through [arbiter.Arbiter],
// and inbound frame dispatch (spec §4.4). Applications talk to a *Host and
// the *conn.Conn values it hands back; they never touch the radio or the
// arbiter directly.
package host

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"

	"github.com/hexradio/lrtp"
	"github.com/hexradio/lrtp/arbiter"
	"github.com/hexradio/lrtp/conn"
	"github.com/hexradio/lrtp/frame"
	"github.com/hexradio/lrtp/internal"
	"github.com/hexradio/lrtp/radio"
)

// Options configures a Host. Zero values fall back to the protocol's
// default timing parameters, applied uniformly to every connection the
// host creates.
type Options struct {
	Conn    conn.Options
	Arbiter arbiter.Options
	Log     *slog.Logger
}

// deadlineEntry is a btree.BTreeG item keyed by (deadline, addr): the
// index NextWake reads the earliest deadline from. NextWake refills it
// from every connection on each call, so every connection is still
// visited once per call.
type deadlineEntry struct {
	deadline time.Time
	addr     lrtp.Address
}

func lessDeadline(a, b deadlineEntry) bool {
	if a.deadline.Equal(b.deadline) {
		return a.addr < b.addr
	}
	return a.deadline.Before(b.deadline)
}

// Host is the connection multiplexer: it owns the radio (mediated by the
// arbiter), the address→connection map, and the round-robin outbound
// scheduler (spec §4.4).
type Host struct {
	local lrtp.Address
	opts  Options
	log   *slog.Logger

	driver radio.Driver
	arb    *arbiter.Arbiter

	conns map[lrtp.Address]*conn.Conn
	order []lrtp.Address
	cursor int

	pending *conn.Conn // connection currently granted the TX slot

	rxStaging [frame.MaxFrame]byte
	rxLen     int
	rxPending bool

	deadlines *btree.BTreeG[deadlineEntry]

	onConnect   func(*conn.Conn)
	onBroadcast func(src lrtp.Address, payload []byte)
}

// New constructs a Host bound to local, with radio driven through driver.
// Call Begin before the first Poll.
func New(local lrtp.Address, driver radio.Driver, opts Options) *Host {
	opts.Arbiter.Log = firstNonNil(opts.Arbiter.Log, opts.Log)
	opts.Conn.Log = firstNonNil(opts.Conn.Log, opts.Log)
	return &Host{
		local:     local,
		opts:      opts,
		log:       opts.Log,
		driver:    driver,
		arb:       arbiter.New(driver, opts.Arbiter),
		conns:     make(map[lrtp.Address]*conn.Conn),
		deadlines: btree.NewG(32, lessDeadline),
	}
}

func firstNonNil(a, b *slog.Logger) *slog.Logger {
	if a != nil {
		return a
	}
	return b
}

// OnConnect registers fn to be invoked whenever a new inbound connection is
// admitted (spec §4.4's "invoke on-connect").
func (h *Host) OnConnect(fn func(*conn.Conn)) { h.onConnect = fn }

// OnBroadcast registers fn to be invoked for every frame addressed to the
// broadcast address (spec §4.4 point 3 / §6).
func (h *Host) OnBroadcast(fn func(src lrtp.Address, payload []byte)) { h.onBroadcast = fn }

// Begin installs the host's combined driver callbacks and arms the radio
// to listen (spec §6's host.begin()). Must be called once before Poll.
func (h *Host) Begin(now time.Time) error {
	h.driver.SetCallbacks(h.notifyReceive, h.arb.NotifyTxDone, h.arb.NotifyCadDone)
	return h.arb.Begin(now)
}

// notifyReceive is the driver-context callback installed on top of the
// arbiter's own: it stages the received bytes for the next Poll to decode
// (spec §4.4 point 1), then chains into the arbiter's own bookkeeping.
// Like every radio callback, it must not block or allocate meaningfully.
func (h *Host) notifyReceive(n int) {
	if n > len(h.rxStaging) {
		n = len(h.rxStaging)
	}
	nr, _ := h.driver.Read(h.rxStaging[:n])
	h.rxLen = nr
	h.rxPending = true
	h.arb.NotifyReceive(n)
}

// Connect creates and returns a new outbound connection to remote, issuing
// its SYN. Returns ErrAlreadyConnected if a connection to remote already
// exists.
func (h *Host) Connect(now time.Time, remote lrtp.Address) (*conn.Conn, error) {
	if remote.IsBroadcast() {
		return nil, lrtp.ErrInvalidAddress
	}
	if _, ok := h.conns[remote]; ok {
		return nil, lrtp.ErrAlreadyConnected
	}
	c := conn.New(h.local, h.opts.Conn)
	if err := c.Connect(now, remote); err != nil {
		return nil, err
	}
	h.admit(remote, c)
	return c, nil
}

// Broadcast sends payload to the reserved broadcast address. Broadcast
// frames carry no sequence state and are never acknowledged (spec §6).
// The frame is sent only when the arbiter already reports the channel
// clear; otherwise Broadcast returns nil and the frame is dropped, not
// queued or retried.
func (h *Host) Broadcast(now time.Time, payload []byte) error {
	if len(payload) > frame.MaxPayload {
		return lrtp.ErrFrameTooLarge
	}
	hdr := frame.Header{Version: frame.Version1, Src: h.local, Dest: lrtp.Broadcast}
	var buf [frame.MaxFrame]byte
	encoded, err := frame.Encode(buf[:], hdr, payload)
	if err != nil {
		return err
	}
	if !h.arb.RequestTransmit(now) {
		return nil // channel busy; broadcast is fire-and-forget, dropped rather than retried
	}
	if !h.arb.TransmitReady() {
		return nil // CAD still sampling; broadcast is fire-and-forget, dropped rather than queued
	}
	return h.arb.Send(encoded)
}

func (h *Host) admit(addr lrtp.Address, c *conn.Conn) {
	h.conns[addr] = c
	h.order = append(h.order, addr)
	h.debug("host: connection admitted", internal.SlogAddr("remote", addr), slog.String("id", c.ID().String()))
}

func (h *Host) remove(addr lrtp.Address) {
	delete(h.conns, addr)
	for i, a := range h.order {
		if a == addr {
			h.order = append(h.order[:i], h.order[i+1:]...)
			if h.cursor > i {
				h.cursor--
			}
			break
		}
	}
}

// Poll drives one tick of every owned connection and the arbiter: it
// drains staged inbound bytes, dispatches decoded frames, advances the
// round-robin outbound scheduler, and reaps connections that finished
// closing. Call frequently (spec §6's host.poll()); errors from individual
// connections are aggregated rather than aborting the tick.
func (h *Host) Poll(now time.Time) error {
	var errs *multierror.Error

	if h.rxPending {
		h.rxPending = false
		if err := h.dispatchInbound(now); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("host: inbound: %w", err))
		}
	}

	h.arb.Tick(now)

	for _, addr := range h.order {
		c := h.conns[addr]
		c.Tick(now)
	}

	if err := h.scheduleOutbound(now); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("host: outbound: %w", err))
	}

	h.reapClosed()

	return errs.ErrorOrNil()
}

// dispatchInbound decodes the staged frame and routes it per spec §4.4
// points 2-4: malformed frames are dropped and logged, broadcast frames
// bypass connection state entirely, known sources go to their connection,
// and a bare SYN from an unknown source admits a new inbound connection.
func (h *Host) dispatchInbound(now time.Time) error {
	hdr, payload, err := frame.Decode(h.rxStaging[:h.rxLen])
	if err != nil {
		h.debug("host: dropping undecodable frame", slog.String("err", err.Error()))
		return nil
	}
	if hdr.Version != frame.Version1 {
		h.debug("host: dropping version-mismatched frame", slog.Int("version", int(hdr.Version)))
		return nil
	}
	if hdr.Dest == lrtp.Broadcast {
		if h.onBroadcast != nil {
			h.onBroadcast(hdr.Src, payload)
		}
		return nil
	}
	if hdr.Dest != h.local {
		return nil // not addressed to us; drop silently
	}
	c, ok := h.conns[hdr.Src]
	if !ok {
		if !hdr.Flags.HasAny(frame.FlagSYN) || hdr.Flags.HasAny(frame.FlagACK) || len(payload) != 0 {
			return nil // not a bare-SYN connection attempt; drop
		}
		c = conn.New(h.local, h.opts.Conn)
		if err := c.AcceptSyn(now, hdr.Src, hdr.Seq); err != nil {
			return err
		}
		h.admit(hdr.Src, c)
		if h.onConnect != nil {
			h.onConnect(c)
		}
		return nil
	}
	return c.Recv(now, hdr, payload)
}

// scheduleOutbound runs one round-robin step of the outbound scheduler
// (spec §4.4): advance the cursor, let the arbiter start CAD for whichever
// connection is next ready, and hand the encoded frame to the radio once
// CAD clears.
func (h *Host) scheduleOutbound(now time.Time) error {
	if h.pending != nil {
		if !h.arb.TransmitReady() {
			switch h.arb.State() {
			case arbiter.StateIdleReceive, arbiter.StateReceive:
				// CAD collided (spec §8 scenario 5) or the receive-timeout
				// safety net fired: the arbiter fell back out of CAD before
				// granting the slot. Release it so the round-robin below
				// re-issues RequestTransmit instead of wedging forever.
				h.pending = nil
			default:
				return nil // CAD still sampling (or TX in flight); wait for a later tick
			}
		} else {
			var buf [frame.MaxFrame]byte
			encoded, err := h.pending.NextTxFrame(now, buf[:])
			h.pending = nil
			if err != nil {
				return err
			}
			if encoded == nil {
				return nil // connection no longer has anything to send; slot wasted, next tick retries
			}
			return h.arb.Send(encoded)
		}
	}

	n := len(h.order)
	for i := 0; i < n; i++ {
		addr := h.order[h.cursor]
		h.cursor = (h.cursor + 1) % n
		c := h.conns[addr]
		if !c.ReadyToTransmit() {
			continue
		}
		if !h.arb.RequestTransmit(now) {
			return nil // radio busy (receiving); retry next tick
		}
		h.pending = c
		return nil
	}
	return nil
}

// reapClosed drops connections that have finished a graceful or forced
// close, per spec §4.4's admission/lifecycle note. A connection is removed
// in the same Poll that finds it CLOSED; after that, a bare SYN from the
// same peer admits a new connection and any other frame from it is dropped.
func (h *Host) reapClosed() {
	for _, addr := range append([]lrtp.Address(nil), h.order...) {
		c := h.conns[addr]
		if c.State() == conn.StateClosed {
			h.remove(addr)
		}
	}
}

// NextWake reports how long the caller may safely wait before calling
// Poll again without missing a connection's timer deadline. Each call
// walks every owned connection, rebuilds the btree-backed deadline index
// from their NextDeadline values, and reads the earliest entry.
func (h *Host) NextWake(now time.Time) time.Duration {
	h.deadlines.Clear(false)
	for addr, c := range h.conns {
		d, ok := c.NextDeadline()
		if ok {
			h.deadlines.ReplaceOrInsert(deadlineEntry{deadline: d, addr: addr})
		}
	}
	min, ok := h.deadlines.Min()
	if !ok {
		return lrtp.DefaultPacketTimeout
	}
	if min.deadline.Before(now) {
		return 0
	}
	return min.deadline.Sub(now)
}

// Conn looks up the connection to remote, if any.
func (h *Host) Conn(remote lrtp.Address) (*conn.Conn, bool) {
	c, ok := h.conns[remote]
	return c, ok
}

// LocalAddr reports the host's own address.
func (h *Host) LocalAddr() lrtp.Address { return h.local }
