// Package conn implements a single LRTP connection's state machine: the
// SYN/SYN-ACK/ACK handshake, the Go-Back-N send window with piggybacked
// acknowledgments, and the CLOSE_FIN/CLOSE_FIN_ACK teardown (spec §4.2).
//
// A Conn never blocks and never reads the wall clock on its own: every
// entry point that needs to reason about time takes a now time.Time
// supplied by the caller (normally the host's poll loop), so the whole
// state machine can be driven deterministically in tests.
package conn

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hexradio/lrtp"
	"github.com/hexradio/lrtp/frame"
	"github.com/hexradio/lrtp/internal"
)

// Options configures a Conn. Zero values are replaced by the package's
// protocol defaults (see lrtp.Default*).
type Options struct {
	// Window is W, the number of frames that may be outstanding
	// unacknowledged at once.
	Window uint8
	// PacketTimeout is how long an unacknowledged frame waits before its
	// window is rewound for retransmission.
	PacketTimeout time.Duration
	// Piggyback is how long a received-but-unacknowledged in-order frame
	// waits for outbound data to ride on before a lone ACK is sent.
	Piggyback time.Duration
	// MaxRetries is the packet-timeout retry cap before the connection is
	// forced CLOSED with ErrRetryExhausted.
	MaxRetries int
	// ISSFunc picks an initial send sequence number. Defaults to a
	// process-local xorshift generator; tests supply a deterministic one.
	ISSFunc func() uint8
	// RetryLimiter paces consecutive packet-timeout retries: each retry
	// must draw a token before the window is allowed to rewind again,
	// so a link with many connections timing out together backs off
	// instead of all retransmitting in lockstep on every PacketTimeout
	// tick. Defaults to a limiter permitting one retry per PacketTimeout
	// with a small burst, i.e. no extra pacing beyond the timer itself.
	RetryLimiter *rate.Limiter
	// Log receives trace/debug/warn records for this connection's
	// lifecycle. Nil disables logging.
	Log *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Window == 0 {
		o.Window = lrtp.DefaultWindow
	}
	if o.PacketTimeout == 0 {
		o.PacketTimeout = lrtp.DefaultPacketTimeout
	}
	if o.Piggyback == 0 {
		o.Piggyback = lrtp.DefaultPiggyback
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = lrtp.DefaultMaxRetries
	}
	if o.ISSFunc == nil {
		o.ISSFunc = defaultISSFunc()
	}
	if o.RetryLimiter == nil {
		o.RetryLimiter = rate.NewLimiter(rate.Every(o.PacketTimeout), 2)
	}
	return o
}

var issSeed uint32 = 0x9e3779b9

// defaultISSFunc returns a closure producing successive pseudo-random
// sequence numbers, seeded from a process-wide counter so concurrently
// constructed connections don't pick the same initial sequence number.
func defaultISSFunc() func() uint8 {
	seed := uint16(atomic.AddUint32(&issSeed, 0x2545f491))
	return func() uint8 {
		seed = internal.Prand16(seed)
		return uint8(seed)
	}
}

// Conn is one LRTP connection's protocol state. It is not safe for
// concurrent use: the host serializes all access from within its single
// poll loop (spec §9: "single-threaded cooperative scheduling").
type Conn struct {
	opts  Options
	id    uuid.UUID
	log   *slog.Logger
	local lrtp.Address

	remote  lrtp.Address
	state   State
	lastErr Error

	ownISS        uint8
	currentSeqNum uint8
	seqBase       uint8
	nextAckNum    uint8

	window  *sendWindow
	sendBuf internal.Ring
	recvBuf internal.Ring

	packetTimer    lrtp.Timer
	piggybackTimer lrtp.Timer
	lingerTimer    lrtp.Timer

	mustSendControl bool
	retries         int
	closeFired      bool

	onDataReceived func([]byte)
	onClose        func()
}

// New constructs a Conn bound to local, initially CLOSED.
func New(local lrtp.Address, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		opts:  opts,
		id:    uuid.New(),
		log:   opts.Log,
		local: local,
	}
	c.window = newSendWindow(int(opts.Window))
	bufSize := int(opts.Window) * frame.MaxPayload
	c.sendBuf = internal.Ring{Buf: make([]byte, bufSize)}
	c.recvBuf = internal.Ring{Buf: make([]byte, bufSize)}
	return c
}

// Reset recycles c for reuse by a different remote peer, releasing all
// buffered and in-flight data (spec §9's per-connection arena is reused
// across connection lifetimes, not reallocated).
func (c *Conn) Reset(local lrtp.Address) {
	c.local = local
	c.remote = 0
	c.state = StateClosed
	c.lastErr = ErrNone
	c.ownISS, c.currentSeqNum, c.seqBase, c.nextAckNum = 0, 0, 0, 0
	c.mustSendControl = false
	c.retries = 0
	c.closeFired = false
	c.packetTimer = lrtp.Timer{}
	c.piggybackTimer = lrtp.Timer{}
	c.lingerTimer = lrtp.Timer{}
	c.sendBuf.Reset()
	c.recvBuf.Reset()
	c.window.Reset()
	c.onDataReceived = nil
	c.onClose = nil
}

// ID is a per-connection correlation identifier, attached to every log
// record the host emits about this connection.
func (c *Conn) ID() uuid.UUID { return c.id }

// State reports the connection's current protocol state.
func (c *Conn) State() State { return c.state }

// LastError reports the most recent protocol-level anomaly observed,
// per spec §7's error taxonomy. It is sticky until the next anomaly.
func (c *Conn) LastError() Error { return c.lastErr }

// LocalAddr and RemoteAddr report the connection's endpoint addresses.
func (c *Conn) LocalAddr() lrtp.Address  { return c.local }
func (c *Conn) RemoteAddr() lrtp.Address { return c.remote }

// NextDeadline reports the earliest of this connection's active timers,
// for a host that wants to know how long it may safely wait before the
// next tick matters for this connection.
func (c *Conn) NextDeadline() (time.Time, bool) {
	var best time.Time
	found := false
	for _, t := range [...]lrtp.Timer{c.packetTimer, c.piggybackTimer, c.lingerTimer} {
		if !t.Active() {
			continue
		}
		d := t.Deadline()
		if !found || d.Before(best) {
			best, found = d, true
		}
	}
	return best, found
}

// OnDataReceived registers a callback invoked with each in-order payload
// as it is accepted, in addition to it being queued for Read.
func (c *Conn) OnDataReceived(fn func([]byte)) { c.onDataReceived = fn }

// OnClose registers a callback invoked exactly once when the connection
// reaches CLOSED, whether by graceful teardown or retry exhaustion.
func (c *Conn) OnClose(fn func()) { c.onClose = fn }

func (c *Conn) fireClose() {
	if c.closeFired {
		return
	}
	c.closeFired = true
	c.traceState("close")
	if c.onClose != nil {
		c.onClose()
	}
}

// Connect begins an active open to remote: CLOSED → CONNECT_SYN.
func (c *Conn) Connect(now time.Time, remote lrtp.Address) error {
	if c.state != StateClosed {
		return lrtp.ErrAlreadyConnected
	}
	if remote.IsBroadcast() {
		return lrtp.ErrInvalidAddress
	}
	iss := c.opts.ISSFunc()
	c.remote = remote
	c.ownISS = iss
	c.currentSeqNum = iss
	c.seqBase = iss
	c.nextAckNum = 0
	c.state = StateConnectSyn
	c.mustSendControl = true
	c.retries = 0
	c.packetTimer.Arm(now, c.opts.PacketTimeout)
	c.traceState("connect")
	return nil
}

// AcceptSyn begins a passive open in response to an unsolicited SYN from
// remote carrying remoteSeq: CLOSED → CONNECT_SYN_ACK. Called by the host
// when admitting a brand-new connection.
func (c *Conn) AcceptSyn(now time.Time, remote lrtp.Address, remoteSeq uint8) error {
	if c.state != StateClosed {
		return lrtp.ErrAlreadyConnected
	}
	iss := c.opts.ISSFunc()
	c.remote = remote
	c.ownISS = iss
	c.currentSeqNum = iss
	c.seqBase = iss
	c.nextAckNum = remoteSeq + 1
	c.state = StateConnectSynAck
	c.mustSendControl = true
	c.retries = 0
	c.packetTimer.Arm(now, c.opts.PacketTimeout)
	c.traceState("accept-syn")
	return nil
}

// Close begins an active close. From CONNECTED it moves to CLOSE_FIN and
// the FIN is attached once any already-queued data has drained (spec
// §4.2). From the handshake states it aborts immediately: no data has
// been exchanged, so there is nothing to drain gracefully.
func (c *Conn) Close(now time.Time) error {
	switch c.state {
	case StateClosed:
		return lrtp.ErrClosed
	case StateConnectSyn, StateConnectSynAck:
		c.state = StateClosed
		c.fireClose()
		return nil
	case StateConnected:
		c.state = StateCloseFin
		c.mustSendControl = true
		c.traceState("close-begin")
		return nil
	default: // StateCloseFin, StateCloseFinAck: already closing.
		return nil
	}
}

// Write enqueues up to len(b) bytes for transmission, returning the
// number actually accepted. Per spec §8, writing while the connection is
// not in {CONNECTED, CONNECT_SYN_ACK} accepts nothing.
func (c *Conn) Write(b []byte) (int, error) {
	if !c.state.CanWrite() {
		return 0, lrtp.ErrNotConnected
	}
	if len(b) == 0 {
		return 0, nil
	}
	free := c.sendBuf.Free()
	if free == 0 {
		return 0, nil
	}
	if len(b) > free {
		b = b[:free]
	}
	return c.sendBuf.Write(b)
}

// AvailableForWrite reports how many bytes Write would currently accept,
// or -1 if the connection cannot accept writes at all.
func (c *Conn) AvailableForWrite() int {
	if !c.state.CanWrite() {
		return -1
	}
	return c.sendBuf.Free()
}

// Read drains delivered, in-order payload bytes into b.
func (c *Conn) Read(b []byte) (int, error) {
	if c.recvBuf.Buffered() == 0 {
		if c.state.IsClosed() {
			return 0, lrtp.ErrClosed
		}
		return 0, nil
	}
	return c.recvBuf.Read(b)
}

// Peek copies delivered bytes into b without consuming them.
func (c *Conn) Peek(b []byte) (int, error) { return c.recvBuf.ReadPeek(b) }

// Available reports how many delivered bytes are waiting to be Read.
func (c *Conn) Available() int { return c.recvBuf.Buffered() }

// Flush is a no-op: the engine is poll-driven and has no separate
// client-side buffer to force out ahead of the next transmit opportunity.
func (c *Conn) Flush() error { return nil }

// Tick advances timers against now: the packet-timeout retransmission
// timer, the piggyback-ACK timer, and (in CLOSE_FIN_ACK) the teardown
// linger timer.
func (c *Conn) Tick(now time.Time) {
	if c.state == StateClosed {
		return
	}
	if c.piggybackTimer.Expired(now) {
		c.piggybackTimer.Stop()
		c.mustSendControl = true
	}
	if c.packetTimer.Expired(now) {
		c.onPacketTimeout(now)
	}
	if c.state == StateCloseFinAck && c.lingerTimer.Expired(now) {
		c.lingerTimer.Stop()
		c.state = StateClosed
		c.fireClose()
	}
}

func (c *Conn) onPacketTimeout(now time.Time) {
	if delay := c.retryDelay(now); delay > 0 {
		// Out of retry budget for now: hold the rewind and try again
		// once the limiter has a token, rather than retransmitting in
		// lockstep with every other timed-out connection on the link.
		c.packetTimer.Arm(now, delay)
		return
	}
	switch c.state {
	case StateConnectSyn, StateConnectSynAck:
		c.mustSendControl = true
		c.packetTimer.Arm(now, c.opts.PacketTimeout)
	case StateConnected, StateCloseFin, StateCloseFinAck:
		c.currentSeqNum = c.seqBase // rewind: retransmit the whole outstanding window.
		// Stop rather than rearm: NextTxFrame rearms once data is actually
		// back on the wire. Leaving this timer armed-and-expired would
		// re-enter onPacketTimeout (and bump retries) on every poll until
		// CAD lets the retransmit out.
		c.packetTimer.Stop()
	default:
		return
	}
	c.retries++
	c.warn("packet-timeout", slog.String("id", c.id.String()), slog.Int("retries", c.retries))
	if c.retries > c.opts.MaxRetries {
		c.lastErr = ErrRetryExhausted
		c.state = StateClosed
		c.window.Reset()
		c.fireClose()
	}
}

// retryDelay draws one token from the retry limiter, returning how much
// longer the caller must wait if none was available. A zero result means
// the retry may proceed immediately.
func (c *Conn) retryDelay(now time.Time) time.Duration {
	res := c.opts.RetryLimiter.ReserveN(now, 1)
	if !res.OK() {
		return c.opts.PacketTimeout
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return 0
	}
	return delay
}

func (c *Conn) schedulePiggyback(now time.Time) {
	if !c.piggybackTimer.Active() {
		c.piggybackTimer.Arm(now, c.opts.Piggyback)
	}
}

// positionInWindow is currentSeqNum-seqBase: the count of window entries
// already (re)transmitted since the last window rewind or ack.
func (c *Conn) positionInWindow() int {
	return int(uint8(c.currentSeqNum - c.seqBase))
}

func (c *Conn) dataPhaseActive() bool {
	return c.state == StateConnected || c.state == StateCloseFin
}

// closeDrained reports whether every byte queued before an active close
// has been framed into the window, the gate for attaching FIN (spec
// §4.2: "If the connection is in CLOSE_FIN and all queued data has been
// framed, the FIN flag is attached to the next control frame").
func (c *Conn) closeDrained() bool {
	return c.positionInWindow() >= c.window.Count() && c.sendBuf.Buffered() == 0
}

func (c *Conn) outgoingFlags() frame.Flags {
	switch c.state {
	case StateConnectSyn:
		return frame.FlagSYN
	case StateConnectSynAck:
		return frame.FlagSYN | frame.FlagACK
	case StateCloseFin:
		if c.closeDrained() {
			return frame.FlagFIN | frame.FlagACK
		}
		return frame.FlagACK
	case StateCloseFinAck:
		return frame.FlagFIN | frame.FlagACK
	default: // StateConnected
		return frame.FlagACK
	}
}

// ReadyToTransmit implements spec §4.2's transmit-readiness predicate:
// a control/piggyback frame is owed, or (in the data phase) there is
// either fresh data to frame or an already-framed entry awaiting
// (re)transmission.
func (c *Conn) ReadyToTransmit() bool {
	if c.mustSendControl {
		return true
	}
	if !c.dataPhaseActive() {
		return false
	}
	pos := c.positionInWindow()
	if c.sendBuf.Buffered() > 0 && pos < int(c.opts.Window) {
		return true
	}
	return pos < c.window.Count()
}

// NextTxFrame assembles the next frame this connection owes the radio, if
// any, encoding it into buf and returning the used slice. A nil slice with
// a nil error means nothing is ready to send.
//
// Preference order (spec §4.2): (a) an already-framed window entry
// awaiting (re)transmission, (b) fresh application data framed into a new
// window entry, (c) a dedicated control/piggyback frame.
func (c *Conn) NextTxFrame(now time.Time, buf []byte) ([]byte, error) {
	if !c.ReadyToTransmit() {
		return nil, nil
	}
	dataPhase := c.dataPhaseActive()
	pos := c.positionInWindow()

	var payload []byte
	switch {
	case dataPhase && pos < c.window.Count():
		e, _ := c.window.At(pos)
		payload = e.payload
	case dataPhase && c.sendBuf.Buffered() > 0 && pos < int(c.opts.Window):
		n := c.sendBuf.Buffered()
		if n > frame.MaxPayload {
			n = frame.MaxPayload
		}
		slotIdx, dst, ok := c.window.Reserve()
		if !ok {
			return nil, lrtp.ErrWindowFull
		}
		nRead, err := c.sendBuf.Read(dst[:n])
		if err != nil {
			return nil, err
		}
		e := c.window.Commit(slotIdx, c.currentSeqNum, nRead)
		payload = e.payload
	default:
		// Control/piggyback frame: no payload.
	}

	h := frame.Header{
		Version:   frame.Version1,
		Flags:     c.outgoingFlags(),
		AckWindow: c.opts.Window,
		Src:       c.local,
		Dest:      c.remote,
		Seq:       c.currentSeqNum,
		Ack:       c.nextAckNum,
	}
	encoded, err := frame.Encode(buf, h, payload)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		c.currentSeqNum++
		c.packetTimer.Arm(now, c.opts.PacketTimeout)
	}
	c.mustSendControl = false
	c.trace("tx", slog.String("id", c.id.String()), slog.String("hdr", h.String()))
	return encoded, nil
}

// Recv processes one inbound frame already verified by the host to be
// addressed to this connection (destination match and protocol version
// already checked).
func (c *Conn) Recv(now time.Time, h frame.Header, payload []byte) error {
	c.trace("rx", slog.String("id", c.id.String()), slog.String("hdr", h.String()))
	switch c.state {
	case StateClosed:
		return c.recvClosed(now, h, payload)
	case StateConnectSyn:
		return c.recvConnectSyn(now, h, payload)
	case StateConnectSynAck:
		return c.recvConnectSynAck(now, h, payload)
	case StateConnected:
		return c.recvConnected(now, h, payload)
	case StateCloseFin:
		return c.recvCloseFin(now, h, payload)
	case StateCloseFinAck:
		return c.recvCloseFinAck(now, h, payload)
	default:
		return lrtp.ErrInvalidState
	}
}

func (c *Conn) recvClosed(now time.Time, h frame.Header, payload []byte) error {
	if h.Flags == frame.FlagSYN && len(payload) == 0 {
		return c.AcceptSyn(now, h.Src, h.Seq)
	}
	c.lastErr = ErrInvalidSyn
	return nil
}

func (c *Conn) recvConnectSyn(now time.Time, h frame.Header, payload []byte) error {
	valid := h.Flags == (frame.FlagSYN|frame.FlagACK) && len(payload) == 0 && h.Ack == c.ownISS+1
	if !valid {
		c.lastErr = ErrInvalidSynAckSyn
		c.mustSendControl = true
		c.packetTimer.Arm(now, c.opts.PacketTimeout)
		return nil
	}
	c.nextAckNum = h.Seq + 1
	c.seqBase = c.ownISS + 1
	c.currentSeqNum = c.ownISS + 1
	c.state = StateConnected
	c.mustSendControl = true
	c.packetTimer.Stop()
	c.piggybackTimer.Arm(now, c.opts.Piggyback)
	c.retries = 0
	c.traceState("handshake-complete")
	return nil
}

func (c *Conn) recvConnectSynAck(now time.Time, h frame.Header, payload []byte) error {
	valid := h.Flags == frame.FlagACK && len(payload) == 0 && h.Seq == c.nextAckNum && h.Ack == c.ownISS+1
	if !valid {
		c.lastErr = ErrInvalidSynAck
		c.mustSendControl = true
		c.packetTimer.Arm(now, c.opts.PacketTimeout)
		return nil
	}
	c.seqBase = c.ownISS + 1
	c.currentSeqNum = c.ownISS + 1
	c.state = StateConnected
	c.packetTimer.Stop()
	c.piggybackTimer.Arm(now, c.opts.Piggyback)
	c.retries = 0
	c.traceState("handshake-complete")
	return nil
}

func (c *Conn) recvConnected(now time.Time, h frame.Header, payload []byte) error {
	if h.Flags.HasAny(frame.FlagSYN) {
		// A duplicate/strayed SYN from an already-connected peer: ignored
		// rather than tearing anything down (spec §8 boundary behavior).
		c.lastErr = ErrInvalidState
		return nil
	}
	inOrder := h.Seq == c.nextAckNum
	switch {
	case inOrder && len(payload) > 0:
		if _, err := c.recvBuf.Write(payload); err != nil {
			c.warn("recv buffer full, dropping payload", slog.String("id", c.id.String()))
		} else if c.onDataReceived != nil {
			c.onDataReceived(payload)
		}
		c.nextAckNum++
		c.schedulePiggyback(now)
	case !inOrder:
		// Out-of-order: re-arm the piggyback ACK for the last in-order
		// seq without advancing it, which forces the peer's next
		// ACK-processing pass to see a gap and Go-Back-N resend (spec §9).
		c.schedulePiggyback(now)
	}
	if h.Flags.HasAny(frame.FlagACK) {
		c.processAck(now, h.Ack)
	}
	if h.Flags.HasAny(frame.FlagFIN) {
		c.state = StateCloseFin
		c.mustSendControl = true
		c.traceState("peer-fin")
	}
	return nil
}

// processAck implements spec §4.2's cumulative Go-Back-N ACK processing,
// including the 256-wrap adjustment of adjustAck.
func (c *Conn) processAck(now time.Time, ackNum uint8) {
	count := c.window.Count()
	base := int(c.seqBase)
	adjAck, end := adjustAck(ackNum, c.seqBase, uint8(count))
	if adjAck >= base && adjAck <= end {
		c.window.ReleaseThrough(adjAck - base)
		c.seqBase = uint8(adjAck)
		c.currentSeqNum = c.seqBase
		if adjAck < end {
			c.packetTimer.Arm(now, c.opts.PacketTimeout)
		} else {
			c.packetTimer.Stop()
		}
		c.retries = 0
	} else {
		// Ack outside the admissible range: rewind and resend the whole
		// outstanding window.
		c.currentSeqNum = c.seqBase
	}
}

func (c *Conn) recvCloseFin(now time.Time, h frame.Header, payload []byte) error {
	if h.Flags.HasAny(frame.FlagACK) {
		c.processAck(now, h.Ack)
	}
	if h.Flags.HasAny(frame.FlagFIN) {
		c.state = StateCloseFinAck
		c.lingerTimer.Arm(now, 2*c.opts.PacketTimeout)
		c.mustSendControl = true
		c.traceState("fin-exchanged")
	}
	return nil
}

func (c *Conn) recvCloseFinAck(now time.Time, h frame.Header, payload []byte) error {
	if h.Flags.HasAny(frame.FlagFIN) {
		// Peer retransmitted its FIN, meaning our final ack was lost:
		// absorb the duplicate, restart the linger, and resend.
		c.lingerTimer.Arm(now, 2*c.opts.PacketTimeout)
		c.mustSendControl = true
	}
	return nil
}
