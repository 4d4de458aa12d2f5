// Package serialradio implements radio.Driver over a UART-attached
// transparent packet radio modem (the class of cheap point-to-point
// modules — E32, HC-12, Reyax RYLR-style boards — that do their own RF
// framing and hand the host a plain byte stream), using
// github.com/Daedaluz/goserial for the port itself.
//
// goserial gives us a byte stream with no message boundaries, so this
// driver imposes its own one-byte length prefix around every frame
// written to or read from the wire. That prefix is a serialradio
// transport detail only; it is stripped before bytes ever reach the LRTP
// frame codec, and the modem on the other end of the link never sees
// anything but the LRTP-encoded payload it forwards over the air.
package serialradio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	serial "github.com/Daedaluz/goserial"

	"github.com/hexradio/lrtp/internal"
)

// maxFrame bounds the one-byte length prefix; it mirrors frame.MaxFrame
// without importing the frame package, since serialradio only moves
// opaque bytes and has no reason to know LRTP's own wire format.
const maxFrame = 255

// ErrFrameTooLarge is returned by Send when b would not fit behind the
// link's one-byte length prefix.
var ErrFrameTooLarge = errors.New("serialradio: frame exceeds 255-byte link budget")

// port is the slice of *goserial.Port this driver depends on. Narrowing
// it to an interface lets tests exercise the framing and CAD logic
// against an in-memory fake instead of a real tty.
type port interface {
	Write(b []byte) (int, error)
	ReadTimeout(b []byte, timeout time.Duration) (int, error)
	Close() error
}

// Config configures a Driver.
type Config struct {
	// Device is the serial device path, e.g. "/dev/ttyUSB0".
	Device string
	// Baud is the link speed, expressed as one of goserial's CFlag baud
	// constants (serial.B57600, serial.B115200, ...).
	Baud serial.CFlag
	// ReadTimeout bounds each blocking read the receive loop issues, so
	// it notices Close promptly instead of blocking forever on a link
	// that never speaks again.
	ReadTimeout time.Duration
	// CADWindow is how long ChannelActivityDetection waits before it
	// reads the modem's carrier-detect line once and reports the result.
	CADWindow time.Duration

	// ResetChip and ResetLine optionally name a gpiod chip/line driving
	// the modem's reset or power-amplifier-enable input. When ResetChip
	// is set, Open pulses the line for ResetPulse before the link is
	// used, and Close releases it.
	ResetChip  string
	ResetLine  int
	ResetPulse time.Duration

	Log *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Baud == 0 {
		c.Baud = serial.B57600
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 200 * time.Millisecond
	}
	if c.CADWindow == 0 {
		c.CADWindow = 15 * time.Millisecond
	}
	if c.ResetPulse == 0 {
		c.ResetPulse = 100 * time.Millisecond
	}
	return c
}

// Driver is a radio.Driver backed by a serial-attached packet modem. The
// zero value is not usable; construct one with Open.
type Driver struct {
	cfg  Config
	port port
	log  *slog.Logger

	lines modemLines // nil when the link has no carrier-detect wiring

	reset *ResetLine // nil when Config.ResetChip is unset

	mu        sync.Mutex
	rxBuf     [maxFrame]byte
	rxAvail   int
	onReceive func(n int)
	onTxDone  func()
	onCadDone func(busy bool)

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// modemLines is the subset of *goserial.Port used to read the link's
// carrier-detect line as a channel-activity proxy. A real half-duplex
// packet modem has no "are you about to transmit" signal of its own to
// query the way a LoRa chip's CAD feature does, so this driver samples
// DCD the way a classic packet-radio TNC samples its squelch line.
type modemLines interface {
	GetModemLines() (serial.ModemLine, error)
}

// Open opens device and starts the driver's background receive loop.
// Call Close to release the port and stop the loop.
func Open(cfg Config) (*Driver, error) {
	cfg = cfg.withDefaults()
	opts := serial.NewOptions().SetReadTimeout(cfg.ReadTimeout)
	p, err := serial.Open(cfg.Device, opts)
	if err != nil {
		return nil, fmt.Errorf("serialradio: open %s: %w", cfg.Device, err)
	}
	if err := configurePort(p, cfg.Baud); err != nil {
		p.Close()
		return nil, fmt.Errorf("serialradio: configure %s: %w", cfg.Device, err)
	}
	d := newDriver(cfg, p, p)
	if cfg.ResetChip != "" {
		r, err := OpenResetLine(cfg.ResetChip, cfg.ResetLine)
		if err != nil {
			d.Close()
			return nil, err
		}
		if err := r.Pulse(cfg.ResetPulse); err != nil {
			r.Close()
			d.Close()
			return nil, err
		}
		d.reset = r
	}
	return d, nil
}

// configurePort puts the port into raw mode at the requested baud rate,
// the way goserial's own examples drive Termios2 directly rather than
// going through the limited Options helper.
func configurePort(p *serial.Port, baud serial.CFlag) error {
	attrs, err := p.GetAttr2()
	if err != nil {
		return err
	}
	attrs.MakeRaw()
	attrs.SetSpeed(baud)
	return p.SetAttr2(serial.TCSANOW, attrs)
}

func newDriver(cfg Config, p port, lines modemLines) *Driver {
	d := &Driver{
		cfg:    cfg,
		port:   p,
		log:    cfg.Log,
		lines:  lines,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.receiveLoop()
	return d
}

// Close stops the receive loop and releases the underlying port.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		<-d.done
		err = d.port.Close()
		if d.reset != nil {
			d.reset.Close()
		}
	})
	return err
}

// receiveLoop runs on its own goroutine for the life of the driver,
// standing in for the interrupt context a real radio HAL would deliver
// frames from. It blocks in short ReadTimeout calls so it notices Close
// promptly, reassembling length-prefixed frames and handing them to
// onReceive exactly as spec §5 requires of any driver callback: no
// protocol logic here, just bytes staged for the next Poll to decode.
func (d *Driver) receiveLoop() {
	defer close(d.done)
	r := &timeoutReader{port: d.port, timeout: d.cfg.ReadTimeout}
	br := bufio.NewReaderSize(r, maxFrame+1)
	for {
		select {
		case <-d.closed:
			return
		default:
		}
		n, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return
			}
			internal.LogAttrs(d.log, slog.LevelWarn, "serialradio: read error", slog.String("err", err.Error()))
			return
		}
		length := int(n)
		if length == 0 {
			continue // a stray length-0 byte is not a valid frame; resync on the next byte
		}
		frame := make([]byte, length)
		if _, err := io.ReadFull(br, frame); err != nil {
			internal.LogAttrs(d.log, slog.LevelWarn, "serialradio: dropping truncated frame", slog.String("err", err.Error()))
			continue
		}
		d.stage(frame)
	}
}

func (d *Driver) stage(frame []byte) {
	d.mu.Lock()
	n := copy(d.rxBuf[:], frame)
	d.rxAvail = n
	cb := d.onReceive
	d.mu.Unlock()
	if cb != nil {
		cb(n)
	}
}

// Send writes b behind its one-byte length prefix and reports completion
// through onTxDone once the write returns. A serial write completing is
// only an approximation of "the modem has finished transmitting over the
// air" — good enough for the simple modems this driver targets, which
// have no separate TX-done signal of their own.
func (d *Driver) Send(b []byte) error {
	if len(b) > maxFrame {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, byte(len(b)))
	buf = append(buf, b...)
	if _, err := d.port.Write(buf); err != nil {
		return fmt.Errorf("serialradio: write: %w", err)
	}
	d.mu.Lock()
	cb := d.onTxDone
	d.mu.Unlock()
	if cb != nil {
		go cb()
	}
	return nil
}

// Receive is a no-op: the receive loop started in Open already listens
// continuously, matching how a transparent serial modem has no distinct
// "arm the receiver" mode to enter.
func (d *Driver) Receive() error { return nil }

// ChannelActivityDetection waits CADWindow, then reads the modem's
// carrier-detect line once and reports the result asynchronously through
// onCadDone, the same shape a LoRa chip's single-shot CAD feature has even
// though this implementation is a plain delayed read of DCD.
func (d *Driver) ChannelActivityDetection() error {
	d.mu.Lock()
	cb := d.onCadDone
	d.mu.Unlock()
	if cb == nil {
		return nil
	}
	go func() {
		time.Sleep(d.cfg.CADWindow)
		cb(d.carrierPresent())
	}()
	return nil
}

func (d *Driver) carrierPresent() bool {
	if d.lines == nil {
		return false
	}
	lines, err := d.lines.GetModemLines()
	if err != nil {
		internal.LogAttrs(d.log, slog.LevelWarn, "serialradio: modem line query failed", slog.String("err", err.Error()))
		return false
	}
	return lines&serial.TIOCM_CAR != 0
}

// RxSignalDetected is the instantaneous form of the same carrier-detect
// query ChannelActivityDetection performs over a window.
func (d *Driver) RxSignalDetected() bool { return d.carrierPresent() }

func (d *Driver) Available() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxAvail
}

func (d *Driver) Read(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(b, d.rxBuf[:d.rxAvail])
	remaining := d.rxAvail - n
	copy(d.rxBuf[:remaining], d.rxBuf[n:d.rxAvail])
	d.rxAvail = remaining
	return n, nil
}

func (d *Driver) SetCallbacks(onReceive func(n int), onTxDone func(), onCadDone func(busy bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onReceive = onReceive
	d.onTxDone = onTxDone
	d.onCadDone = onCadDone
}

var errReadTimeout = errors.New("serialradio: read timeout")

// timeoutReader adapts goserial's ReadTimeout method to io.Reader,
// turning its timeout indication (0 bytes, nil error on some platforms)
// into errReadTimeout so bufio.Reader's ReadByte can distinguish "no
// byte arrived yet" from "the link is gone".
type timeoutReader struct {
	port    port
	timeout time.Duration
}

func (r *timeoutReader) Read(b []byte) (int, error) {
	n, err := r.port.ReadTimeout(b, r.timeout)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, errReadTimeout
	}
	return n, nil
}
