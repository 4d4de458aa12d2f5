package serialradio

import (
	"sync"
	"testing"
	"time"

	serial "github.com/Daedaluz/goserial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort is an in-memory stand-in for *serial.Port: the real type can't
// be constructed without a tty, so the receive-loop and framing logic
// that would otherwise go untested is exercised against this fake
// instead, kept in-package since goserial gives us no exported seam for
// it from outside.
type fakePort struct {
	mu     sync.Mutex
	toRead [][]byte
	writes [][]byte
	carrier serial.ModemLine
	closed bool
}

func (f *fakePort) push(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toRead = append(f.toRead, append([]byte(nil), b...))
}

func (f *fakePort) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (f *fakePort) ReadTimeout(b []byte, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.toRead) == 0 {
		return 0, nil // mirrors goserial's timeout-with-no-error behavior
	}
	next := f.toRead[0]
	f.toRead = f.toRead[1:]
	n := copy(b, next)
	return n, nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) GetModemLines() (serial.ModemLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.carrier, nil
}

func (f *fakePort) setCarrier(present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if present {
		f.carrier = serial.TIOCM_CAR
	} else {
		f.carrier = 0
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, serial.B57600, c.Baud)
	assert.Equal(t, 200*time.Millisecond, c.ReadTimeout)
	assert.Equal(t, 15*time.Millisecond, c.CADWindow)
	assert.Equal(t, 100*time.Millisecond, c.ResetPulse)
}

func TestReceiveLoopReassemblesLengthPrefixedFrame(t *testing.T) {
	fp := &fakePort{}
	payload := []byte("hello lrtp")
	fp.push(append([]byte{byte(len(payload))}, payload...))

	d := newDriver(Config{ReadTimeout: time.Millisecond}.withDefaults(), fp, fp)
	defer d.Close()

	received := make(chan int, 1)
	d.SetCallbacks(func(n int) { received <- n }, nil, nil)

	select {
	case n := <-received:
		require.Equal(t, len(payload), n)
		buf := make([]byte, n)
		got, err := d.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, payload, buf[:got])
	case <-time.After(time.Second):
		t.Fatal("onReceive never fired")
	}
}

func TestSendWritesLengthPrefixAndFiresTxDone(t *testing.T) {
	fp := &fakePort{}
	d := newDriver(Config{ReadTimeout: time.Millisecond}.withDefaults(), fp, fp)
	defer d.Close()

	done := make(chan struct{}, 1)
	d.SetCallbacks(nil, func() { done <- struct{}{} }, nil)

	require.NoError(t, d.Send([]byte("abc")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onTxDone never fired")
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	require.Len(t, fp.writes, 1)
	assert.Equal(t, []byte{3, 'a', 'b', 'c'}, fp.writes[0])
}

func TestSendRejectsOversizedFrame(t *testing.T) {
	fp := &fakePort{}
	d := newDriver(Config{ReadTimeout: time.Millisecond}.withDefaults(), fp, fp)
	defer d.Close()

	err := d.Send(make([]byte, maxFrame+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestChannelActivityDetectionReportsCarrier(t *testing.T) {
	fp := &fakePort{}
	fp.setCarrier(true)
	d := newDriver(Config{ReadTimeout: time.Millisecond, CADWindow: time.Millisecond}.withDefaults(), fp, fp)
	defer d.Close()

	busy := make(chan bool, 1)
	d.SetCallbacks(nil, nil, func(b bool) { busy <- b })

	require.NoError(t, d.ChannelActivityDetection())

	select {
	case b := <-busy:
		assert.True(t, b)
	case <-time.After(time.Second):
		t.Fatal("onCadDone never fired")
	}
}

func TestRxSignalDetectedReflectsCarrierLine(t *testing.T) {
	fp := &fakePort{}
	d := newDriver(Config{ReadTimeout: time.Millisecond}.withDefaults(), fp, fp)
	defer d.Close()

	assert.False(t, d.RxSignalDetected())
	fp.setCarrier(true)
	assert.True(t, d.RxSignalDetected())
}
