package arbiter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexradio/lrtp/arbiter"
	"github.com/hexradio/lrtp/radio"
)

func newArbiter(t *testing.T) (*arbiter.Arbiter, *radio.Loopback) {
	t.Helper()
	lb := radio.NewLoopback()
	a := arbiter.New(lb, arbiter.Options{CADRounds: 3, SignalTimeout: 250 * time.Millisecond, SignalRounds: 3})
	lb.SetCallbacks(a.NotifyReceive, a.NotifyTxDone, a.NotifyCadDone)
	require.NoError(t, a.Begin(time.Now()))
	return a, lb
}

func TestCadClearAfterThreeRounds(t *testing.T) {
	now := time.Now()
	a, lb := newArbiter(t)
	lb.SetSignalPresent(false)

	require.True(t, a.RequestTransmit(now))
	assert.Equal(t, arbiter.StateCadStarted, a.State())

	for i := 0; i < 2; i++ {
		lb.CompleteCad()
		a.Tick(now)
		assert.Equal(t, arbiter.StateCadStarted, a.State(), "round %d", i)
	}
	lb.CompleteCad()
	a.Tick(now)
	assert.Equal(t, arbiter.StateCadFinished, a.State())
	assert.True(t, a.TransmitReady())

	require.NoError(t, a.Send([]byte("hi")))
	assert.Equal(t, arbiter.StateTransmit, a.State())
	lb.CompleteTx()
	a.Tick(now)
	assert.Equal(t, arbiter.StateIdleReceive, a.State())
}

func TestCadBusyAbortsToReceive(t *testing.T) {
	now := time.Now()
	a, lb := newArbiter(t)
	lb.SetSignalPresent(false)

	require.True(t, a.RequestTransmit(now))
	lb.SetSignalPresent(true)
	lb.CompleteCad()
	a.Tick(now)
	assert.Equal(t, arbiter.StateReceive, a.State())

	lb.DeliverFrame([]byte("incoming"))
	a.Tick(now)
	assert.Equal(t, arbiter.StateIdleReceive, a.State())
}

func TestStartTxDefersWhenSignalAlreadyPresent(t *testing.T) {
	now := time.Now()
	a, lb := newArbiter(t)
	lb.SetSignalPresent(true)

	started := a.RequestTransmit(now)
	assert.False(t, started)
	assert.Equal(t, arbiter.StateReceive, a.State())
}

func TestReceiveTimeoutSafetyFallsBackToIdle(t *testing.T) {
	now := time.Now()
	a, lb := newArbiter(t)
	lb.SetSignalPresent(true)
	a.RequestTransmit(now) // defers into RECEIVE

	t0 := now
	for i := 0; i < 3; i++ {
		t0 = t0.Add(300 * time.Millisecond)
		a.Tick(t0)
	}
	assert.Equal(t, arbiter.StateIdleReceive, a.State())
}
