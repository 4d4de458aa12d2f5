package radio

// Loopback is a deterministic, single-ended Driver test double: it never
// schedules anything on its own. A test drives it explicitly by calling
// CompleteTx/CompleteCad/DeliverFrame, then asserting on the arbiter/host's
// resulting state — the same poll-driven determinism as the protocol
// engine itself, no goroutines or real timers involved.
type Loopback struct {
	onReceive func(n int)
	onTxDone  func()
	onCadDone func(busy bool)

	rxBuf   []byte
	rxAvail int

	// Sent records every buffer handed to Send, for test assertions.
	Sent [][]byte

	// signalPresent is reported by RxSignalDetected and as the busy result
	// of CompleteCad. It stays as set until the next SetSignalPresent call.
	signalPresent bool
}

func NewLoopback() *Loopback {
	return &Loopback{rxBuf: make([]byte, 0, 256)}
}

func (l *Loopback) SetCallbacks(onReceive func(n int), onTxDone func(), onCadDone func(busy bool)) {
	l.onReceive = onReceive
	l.onTxDone = onTxDone
	l.onCadDone = onCadDone
}

func (l *Loopback) Send(b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	l.Sent = append(l.Sent, cp)
	return nil
}

// CompleteTx simulates the hardware finishing a transmission.
func (l *Loopback) CompleteTx() {
	if l.onTxDone != nil {
		l.onTxDone()
	}
}

func (l *Loopback) Receive() error { return nil }

// DeliverFrame simulates a frame arriving over the air: stages its bytes
// for Read and fires onReceive, exactly as a real driver's ISR would.
func (l *Loopback) DeliverFrame(b []byte) {
	l.rxBuf = append(l.rxBuf[:0], b...)
	l.rxAvail = len(b)
	if l.onReceive != nil {
		l.onReceive(len(b))
	}
}

// SetSignalPresent controls the next RxSignalDetected/CAD-busy result,
// simulating another station currently transmitting.
func (l *Loopback) SetSignalPresent(present bool) { l.signalPresent = present }

func (l *Loopback) RxSignalDetected() bool { return l.signalPresent }

func (l *Loopback) ChannelActivityDetection() error { return nil }

// CompleteCad simulates the CAD hardware finishing its sample, reporting
// whatever SetSignalPresent last configured.
func (l *Loopback) CompleteCad() {
	if l.onCadDone != nil {
		l.onCadDone(l.signalPresent)
	}
}

func (l *Loopback) Available() int { return l.rxAvail }

func (l *Loopback) Read(b []byte) (int, error) {
	n := copy(b, l.rxBuf[:l.rxAvail])
	l.rxAvail -= n
	l.rxBuf = l.rxBuf[n:]
	return n, nil
}
