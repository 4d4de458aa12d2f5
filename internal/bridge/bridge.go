// Package bridge relays bytes between a net.Conn and an LRTP connection,
// the shared plumbing behind cmd/lrtp-gatewayd and cmd/lrtp-bridge — the
// Go analog of original_source/examples/TCPClient and TCPServer's
// socket<->LRTPConnection relay loops.
//
// lrtp/conn.Conn is poll-driven and explicitly not safe for concurrent
// use (spec §5): every call into it must come from the same goroutine
// that drives host.Poll. A net.Conn's Read, on the other hand, blocks.
// Link resolves the mismatch the way the original's Arduino loop()
// resolves it with Serial.available(): a dedicated reader goroutine
// blocks on the socket and hands finished reads to the owning goroutine
// over a channel; Tick, called from that owning goroutine alongside
// host.Poll, drains the channel and the connection's receive buffer
// without ever touching the connection from two goroutines at once.
package bridge

import (
	"io"
	"net"
	"sync"

	"github.com/hexradio/lrtp/conn"
)

// Stream is the subset of *conn.Conn a Link moves bytes through.
type Stream interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Available() int
}

// Link pairs one net.Conn with one LRTP stream. Construct with NewLink;
// drive with Tick from the single goroutine that also calls host.Poll.
type Link struct {
	tcp    net.Conn
	stream Stream

	rx       chan []byte
	closeErr chan error

	closeOnce sync.Once
	closed    chan struct{}

	pending []byte // tcp bytes read but not yet accepted by stream.Write
}

// NewLink starts tcp's reader goroutine and returns a Link ready to Tick.
func NewLink(tcp net.Conn, stream Stream) *Link {
	l := &Link{
		tcp:      tcp,
		stream:   stream,
		rx:       make(chan []byte, 64),
		closeErr: make(chan error, 1),
		closed:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := l.tcp.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case l.rx <- cp:
			case <-l.closed:
				return
			}
		}
		if err != nil {
			select {
			case l.closeErr <- err:
			default:
			}
			return
		}
	}
}

// Tick drains at most one socket read's worth of bytes into the LRTP
// stream and at most one LRTP read's worth of bytes out to the socket.
// Call it once per poll iteration for every open Link. Returns io.EOF (or
// the socket's read error) once the TCP side has gone away; the caller
// should close the Link in response.
func (l *Link) Tick() error {
	if len(l.pending) > 0 {
		n, err := l.stream.Write(l.pending)
		if err != nil {
			return err
		}
		l.pending = l.pending[n:]
	}
	if len(l.pending) == 0 {
		select {
		case b := <-l.rx:
			n, err := l.stream.Write(b)
			if err != nil {
				return err
			}
			if n < len(b) {
				l.pending = b[n:]
			}
		default:
		}
	}

	if n := l.stream.Available(); n > 0 {
		buf := make([]byte, n)
		got, err := l.stream.Read(buf)
		if err != nil && err != io.EOF {
			return err
		}
		if got > 0 {
			if _, werr := l.tcp.Write(buf[:got]); werr != nil {
				return werr
			}
		}
	}

	select {
	case err := <-l.closeErr:
		return err
	default:
	}
	return nil
}

// Close releases the socket and stops the reader goroutine.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.tcp.Close()
	})
	return err
}

var _ Stream = (*conn.Conn)(nil)
