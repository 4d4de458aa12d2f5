// Command lrtp-gatewayd is the long-running LRTP gateway daemon: it owns
// a host, a radio transport (a serial-attached modem, or an in-process
// simulated loopback when no device is configured), and a TCP⇄LRTP
// bridge — the demo application spec.md §1 calls out as external to the
// protocol core, supplemented here as thin cmd/ glue exactly as the
// teacher ships examples/tcpclient alongside its library code.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/brutella/dnssd"

	"github.com/hexradio/lrtp"
	"github.com/hexradio/lrtp/arbiter"
	"github.com/hexradio/lrtp/conn"
	"github.com/hexradio/lrtp/host"
	"github.com/hexradio/lrtp/internal/bridge"
	"github.com/hexradio/lrtp/radio"
	"github.com/hexradio/lrtp/radio/serialradio"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	clog := newCLILogger(cfg.LogLevel)
	log := slogFromCharm(clog)

	driver, closeDriver, err := openRadio(*cfg, clog)
	if err != nil {
		return err
	}
	defer closeDriver()

	h := host.New(lrtp.Address(cfg.LocalAddr), driver, host.Options{
		Conn: conn.Options{
			Window:        cfg.Window,
			PacketTimeout: cfg.packetTimeout(),
			Piggyback:     cfg.piggyback(),
			MaxRetries:    cfg.MaxRetries,
		},
		Arbiter: arbiter.Options{CADRounds: cfg.CADRounds},
		Log:     log,
	})
	if err := h.Begin(time.Now()); err != nil {
		return fmt.Errorf("gatewayd: begin: %w", err)
	}

	h.OnConnect(func(c *conn.Conn) {
		clog.Info("inbound connection", "remote", c.RemoteAddr(), "id", c.ID())
	})
	h.OnBroadcast(func(src lrtp.Address, payload []byte) {
		clog.Debug("broadcast received", "src", src, "len", len(payload))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		s := <-sig
		clog.Info("terminating on signal", "signal", s.String())
		cancel()
	}()

	if cfg.DNSSDName != "" {
		if err := announceDNSSD(ctx, *cfg, clog); err != nil {
			clog.Warn("DNS-SD announce failed", "err", err)
		}
	}

	ln, err := net.Listen("tcp", cfg.TCPListen)
	if err != nil {
		return fmt.Errorf("gatewayd: listen %s: %w", cfg.TCPListen, err)
	}
	defer ln.Close()
	clog.Info("TCP bridge listening", "addr", cfg.TCPListen, "dest", cfg.BridgeDest)

	type bridged struct {
		link *bridge.Link
		conn *conn.Conn
	}
	links := make([]*bridged, 0, 4)
	accepted := make(chan net.Conn, 8)
	go acceptLoop(ctx, ln, accepted, clog)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case tcpConn := <-accepted:
			now := time.Now()
			c, err := h.Connect(now, lrtp.Address(cfg.BridgeDest))
			if err != nil {
				clog.Warn("bridge connect failed", "err", err)
				tcpConn.Close()
				continue
			}
			links = append(links, &bridged{link: bridge.NewLink(tcpConn, c), conn: c})
		case <-ticker.C:
			now := time.Now()
			if err := h.Poll(now); err != nil {
				clog.Debug("poll", "err", err)
			}
			live := links[:0]
			for _, b := range links {
				if err := b.link.Tick(); err != nil {
					b.link.Close()
					b.conn.Close(now)
					continue
				}
				live = append(live, b)
			}
			links = live
		}
	}
}

func acceptLoop(ctx context.Context, ln net.Listener, out chan<- net.Conn, clog *charmlog.Logger) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			clog.Warn("accept", "err", err)
			continue
		}
		select {
		case out <- c:
		case <-ctx.Done():
			c.Close()
			return
		}
	}
}

// openRadio opens the configured serial-attached modem, or falls back to
// an in-process simulated radio for running the gateway without hardware.
func openRadio(cfg Config, clog *charmlog.Logger) (radio.Driver, func(), error) {
	if cfg.Device == "" {
		clog.Info("no --device configured; using simulated loopback radio")
		return radio.NewLoopback(), func() {}, nil
	}
	d, err := serialradio.Open(serialradio.Config{
		Device:     cfg.Device,
		ResetChip:  cfg.ResetChip,
		ResetLine:  cfg.ResetLine,
		Log:        nil,
	})
	if err != nil {
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

func announceDNSSD(ctx context.Context, cfg Config, clog *charmlog.Logger) error {
	_, portStr, err := net.SplitHostPort(cfg.TCPListen)
	if err != nil {
		return fmt.Errorf("dnssd: bad --tcp-listen %q: %w", cfg.TCPListen, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return fmt.Errorf("dnssd: bad port %q: %w", portStr, err)
	}

	svc, err := dnssd.NewService(dnssd.Config{
		Name: cfg.DNSSDName,
		Type: "_lrtp-gateway._tcp",
		Port: port,
	})
	if err != nil {
		return fmt.Errorf("dnssd: new service: %w", err)
	}
	responder, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("dnssd: new responder: %w", err)
	}
	if _, err := responder.Add(svc); err != nil {
		return fmt.Errorf("dnssd: add service: %w", err)
	}
	clog.Info("DNS-SD announcing", "name", cfg.DNSSDName, "port", port)
	go func() {
		if err := responder.Respond(ctx); err != nil && ctx.Err() == nil {
			clog.Warn("DNS-SD responder stopped", "err", err)
		}
	}()
	return nil
}
