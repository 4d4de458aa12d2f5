// Command lrtp-bridge is a small, single-purpose TCP⇄LRTP bridge: it
// dials (or accepts) exactly one TCP connection and relays it through
// exactly one LRTP connection to a configured remote address — the Go
// analog of original_source/examples/TCPClient and TCPServer, which pair
// one WiFiClient with one LRTPConnection on an Arduino. lrtp-gatewayd
// is the daemon-shaped equivalent of this same relay for many
// connections at once; this command is the minimal version for point
// to point links and scripting.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hexradio/lrtp"
	"github.com/hexradio/lrtp/arbiter"
	"github.com/hexradio/lrtp/conn"
	"github.com/hexradio/lrtp/host"
	"github.com/hexradio/lrtp/internal/bridge"
	"github.com/hexradio/lrtp/radio"
	"github.com/hexradio/lrtp/radio/serialradio"
)

type config struct {
	localAddr  uint16
	remoteAddr uint16
	device     string
	resetChip  string
	resetLine  int
	listen     string
	dial       string
	verbose    bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}
	if (cfg.listen == "") == (cfg.dial == "") {
		return fmt.Errorf("lrtp-bridge: exactly one of --listen or --dial is required")
	}

	logLevel := slog.LevelInfo
	if cfg.verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	var driver radio.Driver
	if cfg.device == "" {
		log.Info("no --device configured; using simulated loopback radio")
		driver = radio.NewLoopback()
	} else {
		d, err := serialradio.Open(serialradio.Config{
			Device:    cfg.device,
			ResetChip: cfg.resetChip,
			ResetLine: cfg.resetLine,
			Log:       log,
		})
		if err != nil {
			return err
		}
		defer d.Close()
		driver = d
	}

	h := host.New(lrtp.Address(cfg.localAddr), driver, host.Options{
		Conn:    conn.Options{Log: log},
		Arbiter: arbiter.Options{Log: log},
		Log:     log,
	})
	now := time.Now()
	if err := h.Begin(now); err != nil {
		return fmt.Errorf("lrtp-bridge: begin: %w", err)
	}

	tcpConn, err := acquireTCP(cfg)
	if err != nil {
		return err
	}
	defer tcpConn.Close()

	lconn, err := h.Connect(now, lrtp.Address(cfg.remoteAddr))
	if err != nil {
		return fmt.Errorf("lrtp-bridge: connect to %d: %w", cfg.remoteAddr, err)
	}
	link := bridge.NewLink(tcpConn, lconn)
	defer link.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			lconn.Close(time.Now())
			return nil
		case <-ticker.C:
			now := time.Now()
			if err := h.Poll(now); err != nil {
				log.Debug("poll", "err", err)
			}
			if err := link.Tick(); err != nil {
				log.Info("TCP side closed", "err", err)
				lconn.Close(now)
				return nil
			}
			if lconn.State() == conn.StateClosed {
				return nil
			}
		}
	}
}

// acquireTCP returns the single TCP connection this bridge relays,
// either by dialing --dial or by accepting the first connection on
// --listen, mirroring TCPClient's connectTcp() / TCPServer's accept.
func acquireTCP(cfg *config) (net.Conn, error) {
	if cfg.dial != "" {
		c, err := net.Dial("tcp", cfg.dial)
		if err != nil {
			return nil, fmt.Errorf("lrtp-bridge: dial %s: %w", cfg.dial, err)
		}
		return c, nil
	}
	ln, err := net.Listen("tcp", cfg.listen)
	if err != nil {
		return nil, fmt.Errorf("lrtp-bridge: listen %s: %w", cfg.listen, err)
	}
	defer ln.Close()
	c, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("lrtp-bridge: accept: %w", err)
	}
	return c, nil
}

func parseFlags(args []string) (*config, error) {
	fs := pflag.NewFlagSet("lrtp-bridge", pflag.ContinueOnError)
	cfg := &config{}
	fs.Uint16Var(&cfg.localAddr, "local-addr", 2, "local LRTP address")
	fs.Uint16Var(&cfg.remoteAddr, "remote-addr", 1, "LRTP address to connect to")
	fs.StringVar(&cfg.device, "device", "", "serial device for the radio (empty = simulated loopback)")
	fs.StringVar(&cfg.resetChip, "reset-chip", "", "gpiod chip for the modem reset/PA-enable line")
	fs.IntVar(&cfg.resetLine, "reset-line", 0, "gpiod line offset for the modem reset/PA-enable line")
	fs.StringVar(&cfg.listen, "listen", "", "accept one TCP connection on this address and bridge it")
	fs.StringVar(&cfg.dial, "dial", "", "dial this TCP address and bridge the connection")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "debug-level logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}
