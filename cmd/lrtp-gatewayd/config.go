package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds everything lrtp-gatewayd needs to run. Fields are
// populated in four layers, lowest precedence first: defaults, then the
// process environment (github.com/sethvargo/go-envconfig), then an
// optional YAML file, then command-line flags — the same layering
// doismellburning-samoyed's config.go applies to direwolf.conf, with
// envconfig standing in for its hand-rolled env-var reads.
type Config struct {
	// LocalAddr is this node's 16-bit LRTP address.
	LocalAddr uint16 `env:"LRTP_LOCAL_ADDR,default=1" yaml:"localAddr"`

	// Window is the connection send window W.
	Window uint8 `env:"LRTP_WINDOW,default=4" yaml:"window"`
	// PacketTimeout and Piggyback are durations expressed in
	// milliseconds in the environment/YAML for simplicity.
	PacketTimeoutMS int `env:"LRTP_PACKET_TIMEOUT_MS,default=7500" yaml:"packetTimeoutMS"`
	PiggybackMS     int `env:"LRTP_PIGGYBACK_MS,default=1250" yaml:"piggybackMS"`
	MaxRetries      int `env:"LRTP_MAX_RETRIES,default=10" yaml:"maxRetries"`
	CADRounds       int `env:"LRTP_CAD_ROUNDS,default=3" yaml:"cadRounds"`

	// Device is a serial device path for radio/serialradio. Empty uses
	// an in-process simulated loopback radio instead, for demos and
	// testing without hardware.
	Device      string `env:"LRTP_DEVICE,default=" yaml:"device"`
	ResetChip   string `env:"LRTP_RESET_CHIP,default=" yaml:"resetChip"`
	ResetLine   int    `env:"LRTP_RESET_LINE,default=0" yaml:"resetLine"`

	// TCPListen is the address the TCP⇄LRTP bridge listens on, handing
	// each accepted connection an outbound LRTP connection to BridgeDest.
	TCPListen  string `env:"LRTP_TCP_LISTEN,default=:7654" yaml:"tcpListen"`
	BridgeDest uint16 `env:"LRTP_BRIDGE_DEST,default=0" yaml:"bridgeDest"`

	// DNSSDName, when set, advertises the gateway over mDNS/DNS-SD under
	// _lrtp-gateway._tcp so a companion app can find it without static
	// configuration. Empty disables the announcement.
	DNSSDName string `env:"LRTP_DNSSD_NAME,default=" yaml:"dnssdName"`

	LogLevel string `env:"LRTP_LOG_LEVEL,default=info" yaml:"logLevel"`
}

func (c Config) packetTimeout() time.Duration {
	return time.Duration(c.PacketTimeoutMS) * time.Millisecond
}

func (c Config) piggyback() time.Duration {
	return time.Duration(c.PiggybackMS) * time.Millisecond
}

// LoadConfig builds a Config from defaults, the environment, an optional
// YAML file (--config), and flag overrides, in that order — flags win.
func LoadConfig(args []string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, fmt.Errorf("gatewayd: env config: %w", err)
	}

	fs := pflag.NewFlagSet("lrtp-gatewayd", pflag.ContinueOnError)
	configFile := fs.String("config", "", "YAML config file (overrides env, overridden by flags)")
	localAddr := fs.Uint16("local-addr", cfg.LocalAddr, "local LRTP address")
	device := fs.String("device", cfg.Device, "serial device for the radio (empty = simulated loopback)")
	resetChip := fs.String("reset-chip", cfg.ResetChip, "gpiod chip for the modem reset/PA-enable line")
	resetLine := fs.Int("reset-line", cfg.ResetLine, "gpiod line offset for the modem reset/PA-enable line")
	tcpListen := fs.String("tcp-listen", cfg.TCPListen, "address the TCP bridge listens on")
	bridgeDest := fs.Uint16("bridge-dest", cfg.BridgeDest, "LRTP address the TCP bridge connects to")
	dnssdName := fs.String("dnssd-name", cfg.DNSSDName, "mDNS/DNS-SD service name (empty disables announcement)")
	logLevel := fs.String("log-level", cfg.LogLevel, "debug, info, warn, or error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configFile != "" {
		if err := loadYAML(*configFile, &cfg); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "local-addr":
			cfg.LocalAddr = *localAddr
		case "device":
			cfg.Device = *device
		case "reset-chip":
			cfg.ResetChip = *resetChip
		case "reset-line":
			cfg.ResetLine = *resetLine
		case "tcp-listen":
			cfg.TCPListen = *tcpListen
		case "bridge-dest":
			cfg.BridgeDest = *bridgeDest
		case "dnssd-name":
			cfg.DNSSDName = *dnssdName
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	return &cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("gatewayd: config file: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("gatewayd: config file: %w", err)
	}
	return nil
}
