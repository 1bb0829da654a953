// Package config loads peer-bridge settings from flags, PEER_BRIDGE_*
// environment variables and an optional YAML file, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "PEER_BRIDGE"

const (
	ControlStdio = "stdio"
	ControlTCP   = "tcp"

	BackendDHT     = "dht"
	BackendTracker = "tracker"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Control ControlConfig `mapstructure:"control"`
	Pairing PairingConfig `mapstructure:"pairing"`
	Streams StreamsConfig `mapstructure:"streams"`
	Swarm   SwarmConfig   `mapstructure:"swarm"`
	Log     LogConfig     `mapstructure:"log"`
	Tracker TrackerConfig `mapstructure:"tracker"`
}

type ControlConfig struct {
	Mode string `mapstructure:"mode"`
	Addr string `mapstructure:"addr"`
}

type PairingConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	MaxHandshakeBytes int           `mapstructure:"max_handshake_bytes"`
}

// Addr is the pairing listener bind address.
func (p PairingConfig) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

type StreamsConfig struct {
	BufferChunks    int           `mapstructure:"buffer_chunks"`
	UnpairedTimeout time.Duration `mapstructure:"unpaired_timeout"`
}

type SwarmConfig struct {
	Backend         string        `mapstructure:"backend"`
	Listen          []string      `mapstructure:"listen"`
	Bootstrap       []string      `mapstructure:"bootstrap"`
	DHTMode         string        `mapstructure:"dht_mode"`
	Tracker         string        `mapstructure:"tracker"`
	TrackerKey      string        `mapstructure:"tracker_key"`
	Identity        string        `mapstructure:"identity"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TrackerConfig struct {
	Listen   string        `mapstructure:"listen"`
	DB       string        `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Identity string        `mapstructure:"identity"`
}

type option struct {
	key   string
	value any
	usage string
}

var bridgeOptions = []option{
	{"control.mode", ControlStdio, "control channel: stdio or tcp"},
	{"control.addr", "127.0.0.1:5000", "control socket address in tcp mode"},
	{"pairing.host", "127.0.0.1", "pairing listener bind host"},
	{"pairing.port", 0, "pairing listener port (0 picks a free one)"},
	{"pairing.handshake_timeout", 10 * time.Second, "max wait for the stream id line"},
	{"pairing.max_handshake_bytes", 1024, "max stream id line length"},
	{"streams.buffer_chunks", 16, "32 KiB chunks buffered per unpaired stream"},
	{"streams.unpaired_timeout", time.Duration(0), "close streams never paired within this long (0 disables)"},
	{"swarm.backend", BackendDHT, "swarm backend: dht or tracker"},
	{"swarm.listen", []string{}, "swarm listen addresses"},
	{"swarm.bootstrap", []string{}, "dht bootstrap multiaddrs (default: public libp2p bootstrap peers)"},
	{"swarm.dht_mode", "auto", "dht mode: auto, server or client"},
	{"swarm.tracker", "", "tracker address for the tracker backend"},
	{"swarm.tracker_key", "", "hex public key pinning the tracker identity"},
	{"swarm.identity", "", "identity key file (empty generates an ephemeral key)"},
	{"swarm.dial_timeout", 10 * time.Second, "per-peer dial timeout"},
	{"swarm.refresh_interval", 30 * time.Second, "re-announce and re-lookup period"},
}

var trackerOptions = []option{
	{"tracker.listen", "0.0.0.0:4242", "tracker UDP listen address"},
	{"tracker.db", "tracker.sqlite3", "tracker database path (:memory: for none)"},
	{"tracker.ttl", 2 * time.Minute, "announcement lifetime without refresh"},
	{"tracker.identity", "", "tracker identity key file"},
}

var logOptions = []option{
	{"log.level", "info", "log level"},
	{"log.format", "pretty", "log format: pretty or json"},
}

// FlagName maps a config key to its command-line flag.
func FlagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

// RegisterBridgeFlags adds the bridge and log flags to fs and binds them to v.
func RegisterBridgeFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	return register(v, fs, append(bridgeOptions, logOptions...))
}

// RegisterTrackerFlags adds the tracker and log flags to fs and binds them to v.
func RegisterTrackerFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	return register(v, fs, append(trackerOptions, logOptions...))
}

func register(v *viper.Viper, fs *pflag.FlagSet, opts []option) error {
	for _, o := range opts {
		name := FlagName(o.key)
		switch value := o.value.(type) {
		case string:
			fs.String(name, value, o.usage)
		case int:
			fs.Int(name, value, o.usage)
		case time.Duration:
			fs.Duration(name, value, o.usage)
		case []string:
			fs.StringSlice(name, value, o.usage)
		default:
			return fmt.Errorf("config: unsupported default for %s", o.key)
		}
		v.SetDefault(o.key, o.value)
		if err := v.BindPFlag(o.key, fs.Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

// New returns a viper instance reading PEER_BRIDGE_* environment variables.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and decodes v into a Config.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// ValidateBridge checks the settings used by the bridge command and fills
// backend-specific defaults.
func (c *Config) ValidateBridge() error {
	switch c.Control.Mode {
	case ControlStdio:
	case ControlTCP:
		if c.Control.Addr == "" {
			return fmt.Errorf("%w: control.addr is required in tcp mode", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: control.mode %q", ErrInvalid, c.Control.Mode)
	}

	if c.Pairing.Port < 0 || c.Pairing.Port > 65535 {
		return fmt.Errorf("%w: pairing.port %d", ErrInvalid, c.Pairing.Port)
	}
	if c.Pairing.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: pairing.handshake_timeout must be positive", ErrInvalid)
	}
	if c.Pairing.MaxHandshakeBytes <= 0 {
		return fmt.Errorf("%w: pairing.max_handshake_bytes must be positive", ErrInvalid)
	}
	if c.Streams.BufferChunks <= 0 {
		return fmt.Errorf("%w: streams.buffer_chunks must be positive", ErrInvalid)
	}
	if c.Streams.UnpairedTimeout < 0 {
		return fmt.Errorf("%w: streams.unpaired_timeout is negative", ErrInvalid)
	}
	if c.Swarm.DialTimeout <= 0 || c.Swarm.RefreshInterval <= 0 {
		return fmt.Errorf("%w: swarm timeouts must be positive", ErrInvalid)
	}

	switch c.Swarm.Backend {
	case BackendDHT:
		switch c.Swarm.DHTMode {
		case "auto", "server", "client":
		default:
			return fmt.Errorf("%w: swarm.dht_mode %q", ErrInvalid, c.Swarm.DHTMode)
		}
	case BackendTracker:
		if c.Swarm.Tracker == "" {
			return fmt.Errorf("%w: swarm.tracker is required for the tracker backend", ErrInvalid)
		}
		if len(c.Swarm.Listen) == 0 {
			c.Swarm.Listen = []string{"0.0.0.0:0"}
		}
	default:
		return fmt.Errorf("%w: swarm.backend %q", ErrInvalid, c.Swarm.Backend)
	}
	return c.validateLog()
}

func (c *Config) ValidateTracker() error {
	if c.Tracker.Listen == "" {
		return fmt.Errorf("%w: tracker.listen is required", ErrInvalid)
	}
	if c.Tracker.DB == "" {
		return fmt.Errorf("%w: tracker.db is required", ErrInvalid)
	}
	if c.Tracker.TTL <= 0 {
		return fmt.Errorf("%w: tracker.ttl must be positive", ErrInvalid)
	}
	return c.validateLog()
}

func (c *Config) validateLog() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	switch c.Log.Format {
	case "pretty", "json":
		return nil
	}
	return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
}
