// Package config loads the server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/syncplant/internal/core/group"
	"github.com/zeusync/syncplant/internal/core/observability/log"
	"github.com/zeusync/syncplant/internal/core/protocol"
	"github.com/zeusync/syncplant/internal/server"
)

// Storage and sequencer drivers. DriverStorage only applies to the sequencer
// and keeps clocks in the SQL storage database.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
	DriverStorage  = "storage"
)

// Auth modes.
const (
	AuthTrust = "trust"
	AuthToken = "token"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server    Server    `yaml:"server"`
	Auth      Auth      `yaml:"auth"`
	Log       Log       `yaml:"log"`
	Storage   Storage   `yaml:"storage"`
	Sequencer Sequencer `yaml:"sequencer"`
	Group     Group     `yaml:"group"`
}

type Server struct {
	ListenAddr     string        `yaml:"listen_addr"`
	WebsocketPath  string        `yaml:"websocket_path"`
	QUICAddr       string        `yaml:"quic_addr,omitempty"`
	CertFile       string        `yaml:"cert_file,omitempty"`
	KeyFile        string        `yaml:"key_file,omitempty"`
	MaxClients     int           `yaml:"max_clients"`
	AllowedOrigins []string      `yaml:"allowed_origins,omitempty"`
	MaxMessageSize int           `yaml:"max_message_size"`
	OutboxSize     int           `yaml:"outbox_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
}

type Auth struct {
	Mode string `yaml:"mode"`

	// Tokens maps token to user id in token mode.
	Tokens map[string]string `yaml:"tokens,omitempty"`

	// AutoCreateUsers creates unknown users on their first connect.
	AutoCreateUsers bool `yaml:"auto_create_users"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Storage struct {
	Driver string `yaml:"driver"`

	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `yaml:"dsn,omitempty"`
}

type Sequencer struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path,omitempty"`
}

type Group struct {
	PersistRetries int           `yaml:"persist_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	MaxCascade     int           `yaml:"max_cascade"`
	FanOutLimit    int           `yaml:"fan_out_limit"`
	DedupeWindow   int           `yaml:"dedupe_window"`
}

// Default returns a development configuration: websocket on localhost,
// trusted users created on demand, everything in memory.
func Default() *Config {
	srv := server.DefaultServerConfig()
	grp := group.DefaultConfig()
	return &Config{
		Server: Server{
			ListenAddr:     srv.ListenAddr,
			WebsocketPath:  srv.WebsocketPath,
			MaxClients:     srv.MaxClients,
			MaxMessageSize: srv.Protocol.MaxMessageSize,
			OutboxSize:     srv.Protocol.OutboxSize,
			WriteTimeout:   srv.Protocol.WriteTimeout,
			KeepAlive:      srv.Protocol.KeepAlive,
		},
		Auth:      Auth{Mode: AuthTrust, AutoCreateUsers: true},
		Log:       Log{Level: log.LevelInfo.String()},
		Storage:   Storage{Driver: DriverMemory},
		Sequencer: Sequencer{Driver: DriverMemory},
		Group: Group{
			PersistRetries: grp.PersistRetries,
			RetryDelay:     grp.RetryDelay,
			MaxCascade:     grp.MaxCascade,
			FanOutLimit:    grp.FanOutLimit,
			DedupeWindow:   grp.DedupeWindow,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads YAML from r over the defaults and validates the result.
func Decode(r io.Reader) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level: %w", ErrInvalid, err)
	}
	switch c.Auth.Mode {
	case AuthTrust:
	case AuthToken:
		if len(c.Auth.Tokens) == 0 {
			return fmt.Errorf("%w: token auth without tokens", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown auth mode %q", ErrInvalid, c.Auth.Mode)
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: %s storage needs a dsn", ErrInvalid, c.Storage.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalid, c.Storage.Driver)
	}
	switch c.Sequencer.Driver {
	case DriverMemory:
	case DriverBolt:
		if c.Sequencer.Path == "" {
			return fmt.Errorf("%w: bolt sequencer needs a path", ErrInvalid)
		}
	case DriverStorage:
		if c.Storage.Driver == DriverMemory {
			return fmt.Errorf("%w: storage sequencer needs sql storage", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown sequencer driver %q", ErrInvalid, c.Sequencer.Driver)
	}
	if c.Storage.Driver != DriverMemory && c.Sequencer.Driver == DriverMemory {
		// Clocks would restart below the persisted ones.
		return fmt.Errorf("%w: durable storage needs a durable sequencer", ErrInvalid)
	}
	if c.Group.MaxCascade < 0 || c.Group.PersistRetries < 0 || c.Group.DedupeWindow < 0 {
		return fmt.Errorf("%w: group limits must not be negative", ErrInvalid)
	}
	if err := c.ServerConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// LogLevel is the parsed log level.
func (c *Config) LogLevel() log.Level {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.LevelInfo
	}
	return level
}

func (c *Config) ServerConfig() server.Config {
	out := server.DefaultServerConfig()
	out.ListenAddr = c.Server.ListenAddr
	out.WebsocketPath = c.Server.WebsocketPath
	out.QUICAddr = c.Server.QUICAddr
	out.CertFile = c.Server.CertFile
	out.KeyFile = c.Server.KeyFile
	out.MaxClients = c.Server.MaxClients
	out.AllowedOrigins = c.Server.AllowedOrigins
	out.Protocol = c.ProtocolConfig()
	return out
}

func (c *Config) ProtocolConfig() protocol.Config {
	out := protocol.DefaultConfig()
	out.MaxMessageSize = c.Server.MaxMessageSize
	out.OutboxSize = c.Server.OutboxSize
	out.WriteTimeout = c.Server.WriteTimeout
	out.KeepAlive = c.Server.KeepAlive
	return out
}

func (c *Config) GroupConfig() group.Config {
	out := group.DefaultConfig()
	out.PersistRetries = c.Group.PersistRetries
	out.RetryDelay = c.Group.RetryDelay
	out.MaxCascade = c.Group.MaxCascade
	out.FanOutLimit = c.Group.FanOutLimit
	out.DedupeWindow = c.Group.DedupeWindow
	return out
}
