package protocol

import "time"

// Config holds transport and RPC settings shared by both ends.
type Config struct {
	// MaxMessageSize bounds one encoded envelope in bytes.
	MaxMessageSize int
	// RequestTimeout bounds a Call without its own deadline.
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	// KeepAlive is the ping interval of transports that need one.
	KeepAlive time.Duration
	// OutboxSize is the number of envelopes a server session may queue
	// before the connection is dropped.
	OutboxSize int
}

func DefaultConfig() Config {
	return Config{
		MaxMessageSize: 4 << 20,
		RequestTimeout: 30 * time.Second,
		WriteTimeout:   10 * time.Second,
		KeepAlive:      15 * time.Second,
		OutboxSize:     256,
	}
}
