package group

import (
	"errors"
	"time"

	"github.com/zeusync/syncplant/internal/core/events/bus"
	"github.com/zeusync/syncplant/internal/core/observability/log"
	"github.com/zeusync/syncplant/internal/core/plant"
	"github.com/zeusync/syncplant/internal/core/storage/interfaces"
)

// Config tunes a group.
type Config struct {
	// PersistRetries is how many times a failed save is retried before the
	// batch is parked as pending.
	PersistRetries int
	RetryDelay     time.Duration
	// MaxCascade bounds the follow-up changes applied for one packet.
	MaxCascade int
	// FanOutLimit bounds concurrent per-connection sync computation; zero
	// means one goroutine per connection.
	FanOutLimit int
	// DedupeWindow is how many committed packet ids are remembered to
	// confirm retransmissions without applying them again.
	DedupeWindow int
	// ViewQueryDefaults is merged under every connection's view query.
	ViewQueryDefaults map[string]any
}

func DefaultConfig() Config {
	return Config{
		PersistRetries: 3,
		RetryDelay:     100 * time.Millisecond,
		MaxCascade:     32,
		DedupeWindow:   1024,
	}
}

// Dependencies are the collaborators shared by all groups of a process.
type Dependencies struct {
	Plant     *plant.Plant
	Sequencer interfaces.Sequencer
	// Store may be nil for ephemeral groups.
	Store   interfaces.SyncableStore
	Bus     bus.EventBus
	Filters FilterFactory
	Logger  log.Log
}

func (d Dependencies) validate() error {
	if d.Plant == nil {
		return errors.New("group: plant is required")
	}
	if d.Sequencer == nil {
		return errors.New("group: sequencer is required")
	}
	return nil
}
