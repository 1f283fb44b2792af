package injector

import (
	"context"
	"fmt"

	"github.com/google/wire"

	"github.com/zeusync/syncplant/internal/config"
	"github.com/zeusync/syncplant/internal/core/events/bus"
	"github.com/zeusync/syncplant/internal/core/group"
	"github.com/zeusync/syncplant/internal/core/observability/log"
	"github.com/zeusync/syncplant/internal/core/plant"
	"github.com/zeusync/syncplant/internal/core/storage/interfaces"
	"github.com/zeusync/syncplant/internal/core/syncable"
	"github.com/zeusync/syncplant/internal/domain"
	"github.com/zeusync/syncplant/internal/server"
	"github.com/zeusync/syncplant/internal/storage/bolt"
	"github.com/zeusync/syncplant/internal/storage/memory"
	"github.com/zeusync/syncplant/internal/storage/postgres"
	"github.com/zeusync/syncplant/internal/storage/sqlite"
	"github.com/zeusync/syncplant/internal/storage/sqlstore"
)

// ProviderSet builds a server from a config.
var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvidePlant,
	ProvideStorage,
	ProvideBus,
	ProvideGroups,
	ProvideAuthenticator,
	ProvideServer,
)

// Storage is the persistence pair shared by every group.
type Storage struct {
	Store     interfaces.SyncableStore
	Sequencer interfaces.Sequencer
}

func ProvideLogger(cfg *config.Config) log.Log {
	return log.New(cfg.LogLevel())
}

func ProvidePlant(logger log.Log) (*plant.Plant, error) {
	return domain.NewPlant(logger)
}

func ProvideBus() bus.EventBus {
	return bus.New()
}

// ProvideStorage opens the configured store and sequencer. The cleanup
// closes both.
func ProvideStorage(ctx context.Context, cfg *config.Config, logger log.Log) (*Storage, func(), error) {
	var (
		store  interfaces.SyncableStore
		sqlSeq *sqlstore.Sequencer
		err    error
	)
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		store, sqlSeq, err = openSQL(sqlite.Open(ctx, cfg.Storage.DSN, logger))
	case config.DriverPostgres:
		store, sqlSeq, err = openSQL(postgres.Open(ctx, cfg.Storage.DSN, logger))
	case config.DriverMemory:
		store = memory.NewStore()
	default:
		err = fmt.Errorf("%w: storage driver %q", config.ErrInvalid, cfg.Storage.Driver)
	}
	if err != nil {
		return nil, nil, err
	}

	var seq interfaces.Sequencer
	switch cfg.Sequencer.Driver {
	case config.DriverBolt:
		seq, err = openBolt(cfg.Sequencer.Path)
	case config.DriverStorage:
		if sqlSeq == nil {
			err = fmt.Errorf("%w: storage sequencer without sql storage", config.ErrInvalid)
		} else {
			seq = sqlSeq
		}
	case config.DriverMemory:
		seq = memory.NewSequencer()
	default:
		err = fmt.Errorf("%w: sequencer driver %q", config.ErrInvalid, cfg.Sequencer.Driver)
	}
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	logger.Info("storage opened",
		log.String("storage", cfg.Storage.Driver),
		log.String("sequencer", cfg.Sequencer.Driver))
	cleanup := func() {
		if err := seq.Close(); err != nil {
			logger.Warn("closing sequencer failed", log.Error(err))
		}
		if err := store.Close(); err != nil {
			logger.Warn("closing store failed", log.Error(err))
		}
	}
	return &Storage{Store: store, Sequencer: seq}, cleanup, nil
}

func openSQL(store *sqlstore.Store, seq *sqlstore.Sequencer, err error) (interfaces.SyncableStore, *sqlstore.Sequencer, error) {
	if err != nil {
		return nil, nil, err
	}
	return store, seq, nil
}

func openBolt(path string) (interfaces.Sequencer, error) {
	seq, err := bolt.Open(path)
	if err != nil {
		return nil, err
	}
	return seq, nil
}

func ProvideGroups(cfg *config.Config, p *plant.Plant, storage *Storage, b bus.EventBus, logger log.Log) (*group.Manager, error) {
	groupConfig := cfg.GroupConfig()
	groupConfig.ViewQueryDefaults = domain.ViewQueryDefaults()
	return group.NewManager(groupConfig, group.Dependencies{
		Plant:     p,
		Sequencer: storage.Sequencer,
		Store:     storage.Store,
		Bus:       b,
		Filters:   domain.Filter,
		Logger:    logger,
	}, domain.Adapter{})
}

func ProvideAuthenticator(cfg *config.Config) server.Authenticator {
	if cfg.Auth.Mode == config.AuthToken {
		return server.TokenAuthenticator{UserType: domain.TypeUser, Tokens: cfg.Auth.Tokens}
	}
	return server.TrustAuthenticator{UserType: domain.TypeUser}
}

func ProvideServer(cfg *config.Config, groups *group.Manager, auth server.Authenticator, logger log.Log) (*server.Server, error) {
	opts := []server.Option{server.WithLogger(logger)}
	if cfg.Auth.AutoCreateUsers {
		opts = append(opts, server.WithUserFactory(func(user syncable.Ref) syncable.ChangePacket {
			return domain.CreateUser(user.ID, user.ID)
		}))
	}
	return server.NewServer(cfg.ServerConfig(), groups, auth, opts...)
}
