// Package postgres opens the SQL store on PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/zeusync/syncplant/internal/core/observability/log"
	"github.com/zeusync/syncplant/internal/storage/sqlstore"
)

const connectTimeout = 5 * time.Second

var ErrEmptyDSN = errors.New("postgres dsn is empty")

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, dsn string, logger log.Log) (*sqlstore.Store, *sqlstore.Sequencer, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil, ErrEmptyDSN
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err = sqlstore.Migrate(ctx, db, sqlstore.Postgres); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	return sqlstore.New(db, sqlstore.Postgres, logger), sqlstore.NewSequencer(db, sqlstore.Postgres), nil
}
