// Package sqlstore persists syncables and group clocks in a SQL database.
// The sqlite and postgres packages open it with their driver and dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pressly/goose/v3"

	"github.com/zeusync/syncplant/internal/core/observability/log"
	"github.com/zeusync/syncplant/internal/core/storage/interfaces"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var (
	_ interfaces.SyncableStore = (*Store)(nil)
	_ interfaces.Sequencer     = (*Sequencer)(nil)
)

// Dialect names the SQL flavour of a database.
type Dialect struct {
	Goose goose.Dialect
	// Numbered placeholders ($1) instead of question marks.
	Numbered bool
}

var (
	SQLite   = Dialect{Goose: goose.DialectSQLite3}
	Postgres = Dialect{Goose: goose.DialectPostgres, Numbered: true}
)

func (d Dialect) bind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	migrations, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect.Goose, db, migrations)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err = provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}
	return nil
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  log.Log
	closed  atomic.Bool
}

// New wraps an open, migrated database. The store owns db and closes it.
func New(db *sql.DB, dialect Dialect, logger log.Log) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  log.OrNop(logger).With(log.String("component", "sqlstore")),
	}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) SaveSyncables(ctx context.Context, group string, created, updated []*syncable.Syncable, removed []syncable.Ref) error {
	if s.closed.Load() {
		return interfaces.ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert := s.dialect.bind(`
		INSERT INTO syncables (group_id, type, id, clock, document)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (group_id, type, id)
		DO UPDATE SET clock = excluded.clock, document = excluded.document`)

	for _, batch := range [][]*syncable.Syncable{created, updated} {
		for _, row := range batch {
			document, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("encode %s: %w", row.Ref(), err)
			}
			if _, err = tx.ExecContext(ctx, upsert, group, row.Type, row.ID, row.Clock, string(document)); err != nil {
				return fmt.Errorf("save %s: %w", row.Ref(), err)
			}
		}
	}

	remove := s.dialect.bind(`DELETE FROM syncables WHERE group_id = ? AND type = ? AND id = ?`)
	tombstone := s.dialect.bind(`
		INSERT INTO removed_syncables (group_id, type, id) VALUES (?, ?, ?)
		ON CONFLICT (group_id, type, id) DO NOTHING`)
	for _, ref := range removed {
		if _, err = tx.ExecContext(ctx, remove, group, ref.Type, ref.ID); err != nil {
			return fmt.Errorf("remove %s: %w", ref, err)
		}
		if _, err = tx.ExecContext(ctx, tombstone, group, ref.Type, ref.ID); err != nil {
			return fmt.Errorf("tombstone %s: %w", ref, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) LoadSyncablesByQuery(ctx context.Context, group string, query interfaces.Query) ([]*syncable.Syncable, error) {
	if s.closed.Load() {
		return nil, interfaces.ErrStoreClosed
	}

	stmt := `SELECT document FROM syncables WHERE group_id = ?`
	args := []any{group}
	if len(query.Types) > 0 {
		stmt += ` AND type IN (?` + strings.Repeat(`, ?`, len(query.Types)-1) + `)`
		for _, typ := range query.Types {
			args = append(args, typ)
		}
	}
	if query.MinClock > 0 {
		stmt += ` AND clock > ?`
		args = append(args, query.MinClock)
	}
	stmt += ` ORDER BY clock, type, id`
	if query.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, query.Limit)
	}

	return s.scan(ctx, s.dialect.bind(stmt), args...)
}

func (s *Store) LoadSyncablesByRefs(ctx context.Context, group string, refs []syncable.Ref) ([]*syncable.Syncable, error) {
	if s.closed.Load() {
		return nil, interfaces.ErrStoreClosed
	}

	stmt := s.dialect.bind(`SELECT document FROM syncables WHERE group_id = ? AND type = ? AND id = ?`)
	var out []*syncable.Syncable
	for _, ref := range refs {
		rows, err := s.scan(ctx, stmt, group, ref.Type, ref.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (s *Store) LoadRemovedRefs(ctx context.Context, group string) ([]syncable.Ref, error) {
	if s.closed.Load() {
		return nil, interfaces.ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.bind(`
		SELECT type, id FROM removed_syncables WHERE group_id = ? ORDER BY type, id`), group)
	if err != nil {
		return nil, fmt.Errorf("query removed syncables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []syncable.Ref
	for rows.Next() {
		var ref syncable.Ref
		if err = rows.Scan(&ref.Type, &ref.ID); err != nil {
			return nil, fmt.Errorf("scan removed syncable: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *Store) scan(ctx context.Context, stmt string, args ...any) ([]*syncable.Syncable, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query syncables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*syncable.Syncable
	for rows.Next() {
		var document string
		if err = rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("scan syncable: %w", err)
		}
		row := &syncable.Syncable{}
		if err = json.Unmarshal([]byte(document), row); err != nil {
			s.logger.Warn("skipping undecodable syncable", log.Error(err))
			continue
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// Sequencer keeps group clocks in the group_clocks table. Every value is
// committed before it is handed out, so restarts never reuse one.
type Sequencer struct {
	db      *sql.DB
	dialect Dialect
	closed  atomic.Bool
}

// NewSequencer shares db with a Store; closing the sequencer leaves db open.
func NewSequencer(db *sql.DB, dialect Dialect) *Sequencer {
	return &Sequencer{db: db, dialect: dialect}
}

func (s *Sequencer) Next(ctx context.Context, group string) (int64, error) {
	if s.closed.Load() {
		return 0, interfaces.ErrSequencerClosed
	}
	var clock int64
	err := s.db.QueryRowContext(ctx, s.dialect.bind(`
		INSERT INTO group_clocks (group_id, clock) VALUES (?, 1)
		ON CONFLICT (group_id) DO UPDATE SET clock = group_clocks.clock + 1
		RETURNING clock`), group).Scan(&clock)
	if err != nil {
		return 0, fmt.Errorf("next clock: %w", err)
	}
	return clock, nil
}

func (s *Sequencer) Current(ctx context.Context, group string) (int64, error) {
	if s.closed.Load() {
		return 0, interfaces.ErrSequencerClosed
	}
	var clock int64
	err := s.db.QueryRowContext(ctx, s.dialect.bind(`SELECT clock FROM group_clocks WHERE group_id = ?`), group).Scan(&clock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("current clock: %w", err)
	}
	return clock, nil
}

func (s *Sequencer) Observe(ctx context.Context, group string, clock int64) error {
	if s.closed.Load() {
		return interfaces.ErrSequencerClosed
	}
	_, err := s.db.ExecContext(ctx, s.dialect.bind(`
		INSERT INTO group_clocks (group_id, clock) VALUES (?, ?)
		ON CONFLICT (group_id) DO UPDATE SET clock = CASE
			WHEN group_clocks.clock < excluded.clock THEN excluded.clock
			ELSE group_clocks.clock END`), group, clock)
	if err != nil {
		return fmt.Errorf("observe clock: %w", err)
	}
	return nil
}

func (s *Sequencer) Close() error {
	s.closed.Store(true)
	return nil
}
