// Package bolt keeps group clocks in a bbolt file so they survive restarts
// of servers whose syncables live elsewhere.
package bolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/zeusync/syncplant/internal/core/storage/interfaces"
)

var bucketClocks = []byte("clocks")

var _ interfaces.Sequencer = (*Sequencer)(nil)

type Sequencer struct {
	db *bbolt.DB
}

func Open(path string) (*Sequencer, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketClocks)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return &Sequencer{db: db}, nil
}

func encode(clock int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(clock))
	return buf
}

func decode(buf []byte) int64 {
	if len(buf) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf))
}

func (s *Sequencer) update(fn func(b *bbolt.Bucket) error) error {
	if s.db == nil {
		return interfaces.ErrSequencerClosed
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(bucketClocks))
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return interfaces.ErrSequencerClosed
	}
	return err
}

func (s *Sequencer) Next(_ context.Context, group string) (int64, error) {
	var clock int64
	err := s.update(func(b *bbolt.Bucket) error {
		clock = decode(b.Get([]byte(group))) + 1
		return b.Put([]byte(group), encode(clock))
	})
	if err != nil {
		return 0, err
	}
	return clock, nil
}

func (s *Sequencer) Current(_ context.Context, group string) (int64, error) {
	if s.db == nil {
		return 0, interfaces.ErrSequencerClosed
	}
	var clock int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		clock = decode(tx.Bucket(bucketClocks).Get([]byte(group)))
		return nil
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return 0, interfaces.ErrSequencerClosed
	}
	return clock, err
}

func (s *Sequencer) Observe(_ context.Context, group string, clock int64) error {
	return s.update(func(b *bbolt.Bucket) error {
		if decode(b.Get([]byte(group))) >= clock {
			return nil
		}
		return b.Put([]byte(group), encode(clock))
	})
}

func (s *Sequencer) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
