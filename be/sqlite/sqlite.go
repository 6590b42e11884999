// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements a block engine storing pages in a single
// SQLite database file, for durable single-file storage without an
// object store.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/dacapoday/bruce"
	"github.com/dacapoday/bruce/cache"

	_ "modernc.org/sqlite"
)

// Store keeps pages in a blocks(id, page) table.
type Store struct {
	db        *sql.DB
	blockSize uint32
	queueSize uint32
}

var _ bruce.BlockStore = (*Store)(nil)

// New opens (creating if needed) the database at path.
func New(path string, blockSize, queueSize uint32) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bruce.ErrBlockEngine, err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS blocks (
		id   BLOB PRIMARY KEY,
		page BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", bruce.ErrBlockEngine, err)
	}
	return &Store{db: db, blockSize: blockSize, queueSize: queueSize}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ID(page []byte) bruce.NodeID {
	return bruce.Digest(page)
}

func (s *Store) Get(id bruce.NodeID) ([]byte, error) {
	var page []byte
	err := s.db.QueryRow(`SELECT page FROM blocks WHERE id = ?`, id[:]).Scan(&page)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", bruce.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bruce.ErrBlockEngine, err)
	}
	return page, nil
}

func (s *Store) GetAll(ids []bruce.NodeID) map[bruce.NodeID]bruce.GetResult {
	result := make(map[bruce.NodeID]bruce.GetResult, len(ids))
	for _, id := range ids {
		page, err := s.Get(id)
		result[id] = bruce.GetResult{Page: page, Err: err}
	}
	return result
}

func (s *Store) PutAll(blocks []bruce.PutBlock) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", bruce.ErrBlockEngine, err)
	}
	for i := range blocks {
		if uint32(len(blocks[i].Page)) > s.blockSize {
			blocks[i].FailureReason = fmt.Sprintf("block too large: %d > %d",
				len(blocks[i].Page), s.blockSize)
			continue
		}
		_, err := tx.Exec(`INSERT OR REPLACE INTO blocks (id, page) VALUES (?, ?)`,
			blocks[i].ID[:], blocks[i].Page)
		if err != nil {
			blocks[i].FailureReason = err.Error()
			continue
		}
		blocks[i].Success = true
	}
	if err := tx.Commit(); err != nil {
		for i := range blocks {
			blocks[i].Success = false
		}
		return fmt.Errorf("%w: %v", bruce.ErrBlockEngine, err)
	}
	return nil
}

func (s *Store) DelAll(dels []bruce.DelBlock) error {
	for i := range dels {
		res, err := s.db.Exec(`DELETE FROM blocks WHERE id = ?`, dels[i].ID[:])
		if err != nil {
			continue
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			dels[i].Success = true
		}
	}
	return nil
}

func (s *Store) MaxBlockSize() uint32 {
	return s.blockSize
}

func (s *Store) EditQueueSize() uint32 {
	return s.queueSize
}

// Register adds the sqlite:// engine to the registry. The location is
// the database path; the cache option (default 100 MiB, 0 disables)
// fronts the store with an LRU.
func Register() {
	bruce.Register("sqlite", func(location string, blockSize, queueSize uint32, opts bruce.Options) (bruce.BlockStore, error) {
		store, err := New(location, blockSize, queueSize)
		if err != nil {
			return nil, err
		}
		cacheSize, err := opts.Uint("cache", bruce.DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		if cacheSize == 0 {
			return store, nil
		}
		return cache.New(store, cacheSize), nil
	})
}
