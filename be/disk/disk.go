// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package disk implements a block engine with one file per page under
// a directory, named by the page's hex id. Pages are verified against
// their digest when read.
package disk

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/dacapoday/bruce"
	"github.com/dacapoday/bruce/cache"
)

// Store keeps pages as files. A zero block size makes the store
// read-only.
type Store struct {
	dir       string
	blockSize uint32
	queueSize uint32
}

var _ bruce.BlockStore = (*Store)(nil)

// New opens (creating if needed) the page directory.
func New(dir string, blockSize, queueSize uint32) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", bruce.ErrBlockEngine, err)
	}
	return &Store{dir: dir, blockSize: blockSize, queueSize: queueSize}, nil
}

func (s *Store) path(id bruce.NodeID) string {
	return filepath.Join(s.dir, id.String())
}

func (s *Store) ID(page []byte) bruce.NodeID {
	return bruce.Digest(page)
}

func (s *Store) Get(id bruce.NodeID) ([]byte, error) {
	page, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", bruce.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bruce.ErrBlockEngine, err)
	}
	if bruce.Digest(page) != id {
		return nil, fmt.Errorf("%w: %s does not match its digest", bruce.ErrCorruptPage, id)
	}
	return page, nil
}

func (s *Store) GetAll(ids []bruce.NodeID) map[bruce.NodeID]bruce.GetResult {
	result := make(map[bruce.NodeID]bruce.GetResult, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id bruce.NodeID) {
			defer wg.Done()
			page, err := s.Get(id)
			mu.Lock()
			result[id] = bruce.GetResult{Page: page, Err: err}
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return result
}

func (s *Store) PutAll(blocks []bruce.PutBlock) error {
	if s.blockSize == 0 {
		return fmt.Errorf("%w: engine is read-only", bruce.ErrBlockEngine)
	}
	var wg sync.WaitGroup
	for i := range blocks {
		wg.Add(1)
		go func(b *bruce.PutBlock) {
			defer wg.Done()
			if uint32(len(b.Page)) > s.blockSize {
				b.FailureReason = fmt.Sprintf("block too large: %d > %d", len(b.Page), s.blockSize)
				return
			}
			// WriteFile reports short writes as errors.
			if err := os.WriteFile(s.path(b.ID), b.Page, 0o644); err != nil {
				b.FailureReason = err.Error()
				return
			}
			b.Success = true
		}(&blocks[i])
	}
	wg.Wait()
	return nil
}

func (s *Store) DelAll(dels []bruce.DelBlock) error {
	if s.blockSize == 0 {
		return fmt.Errorf("%w: engine is read-only", bruce.ErrBlockEngine)
	}
	for i := range dels {
		if err := os.Remove(s.path(dels[i].ID)); err == nil {
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

// Register adds the disk:// engine to the registry. The location is
// the page directory; the cache option (default 100 MiB, 0 disables)
// fronts the store with an LRU.
func Register() {
	bruce.Register("disk", func(location string, blockSize, queueSize uint32, opts bruce.Options) (bruce.BlockStore, error) {
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
