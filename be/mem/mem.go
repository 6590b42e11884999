// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package mem implements an in-memory block engine, mainly for tests
// and tooling.
package mem

import (
	"fmt"
	"sync"

	"github.com/dacapoday/bruce"
)

// Store keeps every page in a map keyed by content address. It is safe
// for concurrent use by multiple goroutines.
type Store struct {
	rw        sync.RWMutex
	blocks    map[bruce.NodeID][]byte
	blockSize uint32
	queueSize uint32
}

var _ bruce.BlockStore = (*Store)(nil)

// New returns an empty store with the given page and edit-queue
// budgets.
func New(blockSize, queueSize uint32) *Store {
	return &Store{
		blocks:    make(map[bruce.NodeID][]byte),
		blockSize: blockSize,
		queueSize: queueSize,
	}
}

// BlockCount returns the number of stored pages.
func (s *Store) BlockCount() int {
	s.rw.RLock()
	defer s.rw.RUnlock()
	return len(s.blocks)
}

func (s *Store) ID(page []byte) bruce.NodeID {
	return bruce.Digest(page)
}

func (s *Store) Get(id bruce.NodeID) ([]byte, error) {
	s.rw.RLock()
	page, ok := s.blocks[id]
	s.rw.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", bruce.ErrNotFound, id)
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
	s.rw.Lock()
	defer s.rw.Unlock()
	for i := range blocks {
		if uint32(len(blocks[i].Page)) > s.blockSize {
			blocks[i].FailureReason = fmt.Sprintf("block too large: %d > %d",
				len(blocks[i].Page), s.blockSize)
			continue
		}
		s.blocks[blocks[i].ID] = blocks[i].Page
		blocks[i].Success = true
	}
	return nil
}

func (s *Store) DelAll(dels []bruce.DelBlock) error {
	s.rw.Lock()
	defer s.rw.Unlock()
	for i := range dels {
		if _, ok := s.blocks[dels[i].ID]; ok {
			delete(s.blocks, dels[i].ID)
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

// Register adds the mem:// engine to the registry. The location part
// of the spec is ignored.
func Register() {
	bruce.Register("mem", func(_ string, blockSize, queueSize uint32, _ bruce.Options) (bruce.BlockStore, error) {
		return New(blockSize, queueSize), nil
	})
}
