package bptree

import "github.com/dacapoday/bruce"

var (
	ErrNotFound        = bruce.ErrNotFound
	ErrCorruptPage     = bruce.ErrCorruptPage
	ErrOversizedEntry  = bruce.ErrOversizedEntry
	ErrFrozenTree      = bruce.ErrFrozenTree
	ErrInvalidIterator = bruce.ErrInvalidIterator
)
