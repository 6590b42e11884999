package bruce

import "errors"

var (
	ErrNotFound        = errors.New("block not found")
	ErrBlockEngine     = errors.New("block engine failure")
	ErrOversizedEntry  = errors.New("entry exceeds max block size")
	ErrCorruptPage     = errors.New("corrupt page")
	ErrFrozenTree      = errors.New("tree already written")
	ErrInvalidIterator = errors.New("invalid iterator")
	ErrFactory         = errors.New("bad block engine spec")
)
