// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package bptree

type editKind uint8

const (
	editInsert editKind = iota
	editUpsert
	editRemoveKey
	editRemoveKeyValue
)

// pendingEdit is a buffered mutation carried on an internal node and
// pushed down lazily. A guaranteed edit is one whose precondition the
// caller asserts, so it may adjust item counts before being applied.
type pendingEdit struct {
	kind       editKind
	key        []byte
	value      []byte
	guaranteed bool
}

// hasValue reports whether the wire form of the edit carries a value.
func (e *pendingEdit) hasValue() bool {
	switch e.kind {
	case editInsert, editUpsert, editRemoveKeyValue:
		return true
	}
	return false
}

// delta is the item count adjustment of the edit, valid for counting
// only when the edit is guaranteed: an insert adds one, an upsert
// replaces in place, the removals take exactly one match away.
func (e *pendingEdit) delta() int {
	switch e.kind {
	case editInsert:
		return 1
	case editRemoveKey, editRemoveKeyValue:
		return -1
	}
	return 0
}

func (e *pendingEdit) wireSize() int {
	size := 1 + len(e.key) + 1 // kind, key, guaranteed
	if e.hasValue() {
		size += len(e.value)
	}
	return size
}

func editQueueSize(edits []pendingEdit) (size int) {
	for i := range edits {
		size += edits[i].wireSize()
	}
	return
}
