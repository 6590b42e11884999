// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package bptree

import (
	"sort"

	"github.com/dacapoday/bruce"
)

// The in-memory form of a page. Nodes are a tagged variant over the
// three kinds; code switches on the concrete type.
type node interface {
	// itemCount is the number of items in this node and below,
	// including the deltas of any guaranteed pending edits.
	itemCount() uint32

	minKey() []byte
}

type nodeKind uint16

const (
	kindLeaf     nodeKind = 0
	kindInternal nodeKind = 1
	kindOverflow nodeKind = 2
)

type kvPair struct {
	key, value []byte
}

// overflowRef points at the head of an overflow chain. The node field
// is populated only while the chain is in memory; write clears it when
// a content id is assigned.
type overflowRef struct {
	count uint32
	id    bruce.NodeID
	node  *overflowNode
}

func (o *overflowRef) empty() bool {
	return o.count == 0
}

// leafNode is an ordered multimap of key-value pairs. Values past the
// page budget that share the final key live in the overflow chain.
type leafNode struct {
	pairs    []kvPair
	overflow overflowRef
	elemSize int // Σ key+value bytes, kept incrementally
}

func (n *leafNode) itemCount() uint32 {
	return uint32(len(n.pairs)) + n.overflow.count
}

func (n *leafNode) minKey() []byte {
	if len(n.pairs) > 0 {
		return n.pairs[0].key
	}
	return nil
}

func (n *leafNode) maxKey() []byte {
	if len(n.pairs) > 0 {
		return n.pairs[len(n.pairs)-1].key
	}
	return nil
}

func (n *leafNode) insertAt(i int, p kvPair) {
	n.pairs = append(n.pairs, kvPair{})
	copy(n.pairs[i+1:], n.pairs[i:])
	n.pairs[i] = p
	n.elemSize += len(p.key) + len(p.value)
}

func (n *leafNode) removeAt(i int) {
	n.elemSize -= len(n.pairs[i].key) + len(n.pairs[i].value)
	n.pairs = append(n.pairs[:i], n.pairs[i+1:]...)
}

func (n *leafNode) updateValue(i int, value []byte) {
	n.elemSize += len(value) - len(n.pairs[i].value)
	n.pairs[i].value = value
}

func newLeaf(pairs []kvPair) *leafNode {
	n := &leafNode{pairs: pairs}
	for _, p := range pairs {
		n.elemSize += len(p.key) + len(p.value)
	}
	return n
}

// searchFirst returns the index of the first pair whose key is >= key.
func (n *leafNode) searchFirst(fns bruce.Funcs, key []byte) int {
	return sort.Search(len(n.pairs), func(i int) bool {
		return !keyLess(fns, n.pairs[i].key, key)
	})
}

// searchInsert returns the rightmost insertion index for key, so that
// duplicates land after existing equal keys.
func (n *leafNode) searchInsert(fns bruce.Funcs, key []byte) int {
	return sort.Search(len(n.pairs), func(i int) bool {
		return keyLess(fns, key, n.pairs[i].key)
	})
}

// overflowNode holds values that all share the final key of some leaf.
type overflowNode struct {
	values [][]byte
	next   overflowRef
}

func (n *overflowNode) itemCount() uint32 {
	return uint32(len(n.values)) + n.next.count
}

func (n *overflowNode) minKey() []byte {
	if len(n.values) > 0 {
		return n.values[0]
	}
	return nil
}

func (n *overflowNode) valueSize() (size int) {
	for _, v := range n.values {
		size += len(v)
	}
	return
}

// branch is one child reference of an internal node. sepKey is empty
// for branch 0 (negative infinity). The child field is populated only
// while the subtree is in memory; write clears it when a content id is
// assigned.
type branch struct {
	sepKey    []byte
	id        bruce.NodeID
	itemCount uint32
	child     node
}

type internalNode struct {
	branches []branch
	edits    []pendingEdit
}

func (n *internalNode) itemCount() (count uint32) {
	for i := range n.branches {
		count += n.branches[i].itemCount
	}
	for i := range n.edits {
		if n.edits[i].guaranteed {
			count = uint32(int64(count) + int64(n.edits[i].delta()))
		}
	}
	return
}

func (n *internalNode) minKey() []byte {
	if len(n.branches) > 0 {
		return n.branches[0].sepKey
	}
	return nil
}

func (n *internalNode) insertAt(i int, b branch) {
	n.branches = append(n.branches, branch{})
	copy(n.branches[i+1:], n.branches[i:])
	n.branches[i] = b
}

func (n *internalNode) removeAt(i int) {
	n.branches = append(n.branches[:i], n.branches[i+1:]...)
	if i == 0 && len(n.branches) > 0 {
		n.branches[0].sepKey = nil
	}
}

// searchBranch returns the branch index whose subtree covers key:
// the last branch whose separator is not greater than key.
func (n *internalNode) searchBranch(fns bruce.Funcs, key []byte) int {
	i := sort.Search(len(n.branches), func(i int) bool {
		return !keyLess(fns, n.branches[i].sepKey, key)
	})
	if i == len(n.branches) {
		return i - 1
	}
	if len(n.branches[i].sepKey) == 0 {
		return i
	}
	if i > 0 && fns.KeyCompare(n.branches[i].sepKey, key) != 0 {
		i--
	}
	return i
}

// keyLess orders keys with the empty key below everything else
// (the negative-infinity separator).
func keyLess(fns bruce.Funcs, a, b []byte) bool {
	if len(a) == 0 {
		return len(b) != 0
	}
	if len(b) == 0 {
		return false
	}
	return fns.KeyCompare(a, b) < 0
}

func keyEqual(fns bruce.Funcs, a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	return fns.KeyCompare(a, b) == 0
}
