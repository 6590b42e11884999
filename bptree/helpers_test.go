// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package bptree

import (
	"encoding/binary"
	"testing"

	"github.com/dacapoday/bruce"
	"github.com/dacapoday/bruce/be/mem"
	"github.com/stretchr/testify/require"
)

// Fixed-width uint32 keys and values, little-endian.

func num(v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return buf[:]
}

func numOf(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func numCompare(a, b []byte) int {
	av, bv := numOf(a), numOf(b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	}
	return 0
}

var intFuncs = bruce.Funcs{
	KeyCompare: numCompare,
	ValCompare: numCompare,
	KeySize:    func([]byte) uint32 { return 4 },
	ValSize:    func([]byte) uint32 { return 4 },
}

// Single-byte keys with 9-byte values, for squeezing deep trees into
// tiny blocks.

func tiny(v byte) []byte { return []byte{v} }

func wide(v byte) []byte {
	buf := make([]byte, 9)
	buf[0] = v
	return buf
}

var tinyFuncs = bruce.Funcs{
	KeyCompare: func(a, b []byte) int { return int(a[0]) - int(b[0]) },
	ValCompare: func(a, b []byte) int { return int(a[0]) - int(b[0]) },
	KeySize:    func([]byte) uint32 { return 1 },
	ValSize:    func([]byte) uint32 { return 9 },
}

// Builders for setting up on-disk trees.

func putNode(t *testing.T, store *mem.Store, n node) bruce.NodeID {
	t.Helper()
	page, err := serializeNode(n)
	require.NoError(t, err)
	puts := []bruce.PutBlock{{ID: store.ID(page), Page: page}}
	require.NoError(t, store.PutAll(puts))
	require.True(t, puts[0].Success, puts[0].FailureReason)
	return puts[0].ID
}

func leafOf(kvs ...uint32) *leafNode {
	leaf := &leafNode{}
	for i := 0; i+1 < len(kvs); i += 2 {
		leaf.insertAt(len(leaf.pairs), kvPair{num(kvs[i]), num(kvs[i+1])})
	}
	return leaf
}

func overflowOf(values ...uint32) *overflowNode {
	ovf := &overflowNode{}
	for _, v := range values {
		ovf.values = append(ovf.values, num(v))
	}
	return ovf
}

func chained(t *testing.T, store *mem.Store, leaf *leafNode, nodes ...*overflowNode) *leafNode {
	t.Helper()
	ref := overflowRef{}
	for i := len(nodes) - 1; i >= 0; i-- {
		nodes[i].next = ref
		ref = overflowRef{count: nodes[i].itemCount(), id: putNode(t, store, nodes[i])}
	}
	leaf.overflow = ref
	return leaf
}

// internalOf stores the given children and wires an internal node over
// them, using each child's minimum key as separator.
func internalOf(t *testing.T, store *mem.Store, children ...node) *internalNode {
	t.Helper()
	n := &internalNode{}
	for i, child := range children {
		b := branch{id: putNode(t, store, child), itemCount: child.itemCount()}
		if i > 0 {
			b.sepKey = append([]byte(nil), child.minKey()...)
		}
		n.branches = append(n.branches, b)
	}
	return n
}

func withEdits(n *internalNode, edits ...pendingEdit) *internalNode {
	n.edits = append(n.edits, edits...)
	return n
}

func loadLeaf(t *testing.T, store *mem.Store, id bruce.NodeID, fns bruce.Funcs) *leafNode {
	t.Helper()
	page, err := store.Get(id)
	require.NoError(t, err)
	n, err := parseNode(page, fns)
	require.NoError(t, err)
	leaf, ok := n.(*leafNode)
	require.True(t, ok, "expected a leaf node")
	return leaf
}

func loadInternal(t *testing.T, store *mem.Store, id bruce.NodeID, fns bruce.Funcs) *internalNode {
	t.Helper()
	page, err := store.Get(id)
	require.NoError(t, err)
	n, err := parseNode(page, fns)
	require.NoError(t, err)
	internal, ok := n.(*internalNode)
	require.True(t, ok, "expected an internal node")
	return internal
}

// scan walks the whole tree collecting (key, value, rank) triples.
func scan(t *testing.T, query *QueryTree) (keys, values []uint32, ranks []uint32) {
	t.Helper()
	it, err := query.Begin()
	require.NoError(t, err)
	for it.Valid() {
		keys = append(keys, numOf(it.Key()))
		values = append(values, numOf(it.Value()))
		ranks = append(ranks, it.Rank())
		require.NoError(t, it.Next())
	}
	return
}
