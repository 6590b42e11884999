// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package bptree

import (
	"testing"

	"github.com/dacapoday/bruce"
	"github.com/dacapoday/bruce/be/mem"
	"github.com/stretchr/testify/require"
)

func TestWriteSingleLeaf(t *testing.T) {
	store := mem.New(1024, 0)
	edit := NewEditTree(store, bruce.NodeID{}, intFuncs)
	require.NoError(t, edit.Insert(num(1), num(1)))
	require.NoError(t, edit.Insert(num(2), num(2)))

	mut, err := edit.Write()
	require.NoError(t, err)
	require.True(t, mut.Success)
	require.Len(t, mut.Created, 1)
	require.Empty(t, mut.Obsolete)

	leaf := loadLeaf(t, store, mut.NewRoot, intFuncs)
	require.Len(t, leaf.pairs, 2)
	require.EqualValues(t, 1, numOf(leaf.pairs[0].key))
	require.EqualValues(t, 2, numOf(leaf.pairs[1].key))
}

func TestManyInsertsSplitTheLeaf(t *testing.T) {
	store := mem.New(1024, 0)
	edit := NewEditTree(store, bruce.NodeID{}, intFuncs)
	for i := uint32(0); i < 140; i++ {
		require.NoError(t, edit.Insert(num(i), num(i)))
	}

	mut, err := edit.Write()
	require.NoError(t, err)
	require.True(t, mut.Success)
	require.Equal(t, 3, store.BlockCount())

	root := loadInternal(t, store, mut.NewRoot, intFuncs)
	require.Len(t, root.branches, 2)
	require.EqualValues(t, 140, root.itemCount())

	left := loadLeaf(t, store, root.branches[0].id, intFuncs)
	right := loadLeaf(t, store, root.branches[1].id, intFuncs)
	require.EqualValues(t, root.branches[0].itemCount, len(left.pairs))
	require.EqualValues(t, root.branches[1].itemCount, len(right.pairs))
	require.EqualValues(t, 140, left.itemCount()+right.itemCount())
}

func TestSplitIsKosher(t *testing.T) {
	store := mem.New(1024, 0)
	edit := NewEditTree(store, bruce.NodeID{}, intFuncs)
	for i := uint32(0); i < 128; i++ {
		require.NoError(t, edit.Insert(num(i), num(i)))
	}
	mut, err := edit.Write()
	require.NoError(t, err)

	root := loadInternal(t, store, mut.NewRoot, intFuncs)
	require.Len(t, root.branches, 2)
	splitKey := root.branches[1].sepKey

	left := loadLeaf(t, store, root.branches[0].id, intFuncs)
	right := loadLeaf(t, store, root.branches[1].id, intFuncs)
	for i, p := range left.pairs {
		require.Negative(t, numCompare(p.key, splitKey))
		if i > 0 {
			require.LessOrEqual(t, numCompare(left.pairs[i-1].key, p.key), 0)
		}
	}
	for _, p := range right.pairs {
		require.GreaterOrEqual(t, numCompare(p.key, splitKey), 0)
	}
}

func TestSameKeyInsertsBuildAnOverflowChain(t *testing.T) {
	store := mem.New(1024, 0)
	edit := NewEditTree(store, bruce.NodeID{}, intFuncs)
	for i := uint32(0); i < 300; i++ {
		require.NoError(t, edit.Insert(num(0), num(i)))
	}

	mut, err := edit.Write()
	require.NoError(t, err)
	require.True(t, mut.Success)
	require.Equal(t, 3, store.BlockCount(), "one leaf plus a two-node chain")

	leaf := loadLeaf(t, store, mut.NewRoot, intFuncs)
	require.Len(t, leaf.pairs, 1)
	require.EqualValues(t, 299, leaf.overflow.count)
	require.EqualValues(t, 300, leaf.itemCount())
}

func TestInsertThenRemoveLeavesEmptyLeaf(t *testing.T) {
	store := mem.New(1024, 0)
	edit := NewEditTree(store, bruce.NodeID{}, intFuncs)
	require.NoError(t, edit.Insert(num(1), num(2)))
	matched, err := edit.Remove(num(1), true)
	require.NoError(t, err)
	require.True(t, matched)

	mut, err := edit.Write()
	require.NoError(t, err)
	leaf := loadLeaf(t, store, mut.NewRoot, intFuncs)
	require.Empty(t, leaf.pairs)
}

func TestRemoveFromInternalAdjustsCounts(t *testing.T) {
	for _, key := range []uint32{40, 80} {
		store := mem.New(1024, 0)
		edit := NewEditTree(store, bruce.NodeID{}, intFuncs)
		for i := uint32(0); i < 128; i++ {
			require.NoError(t, edit.Insert(num(i), num(i)))
		}
		matched, err := edit.Remove(num(key), true)
		require.NoError(t, err)
		require.True(t, matched)

		mut, err := edit.Write()
		require.NoError(t, err)
		root := loadInternal(t, store, mut.NewRoot, intFuncs)
		require.EqualValues(t, 127, root.itemCount())
	}
}

func TestRemoveValueWithDuplicateKeys(t *testing.T) {
	build := func() (*mem.Store, *EditTree) {
		store := mem.New(1024, 0)
		edit := NewEditTree(store, bruce.NodeID{}, intFuncs)
		for i := uint32(0); i < 128; i++ {
			require.NoError(t, edit.Insert(num(2), num(i)))
		}
		return store, edit
	}

	t.Run("low value", func(t *testing.T) {
		store, edit := build()
		matched, err := edit.RemoveValue(num(2), num(40), true)
		require.NoError(t, err)
		require.True(t, matched)
		mut, err := edit.Write()
		require.NoError(t, err)
		require.EqualValues(t, 127, loadLeaf(t, store, mut.NewRoot, intFuncs).itemCount())
	})

	t.Run("high value", func(t *testing.T) {
		store, edit := build()
		matched, err := edit.RemoveValue(num(2), num(80), true)
		require.NoError(t, err)
		require.True(t, matched)
		mut, err := edit.Write()
		require.NoError(t, err)
		require.EqualValues(t, 127, loadLeaf(t, store, mut.NewRoot, intFuncs).itemCount())
	})

	t.Run("absent value", func(t *testing.T) {
		store, edit := build()
		matched, err := edit.RemoveValue(num(2), num(130), false)
		require.NoError(t, err)
		require.False(t, matched)
		mut, err := edit.Write()
		require.NoError(t, err)
		require.EqualValues(t, 128, loadLeaf(t, store, mut.NewRoot, intFuncs).itemCount())
	})
}

func TestWriteNewPagesObsoletesOldOnes(t *testing.T) {
	store := mem.New(1024, 0)
	edit := NewEditTree(store, bruce.NodeID{}, intFuncs)
	for i := uint32(0); i < 128; i++ {
		require.NoError(t, edit.Insert(num(i), num(i)))
	}
	mut, err := edit.Write()
	require.NoError(t, err)
	require.Equal(t, 3, store.BlockCount())

	edit = NewEditTree(store, mut.NewRoot, intFuncs)
	require.NoError(t, edit.Insert(num(140), num(140)))
	mut, err = edit.Write()
	require.NoError(t, err)
	require.Equal(t, 5, store.BlockCount())
	require.Len(t, mut.Created, 2, "new root and the touched leaf")
	require.Len(t, mut.Obsolete, 2, "old root and the touched leaf")
}

func TestRemoveEmptiedBranch(t *testing.T) {
	store := mem.New(1024, 0)
	root := internalOf(t, store, leafOf(1, 1), leafOf(2, 2))
	rootID := putNode(t, store, root)

	edit := NewEditTree(store, rootID, intFuncs)
	matched, err := edit.Remove(num(1), true)
	require.NoError(t, err)
	require.True(t, matched)

	mut, err := edit.Write()
	require.NoError(t, err)
	require.True(t, mut.Success)
	require.Len(t, mut.Obsolete, 2, "old root and the emptied leaf")
	require.Len(t, mut.Created, 1, "only the new root")

	newRoot := loadInternal(t, store, mut.NewRoot, intFuncs)
	require.Len(t, newRoot.branches, 1)
	require.EqualValues(t, 1, newRoot.itemCount())
}

func TestUpserts(t *testing.T) {
	build := func() (*mem.Store, bruce.NodeID) {
		store := mem.New(1024, 0)
		root := internalOf(t, store, leafOf(1, 1), leafOf(3, 3))
		return store, putNode(t, store, root)
	}

	t.Run("becomes an update", func(t *testing.T) {
		store, rootID := build()
		edit := NewEditTree(store, rootID, intFuncs)
		require.NoError(t, edit.Upsert(num(1), num(2), true))
		mut, err := edit.Write()
		require.NoError(t, err)

		query := NewQueryTree(store, mut.NewRoot, intFuncs)
		it, err := query.Find(num(1))
		require.NoError(t, err)
		require.EqualValues(t, 2, numOf(it.Value()))

		it, err = query.Find(num(3))
		require.NoError(t, err)
		require.EqualValues(t, 1, it.Rank())

		it, err = query.Seek(1)
		require.NoError(t, err)
		require.EqualValues(t, 3, numOf(it.Key()))
	})

	t.Run("becomes an insert", func(t *testing.T) {
		store, rootID := build()
		edit := NewEditTree(store, rootID, intFuncs)
		require.NoError(t, edit.Upsert(num(2), num(2), true))
		mut, err := edit.Write()
		require.NoError(t, err)

		query := NewQueryTree(store, mut.NewRoot, intFuncs)
		for _, want := range []uint32{1, 2} {
			value, err := query.Get(num(want))
			require.NoError(t, err)
			if want == 1 {
				require.EqualValues(t, 1, numOf(value))
			} else {
				require.EqualValues(t, 2, numOf(value))
			}
		}

		it, err := query.Find(num(3))
		require.NoError(t, err)
		require.EqualValues(t, 2, it.Rank())

		it, err = query.Seek(2)
		require.NoError(t, err)
		require.EqualValues(t, 3, numOf(it.Key()))
	})
}

func TestInsertAfterOverflowChainPullsItBack(t *testing.T) {
	store := mem.New(1024, 0)
	leaf := chained(t, store, leafOf(1, 1, 3, 3), overflowOf(4, 5))
	rootID := putNode(t, store, leaf)

	edit := NewEditTree(store, rootID, intFuncs)
	require.NoError(t, edit.Insert(num(4), num(4)))
	mut, err := edit.Write()
	require.NoError(t, err)

	root := loadLeaf(t, store, mut.NewRoot, intFuncs)
	require.Len(t, root.pairs, 5)
	require.True(t, root.overflow.empty())

	// Keys stay ordered: 1, 3, 3, 3, 4.
	want := []uint32{1, 3, 3, 3, 4}
	for i, p := range root.pairs {
		require.EqualValues(t, want[i], numOf(p.key))
	}
}

func TestDeepSplitBuildsTwoInternalLevels(t *testing.T) {
	// bs=60: a leaf holds three one-byte-key pairs with nine-byte
	// values, and an internal node holds two branches at most. The
	// root leaf carries two pairs and a five-value chain; one more key
	// forces the chain back in and the whole tree two levels up.
	store := mem.New(60, 0)
	leaf := &leafNode{}
	leaf.insertAt(0, kvPair{tiny(1), wide(1)})
	leaf.insertAt(1, kvPair{tiny(2), wide(2)})
	chain1 := &overflowNode{values: [][]byte{wide(10), wide(11), wide(12)}}
	chain2 := &overflowNode{values: [][]byte{wide(13), wide(14)}}
	chain2page, err := serializeNode(chain2)
	require.NoError(t, err)
	chain1.next = overflowRef{count: 2, id: store.ID(chain2page)}
	chain1page, err := serializeNode(chain1)
	require.NoError(t, err)
	leaf.overflow = overflowRef{count: 5, id: store.ID(chain1page)}
	leafPage, err := serializeNode(leaf)
	require.NoError(t, err)
	puts := []bruce.PutBlock{
		{ID: store.ID(chain2page), Page: chain2page},
		{ID: store.ID(chain1page), Page: chain1page},
		{ID: store.ID(leafPage), Page: leafPage},
	}
	require.NoError(t, store.PutAll(puts))

	edit := NewEditTree(store, store.ID(leafPage), tinyFuncs)
	require.NoError(t, edit.Insert(tiny(3), wide(3)))
	mut, err := edit.Write()
	require.NoError(t, err)
	require.True(t, mut.Success, mut.FailureReason)

	rootPage, err := store.Get(mut.NewRoot)
	require.NoError(t, err)
	root, err := parseNode(rootPage, tinyFuncs)
	require.NoError(t, err)
	rootInternal, ok := root.(*internalNode)
	require.True(t, ok, "root must be internal")
	require.Len(t, rootInternal.branches, 2)

	for _, b := range rootInternal.branches {
		page, err := store.Get(b.id)
		require.NoError(t, err)
		child, err := parseNode(page, tinyFuncs)
		require.NoError(t, err)
		_, ok := child.(*internalNode)
		require.True(t, ok, "both children must be internal")
	}
	require.EqualValues(t, 8, rootInternal.itemCount())
}

func TestFrozenAfterWrite(t *testing.T) {
	store := mem.New(1024, 0)
	edit := NewEditTree(store, bruce.NodeID{}, intFuncs)
	require.NoError(t, edit.Insert(num(1), num(1)))
	_, err := edit.Write()
	require.NoError(t, err)

	require.ErrorIs(t, edit.Insert(num(2), num(2)), ErrFrozenTree)
	_, err = edit.Write()
	require.ErrorIs(t, err, ErrFrozenTree)
}

func TestOversizedEntryRejected(t *testing.T) {
	store := mem.New(64, 0)
	edit := NewEditTree(store, bruce.NodeID{}, intFuncs)
	err := edit.Insert(make([]byte, 40), make([]byte, 40))
	require.ErrorIs(t, err, ErrOversizedEntry)

	// The tree is untouched; writing yields no changes.
	mut, err := edit.Write()
	require.NoError(t, err)
	require.True(t, mut.Success)
	require.Empty(t, mut.Created)
}

func TestNoEmittedPageExceedsBlockSize(t *testing.T) {
	store := mem.New(256, 0)
	edit := NewEditTree(store, bruce.NodeID{}, intFuncs)
	for i := uint32(0); i < 500; i++ {
		require.NoError(t, edit.Insert(num(i%37), num(i)))
	}
	mut, err := edit.Write()
	require.NoError(t, err)
	require.True(t, mut.Success, mut.FailureReason)

	for _, id := range mut.Created {
		page, err := store.Get(id)
		require.NoError(t, err)
		require.LessOrEqual(t, len(page), 256)
	}

	// And the committed tree scans in order with consistent ranks.
	query := NewQueryTree(store, mut.NewRoot, intFuncs)
	keys, _, ranks := scan(t, query)
	require.Len(t, keys, 500)
	for i := 1; i < len(keys); i++ {
		require.LessOrEqual(t, keys[i-1], keys[i])
		require.EqualValues(t, i, ranks[i])
	}
}
