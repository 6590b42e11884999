// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package bptree

import (
	"sort"

	"github.com/dacapoday/bruce"
)

// QueryTree is the read front-end of one tree version. It folds the
// pending-edit queues found on internal nodes into every result, and
// accepts speculative edits of its own that affect the in-memory view
// only and are never written.
//
// A QueryTree is not safe for concurrent use.
type QueryTree struct {
	tree
	edits editList
	seq   int
}

// NewQueryTree opens the tree version rooted at rootID for reading.
func NewQueryTree(store bruce.BlockStore, rootID bruce.NodeID, fns bruce.Funcs) *QueryTree {
	t := &QueryTree{}
	t.store = store
	t.fns = fns
	t.rootID = rootID
	return t
}

// queuedEdit is a pending edit gathered on the query path. depth is
// the level of the internal node whose on-disk queue carried it, or -1
// for an edit queued by the caller. Deeper queues predate shallower
// ones (push-down appends parent edits behind child ones), and caller
// edits come last.
type queuedEdit struct {
	pendingEdit
	depth int
	seq   int
}

type editList []queuedEdit

// fold moves the on-disk queue of an internal node at the given depth
// into the tree-wide edit list.
func (t *QueryTree) fold(n *internalNode, depth int) {
	for _, e := range n.edits {
		t.edits = append(t.edits, queuedEdit{e, depth, t.seq})
		t.seq++
	}
	n.edits = nil
}

func (t *QueryTree) addEdit(e pendingEdit) {
	e.key = t.pool.copy(e.key)
	e.value = t.pool.copy(e.value)
	t.edits = append(t.edits, queuedEdit{e, -1, t.seq})
	t.seq++
}

// QueueInsert adds an insert to the in-memory view. An insert always
// applies, so it is queued as a guaranteed edit.
func (t *QueryTree) QueueInsert(key, value []byte) {
	t.addEdit(pendingEdit{kind: editInsert, key: key, value: value, guaranteed: true})
}

// QueueUpsert adds a speculative upsert to the in-memory view.
func (t *QueryTree) QueueUpsert(key, value []byte, guaranteed bool) {
	t.addEdit(pendingEdit{kind: editUpsert, key: key, value: value, guaranteed: guaranteed})
}

// QueueRemove adds a speculative key removal to the in-memory view.
func (t *QueryTree) QueueRemove(key []byte, guaranteed bool) {
	t.addEdit(pendingEdit{kind: editRemoveKey, key: key, guaranteed: guaranteed})
}

// QueueRemoveValue adds a speculative pair removal to the in-memory
// view.
func (t *QueryTree) QueueRemoveValue(key, value []byte, guaranteed bool) {
	t.addEdit(pendingEdit{kind: editRemoveKeyValue, key: key, value: value, guaranteed: guaranteed})
}

func (l editList) index(fns bruce.Funcs, lo, hi []byte) (idx []int) {
	for i := range l {
		if inRange(fns, l[i].key, lo, hi) {
			idx = append(idx, i)
		}
	}
	return
}

func (l editList) any(fns bruce.Funcs, lo, hi []byte) bool {
	for i := range l {
		if inRange(fns, l[i].key, lo, hi) {
			return true
		}
	}
	return false
}

func (l editList) hasSpeculative(fns bruce.Funcs, lo, hi []byte) bool {
	for i := range l {
		if !l[i].guaranteed && inRange(fns, l[i].key, lo, hi) {
			return true
		}
	}
	return false
}

// guaranteedDelta is the net item-count adjustment of the guaranteed
// edits in [lo,hi) that are not yet reflected in the branch counts at
// the given level: queues at the level or above it, and caller edits.
func (l editList) guaranteedDelta(fns bruce.Funcs, lo, hi []byte, level int) (delta int) {
	for i := range l {
		if l[i].guaranteed && l[i].depth <= level && inRange(fns, l[i].key, lo, hi) {
			delta += l[i].delta()
		}
	}
	return
}

// take removes and returns the edits in [lo,hi), in application order.
func (l *editList) take(fns bruce.Funcs, lo, hi []byte) []queuedEdit {
	idx := l.index(fns, lo, hi)
	if len(idx) == 0 {
		return nil
	}
	taken := make([]queuedEdit, 0, len(idx))
	keep := (*l)[:0:0]
	j := 0
	for i := range *l {
		if j < len(idx) && idx[j] == i {
			taken = append(taken, (*l)[i])
			j++
		} else {
			keep = append(keep, (*l)[i])
		}
	}
	*l = keep
	sort.SliceStable(taken, func(a, b int) bool {
		if taken[a].depth != taken[b].depth {
			return taken[a].depth > taken[b].depth
		}
		return taken[a].seq < taken[b].seq
	})
	return taken
}

// fork is one step of a root-to-leaf traversal path: the node, the
// position within it, and the key range its subtree covers.
type fork struct {
	node   node
	index  int
	lo, hi []byte
}

func forkBranchBounds(f *fork, n *internalNode, i int) (lo, hi []byte) {
	lo, hi = branchRange(n, i)
	if lo == nil {
		lo = f.lo
	}
	if hi == nil {
		hi = f.hi
	}
	return
}

func (t *QueryTree) queryRoot() (node, error) {
	fresh := t.root == nil
	root, err := t.loadRoot()
	if err != nil {
		return nil, err
	}
	if fresh {
		if n, ok := root.(*internalNode); ok {
			t.fold(n, 0)
		}
	}
	if leaf, ok := root.(*leafNode); ok {
		// A root-only tree has no descent to fold edits on.
		if _, err := t.applyRange(leaf, nil, nil); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// descend pushes the fork for branch i of the internal node on top of
// the path, folding a freshly loaded internal child's queue and
// applying the pending edits of a leaf child's key range.
func (t *QueryTree) descend(path *[]fork, i int) error {
	top := &(*path)[len(*path)-1]
	top.index = i
	n := top.node.(*internalNode)
	b := &n.branches[i]
	lo, hi := forkBranchBounds(top, n, i)

	fresh := b.child == nil
	child, err := t.child(b)
	if err != nil {
		return err
	}
	if fresh {
		if c, ok := child.(*internalNode); ok {
			t.fold(c, len(*path))
		}
	}

	*path = append(*path, fork{node: child, lo: lo, hi: hi})
	if leaf, ok := child.(*leafNode); ok {
		delta, err := t.applyRange(leaf, lo, hi)
		if err != nil {
			return err
		}
		if delta != 0 {
			bumpPath(*path, delta)
		}
	}
	return nil
}

// applyRange folds every pending edit of [lo,hi) into the leaf and
// returns the actual item-count change.
func (t *QueryTree) applyRange(leaf *leafNode, lo, hi []byte) (delta int, err error) {
	for _, e := range t.edits.take(t.fns, lo, hi) {
		before := int(leaf.itemCount())
		if _, err = t.applyLeafEdit(leaf, e.pendingEdit); err != nil {
			return
		}
		delta += int(leaf.itemCount()) - before
	}
	return
}

// bumpPath adjusts the branch counts along a traversal path after
// edits were applied below it. The last fork is the node the edits
// landed in; every fork above it is an internal node whose taken
// branch leads there.
func bumpPath(path []fork, delta int) {
	for k := 0; k < len(path)-1; k++ {
		if n, ok := path[k].node.(*internalNode); ok {
			n.branches[path[k].index].itemCount =
				uint32(int(n.branches[path[k].index].itemCount) + delta)
		}
	}
}

// resolveSubtree applies every pending edit of [lo,hi) inside the
// subtree at b, loading the affected pages, and returns the net
// item-count change. depth is the level of the node b points to.
func (t *QueryTree) resolveSubtree(b *branch, depth int, lo, hi []byte) (int, error) {
	if !t.edits.any(t.fns, lo, hi) {
		return 0, nil
	}
	fresh := b.child == nil
	child, err := t.child(b)
	if err != nil {
		return 0, err
	}

	delta := 0
	switch child := child.(type) {
	case *leafNode:
		if delta, err = t.applyRange(child, lo, hi); err != nil {
			return 0, err
		}
	case *internalNode:
		if fresh {
			t.fold(child, depth)
		}
		for j := range child.branches {
			jlo, jhi := branchRange(child, j)
			if jlo == nil {
				jlo = lo
			}
			if jhi == nil {
				jhi = hi
			}
			d, err := t.resolveSubtree(&child.branches[j], depth+1, jlo, jhi)
			if err != nil {
				return 0, err
			}
			delta += d
		}
	}
	b.itemCount = uint32(int(b.itemCount) + delta)
	return delta, nil
}

// Get returns the first value stored under key, or nil when the key is
// absent.
func (t *QueryTree) Get(key []byte) ([]byte, error) {
	it, err := t.Find(key)
	if err != nil {
		return nil, err
	}
	if !it.Valid() || !keyEqual(t.fns, it.Key(), key) {
		return nil, nil
	}
	return it.Value(), nil
}

// Find returns an iterator positioned at the first pair matching key,
// or at its successor.
func (t *QueryTree) Find(key []byte) (*Iterator, error) {
	root, err := t.queryRoot()
	if err != nil {
		return nil, err
	}
	it := &Iterator{tree: t, path: []fork{{node: root}}}
	for {
		top := &it.path[len(it.path)-1]
		switch n := top.node.(type) {
		case *internalNode:
			if len(n.branches) == 0 {
				it.path = nil
				return it, nil
			}
			if err := t.descend(&it.path, n.searchBranch(t.fns, key)); err != nil {
				return nil, err
			}
		case *leafNode:
			top.index = n.searchFirst(t.fns, key)
			if top.index == len(n.pairs) {
				// The successor lies beyond this leaf; the chain, if
				// any, belongs to a smaller key.
				if err := it.skipToNextLeaf(); err != nil {
					return nil, err
				}
			}
			return it, nil
		default:
			it.path = nil
			return it, nil
		}
	}
}

// Begin returns an iterator at the first item of the tree.
func (t *QueryTree) Begin() (*Iterator, error) {
	root, err := t.queryRoot()
	if err != nil {
		return nil, err
	}
	it := &Iterator{tree: t, path: []fork{{node: root}}}
	for {
		top := &it.path[len(it.path)-1]
		switch n := top.node.(type) {
		case *internalNode:
			if len(n.branches) == 0 {
				it.path = nil
				return it, nil
			}
			if err := t.descend(&it.path, 0); err != nil {
				return nil, err
			}
		case *leafNode:
			top.index = 0
			if len(n.pairs) == 0 {
				if err := it.skipToNextLeaf(); err != nil {
					return nil, err
				}
			}
			return it, nil
		default:
			it.path = nil
			return it, nil
		}
	}
}

// End returns the invalid past-the-end iterator.
func (t *QueryTree) End() *Iterator {
	return &Iterator{tree: t}
}

// Seek returns an iterator at the item with the given zero-based rank.
// Speculative edits on the way are resolved against the affected
// pages; guaranteed edits adjust the counting without loading.
func (t *QueryTree) Seek(rank uint32) (*Iterator, error) {
	root, err := t.queryRoot()
	if err != nil {
		return nil, err
	}
	it := &Iterator{tree: t, path: []fork{{node: root}}}
	n := int(rank)
	for {
		top := &it.path[len(it.path)-1]
		switch node := top.node.(type) {
		case *internalNode:
			level := len(it.path) - 1
			i := 0
			for ; i < len(node.branches); i++ {
				lo, hi := forkBranchBounds(top, node, i)
				if t.edits.hasSpeculative(t.fns, lo, hi) {
					delta, err := t.resolveSubtree(&node.branches[i], level+1, lo, hi)
					if err != nil {
						return nil, err
					}
					if delta != 0 {
						bumpPath(it.path, delta)
					}
				}
				eff := int(node.branches[i].itemCount) +
					t.edits.guaranteedDelta(t.fns, lo, hi, level)
				if n < eff {
					break
				}
				n -= eff
			}
			if i == len(node.branches) {
				it.path = nil
				return it, nil
			}
			if err := t.descend(&it.path, i); err != nil {
				return nil, err
			}
		case *leafNode:
			if n < len(node.pairs) {
				top.index = n
				return it, nil
			}
			n -= len(node.pairs)
			top.index = len(node.pairs)
			ref := &node.overflow
			for !ref.empty() {
				ovf, err := t.overflowChild(ref)
				if err != nil {
					return nil, err
				}
				if n < len(ovf.values) {
					it.path = append(it.path, fork{node: ovf, index: n})
					return it, nil
				}
				n -= len(ovf.values)
				it.path = append(it.path, fork{node: ovf, index: len(ovf.values)})
				ref = &ovf.next
			}
			it.path = nil
			return it, nil
		default:
			it.path = nil
			return it, nil
		}
	}
}

// rank computes the ordinal position of the item a path points at.
func (t *QueryTree) rank(path []fork) uint32 {
	total := 0
	for level := range path {
		f := &path[level]
		if n, ok := f.node.(*internalNode); ok {
			for j := 0; j < f.index; j++ {
				lo, hi := forkBranchBounds(f, n, j)
				total += int(n.branches[j].itemCount) +
					t.edits.guaranteedDelta(t.fns, lo, hi, level)
			}
			continue
		}
		total += f.index
	}
	return uint32(total)
}
