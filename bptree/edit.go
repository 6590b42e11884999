// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package bptree

import (
	"fmt"

	"github.com/dacapoday/bruce"
)

// EditTree is the mutation front-end of one tree version. Operations
// build a shadow tree in memory; Write serializes the shadow, stores
// every new page and returns the Mutation to commit or roll back.
//
// An EditTree is not safe for concurrent use and is frozen after
// Write.
type EditTree struct {
	tree
	frozen bool
}

// NewEditTree opens the tree version rooted at rootID for editing. An
// empty rootID starts a fresh tree.
func NewEditTree(store bruce.BlockStore, rootID bruce.NodeID, fns bruce.Funcs) *EditTree {
	t := &EditTree{}
	t.store = store
	t.fns = fns
	t.rootID = rootID
	return t
}

// Insert adds a key-value pair. Duplicate keys are allowed; the pair
// lands after existing equal keys.
func (t *EditTree) Insert(key, value []byte) error {
	_, err := t.apply(pendingEdit{kind: editInsert, key: key, value: value, guaranteed: true})
	return err
}

// Upsert replaces the value of the first equal key, or inserts the
// pair if the key is absent. A guaranteed upsert asserts the key
// exists, so counts need not be re-checked.
func (t *EditTree) Upsert(key, value []byte, guaranteed bool) error {
	_, err := t.apply(pendingEdit{kind: editUpsert, key: key, value: value, guaranteed: guaranteed})
	return err
}

// Remove deletes every value stored under key. The guaranteed form
// asserts the key exists. The matched result is meaningful only when
// the removal reached a leaf; a removal deferred on an edit queue
// reports false.
func (t *EditTree) Remove(key []byte, guaranteed bool) (bool, error) {
	return t.apply(pendingEdit{kind: editRemoveKey, key: key, guaranteed: guaranteed})
}

// RemoveValue deletes the first pair matching both key and value. The
// matched result is meaningful only when the removal reached a leaf.
func (t *EditTree) RemoveValue(key, value []byte, guaranteed bool) (bool, error) {
	return t.apply(pendingEdit{kind: editRemoveKeyValue, key: key, value: value, guaranteed: guaranteed})
}

func (t *EditTree) apply(e pendingEdit) (bool, error) {
	if t.frozen {
		return false, ErrFrozenTree
	}
	if len(e.key)+len(e.value) > int(t.store.MaxBlockSize()) {
		return false, fmt.Errorf("%w: %d bytes, max %d",
			ErrOversizedEntry, len(e.key)+len(e.value), t.store.MaxBlockSize())
	}
	e.key = t.pool.copy(e.key)
	e.value = t.pool.copy(e.value)

	root, err := t.loadRoot()
	if err != nil {
		return false, err
	}
	split, matched, err := t.applyRec(root, e)
	if err != nil {
		return false, err
	}
	t.setRoot(split)
	return matched, nil
}

// splitResult is the replacement of one updated child: a single branch
// when the child fit, several when it had to split.
type splitResult struct {
	branches []branch
}

func oneNode(n node) splitResult {
	return splitResult{branches: []branch{{child: n, itemCount: n.itemCount()}}}
}

func (s splitResult) split() bool {
	return len(s.branches) > 1
}

func (t *EditTree) applyRec(n node, e pendingEdit) (splitResult, bool, error) {
	switch n := n.(type) {
	case *leafNode:
		matched, err := t.applyLeafEdit(n, e)
		if err != nil {
			return splitResult{}, false, err
		}
		if err = t.spillChain(&n.overflow); err != nil {
			return splitResult{}, false, err
		}
		split, err := t.maybeSplitLeaf(n)
		return split, matched, err

	case *internalNode:
		return t.applyInternal(n, e)
	}
	return splitResult{}, false, fmt.Errorf("%w: edit against overflow node", ErrCorruptPage)
}

func (t *EditTree) applyInternal(n *internalNode, e pendingEdit) (splitResult, bool, error) {
	if len(n.branches) == 0 {
		// The whole subtree was removed; grow a fresh leaf in place.
		n.branches = []branch{{child: &leafNode{}}}
	}
	i := n.searchBranch(t.fns, e.key)

	// Queue routing: an edit that does not touch an already loaded
	// child is buffered on the node instead of fetching the child.
	if t.store.EditQueueSize() > 0 && n.branches[i].child == nil {
		n.edits = append(n.edits, e)
		if editQueueSize(n.edits) > int(t.store.EditQueueSize()) {
			if err := t.pushDown(n, nil, nil); err != nil {
				return splitResult{}, false, err
			}
		}
		return t.maybeSplitInternal(n), false, nil
	}

	// Older queued edits for this subtree must land before the new one.
	if len(n.edits) > 0 {
		lo, hi := branchRange(n, i)
		if err := t.pushDown(n, lo, hi); err != nil {
			return splitResult{}, false, err
		}
		if len(n.branches) == 0 {
			n.branches = []branch{{child: &leafNode{}}}
		}
		i = n.searchBranch(t.fns, e.key)
	}

	child, err := t.child(&n.branches[i])
	if err != nil {
		return splitResult{}, false, err
	}
	split, matched, err := t.applyRec(child, e)
	if err != nil {
		return splitResult{}, false, err
	}
	t.updateBranch(n, i, split)
	return t.maybeSplitInternal(n), matched, nil
}

// branchRange returns the key bounds of branch i; nil means infinity.
func branchRange(n *internalNode, i int) (lo, hi []byte) {
	if i > 0 {
		lo = n.branches[i].sepKey
	}
	if i+1 < len(n.branches) {
		hi = n.branches[i+1].sepKey
	}
	return
}

func inRange(fns bruce.Funcs, key, lo, hi []byte) bool {
	if lo != nil && keyLess(fns, key, lo) {
		return false
	}
	return hi == nil || keyLess(fns, key, hi)
}

// pushDown moves the queued edits whose key falls in [lo, hi) into the
// affected children, loading them as needed. An edit that reaches a
// leaf is applied immediately; one that reaches an internal node joins
// its queue, recursing while that queue exceeds its budget.
func (t *EditTree) pushDown(n *internalNode, lo, hi []byte) error {
	keep := n.edits[:0:0]
	var take []pendingEdit
	for _, e := range n.edits {
		if inRange(t.fns, e.key, lo, hi) {
			take = append(take, e)
		} else {
			keep = append(keep, e)
		}
	}
	n.edits = keep

	for _, e := range take {
		if len(n.branches) == 0 {
			n.branches = []branch{{child: &leafNode{}}}
		}
		i := n.searchBranch(t.fns, e.key)
		child, err := t.child(&n.branches[i])
		if err != nil {
			return err
		}
		split, _, err := t.applyRec(child, e)
		if err != nil {
			return err
		}
		t.updateBranch(n, i, split)
	}
	return nil
}

// updateBranch replaces branch i with the result of updating its
// child. A child left without items is dropped; a split child turns
// into several branches.
func (t *EditTree) updateBranch(n *internalNode, i int, s splitResult) {
	first := s.branches[0]
	if !s.split() && first.child.itemCount() == 0 {
		n.removeAt(i)
		return
	}
	n.branches[i].child = first.child
	n.branches[i].itemCount = first.child.itemCount()
	for k, b := range s.branches[1:] {
		n.insertAt(i+1+k, b)
	}
}

// maybeSplitLeaf cuts an oversized leaf into a left leaf with an
// overflow chain plus as many right leaves as it takes.
func (t *EditTree) maybeSplitLeaf(leaf *leafNode) (splitResult, error) {
	blockSize := t.store.MaxBlockSize()
	if leafSize(leaf) <= int(blockSize) {
		return oneNode(leaf), nil
	}

	var out []branch
	cur := leaf
	for leafSize(cur) > int(blockSize) && len(cur.pairs) > 1 {
		overflowIndex, splitIndex := leafSplit(cur, blockSize, t.fns)

		left := newLeaf(append([]kvPair(nil), cur.pairs[:overflowIndex]...))
		consumed := splitIndex == len(cur.pairs)
		if splitIndex > overflowIndex {
			ovf := &overflowNode{}
			for _, p := range cur.pairs[overflowIndex:splitIndex] {
				ovf.values = append(ovf.values, p.value)
			}
			left.overflow.node = ovf
			if consumed && !cur.overflow.empty() {
				// Every trailing pair shares the chain's key; the old
				// chain continues behind the new one.
				ovf.next = cur.overflow
			}
			if err := t.spillChain(&left.overflow); err != nil {
				return splitResult{}, err
			}
		} else if consumed {
			left.overflow = cur.overflow
		}

		b := branch{child: left, itemCount: left.itemCount()}
		if len(out) > 0 {
			b.sepKey = left.minKey()
		}
		out = append(out, b)

		if consumed {
			cur = nil
			break
		}
		right := newLeaf(append([]kvPair(nil), cur.pairs[splitIndex:]...))
		right.overflow = cur.overflow
		cur = right
	}
	if cur != nil {
		if len(out) == 0 {
			return oneNode(cur), nil
		}
		out = append(out, branch{sepKey: cur.minKey(), child: cur, itemCount: cur.itemCount()})
	}
	return splitResult{branches: out}, nil
}

// spillChain pushes the tail of every oversized chain node into the
// next one, growing the chain as needed, then refreshes the counts.
func (t *EditTree) spillChain(o *overflowRef) error {
	if o.node == nil {
		return nil
	}
	if err := t.spillNode(o.node); err != nil {
		return err
	}
	o.count = o.node.itemCount()
	return nil
}

func (t *EditTree) spillNode(n *overflowNode) error {
	if idx := overflowSplit(n, t.store.MaxBlockSize()); idx < len(n.values) {
		var next *overflowNode
		if n.next.empty() && n.next.node == nil {
			next = &overflowNode{}
			n.next.node = next
		} else {
			var err error
			if next, err = t.overflowChild(&n.next); err != nil {
				return err
			}
		}
		moved := append([][]byte(nil), n.values[idx:]...)
		n.values = n.values[:idx]
		next.values = append(moved, next.values...)
	}
	if n.next.node != nil {
		if err := t.spillNode(n.next.node); err != nil {
			return err
		}
		n.next.count = n.next.node.itemCount()
	}
	return nil
}

// maybeSplitInternal cuts an oversized internal node into pieces whose
// branch payloads fit, partitioning the edit queue by the new
// separators.
func (t *EditTree) maybeSplitInternal(n *internalNode) splitResult {
	blockSize := int(t.store.MaxBlockSize())
	if internalStructSize(n) <= blockSize {
		return oneNode(n)
	}

	type piece struct {
		sep  []byte
		node *internalNode
	}
	var out []piece
	cur := n
	var curSep []byte
	for internalStructSize(cur) > blockSize && len(cur.branches) > 1 {
		j := internalSplit(cur)
		left := &internalNode{branches: append([]branch(nil), cur.branches[:j]...)}
		right := &internalNode{branches: append([]branch(nil), cur.branches[j:]...)}
		sep := right.branches[0].sepKey
		right.branches[0].sepKey = nil
		out = append(out, piece{curSep, left})
		cur, curSep = right, sep
	}
	out = append(out, piece{curSep, cur})
	if len(out) == 1 {
		return oneNode(n)
	}

	for _, e := range n.edits {
		p := len(out) - 1
		for p > 0 && keyLess(t.fns, e.key, out[p].sep) {
			p--
		}
		out[p].node.edits = append(out[p].node.edits, e)
	}

	branches := make([]branch, len(out))
	for i, p := range out {
		branches[i] = branch{sepKey: p.sep, child: p.node, itemCount: p.node.itemCount()}
	}
	return splitResult{branches: branches}
}

// setRoot installs the result of updating the root, wrapping splits in
// new internal roots until the top fits.
func (t *EditTree) setRoot(s splitResult) {
	for s.split() {
		n := &internalNode{branches: s.branches}
		next := t.maybeSplitInternal(n)
		if next.split() && len(next.branches) < len(s.branches) {
			s = next
			continue
		}
		t.root = n
		return
	}
	t.root = s.branches[0].child
}

// Write flushes the shadow tree: every modified node is serialized,
// assigned the digest of its bytes and stored in one batched put. The
// returned Mutation lists the created pages, the pages made obsolete,
// and the new root. The tree is frozen afterwards.
func (t *EditTree) Write() (*bruce.Mutation, error) {
	if t.frozen {
		return nil, ErrFrozenTree
	}
	t.frozen = true

	mut := &bruce.Mutation{Success: true, NewRoot: t.rootID}
	if t.root == nil {
		return mut, nil
	}

	split, err := t.flushRec(t.root)
	if err != nil {
		return nil, err
	}
	t.setRoot(split)

	var puts []bruce.PutBlock
	rootID, err := t.serializeRec(t.root, &puts)
	if err != nil {
		return nil, err
	}
	mut.NewRoot = rootID
	// A loaded page written back byte for byte keeps its id and stays
	// part of the new tree; only replaced pages are obsolete.
	written := make(map[bruce.NodeID]bool, len(puts))
	for i := range puts {
		written[puts[i].ID] = true
	}
	for _, id := range t.loaded {
		if !written[id] {
			mut.Obsolete = append(mut.Obsolete, id)
		}
	}

	err = t.store.PutAll(puts)
	failed := 0
	reason := ""
	for i := range puts {
		if puts[i].Success {
			mut.Created = append(mut.Created, puts[i].ID)
			continue
		}
		failed++
		if reason == "" {
			reason = puts[i].FailureReason
		}
	}
	switch {
	case err != nil:
		mut.Fail(err.Error())
	case failed > 0:
		mut.Fail(fmt.Sprintf("failed to write %d of %d blocks: %s", failed, len(puts), reason))
	}
	return mut, nil
}

// flushRec settles the edit queues for serialization: a queue that no
// longer fits its page or its byte budget is pushed down before the
// node is measured for splitting.
func (t *EditTree) flushRec(n node) (splitResult, error) {
	internal, ok := n.(*internalNode)
	if !ok {
		return oneNode(n), nil
	}

	if len(internal.edits) > 0 &&
		(internalSize(internal) > int(t.store.MaxBlockSize()) ||
			editQueueSize(internal.edits) > int(t.store.EditQueueSize())) {
		if err := t.pushDown(internal, nil, nil); err != nil {
			return splitResult{}, err
		}
	}

	for i := 0; i < len(internal.branches); i++ {
		b := &internal.branches[i]
		if b.child == nil {
			continue
		}
		split, err := t.flushRec(b.child)
		if err != nil {
			return splitResult{}, err
		}
		before := len(internal.branches)
		t.updateBranch(internal, i, split)
		i += len(internal.branches) - before
	}
	return t.maybeSplitInternal(internal), nil
}

func (t *EditTree) serializeRec(n node, puts *[]bruce.PutBlock) (bruce.NodeID, error) {
	switch n := n.(type) {
	case *leafNode:
		if n.overflow.node != nil {
			id, err := t.serializeRec(n.overflow.node, puts)
			if err != nil {
				return bruce.NodeID{}, err
			}
			n.overflow.id = id
			n.overflow.node = nil
		}
	case *overflowNode:
		if n.next.node != nil {
			id, err := t.serializeRec(n.next.node, puts)
			if err != nil {
				return bruce.NodeID{}, err
			}
			n.next.id = id
			n.next.node = nil
		}
	case *internalNode:
		for i := range n.branches {
			b := &n.branches[i]
			if b.child == nil {
				continue
			}
			id, err := t.serializeRec(b.child, puts)
			if err != nil {
				return bruce.NodeID{}, err
			}
			b.id = id
			b.child = nil
		}
	}

	page, err := serializeNode(n)
	if err != nil {
		return bruce.NodeID{}, err
	}
	id := t.store.ID(page)
	*puts = append(*puts, bruce.PutBlock{ID: id, Page: page})
	return id, nil
}
