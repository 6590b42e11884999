// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package bptree

// Applying edits to a leaf and its overflow chain. Shared between the
// edit path (push-down) and the query path (folding pending edits into
// the in-memory view); only the edit path follows up with split and
// spill maintenance.

// applyLeafEdit applies one edit to a leaf, loading overflow pages as
// needed. It reports whether the edit matched anything.
func (t *tree) applyLeafEdit(leaf *leafNode, e pendingEdit) (matched bool, err error) {
	switch e.kind {
	case editInsert:
		return true, t.leafInsert(leaf, e.key, e.value)

	case editUpsert:
		i := leaf.searchFirst(t.fns, e.key)
		if i < len(leaf.pairs) && keyEqual(t.fns, leaf.pairs[i].key, e.key) {
			leaf.updateValue(i, e.value)
			return true, nil
		}
		return false, t.leafInsert(leaf, e.key, e.value)

	case editRemoveKey:
		i := leaf.searchFirst(t.fns, e.key)
		for i < len(leaf.pairs) && keyEqual(t.fns, leaf.pairs[i].key, e.key) {
			leaf.removeAt(i)
			matched = true
		}
		if matched && i == len(leaf.pairs) && !leaf.overflow.empty() {
			// The chain holds more values of the removed final key.
			// Load it so its pages are tracked, then drop it.
			if _, err = t.chainValues(&leaf.overflow); err != nil {
				return
			}
			leaf.overflow = overflowRef{}
		}
		return

	case editRemoveKeyValue:
		i := leaf.searchFirst(t.fns, e.key)
		for ; i < len(leaf.pairs) && keyEqual(t.fns, leaf.pairs[i].key, e.key); i++ {
			if t.fns.ValCompare(leaf.pairs[i].value, e.value) == 0 {
				leaf.removeAt(i)
				matched = true
				break
			}
		}
		if !leaf.overflow.empty() {
			if !matched {
				// The pair may live in the chain of the final key.
				if keyEqual(t.fns, e.key, leaf.maxKey()) || len(leaf.pairs) == 0 {
					return t.removeFromChain(&leaf.overflow, e.value)
				}
				return
			}
			// Keep the chain attached: if the removed pair was the last
			// one of the chain's key, pull one value back in.
			if len(leaf.pairs) == 0 || keyLess(t.fns, leaf.maxKey(), e.key) {
				err = t.pullChainFront(leaf, e.key)
			}
		}
		return
	}
	return
}

// leafInsert inserts a pair at the rightmost position for its key. A
// key equal to the final key of a leaf with an overflow chain is
// appended to the chain; a greater key first dissolves the chain back
// into the leaf so the chain invariant holds.
func (t *tree) leafInsert(leaf *leafNode, key, value []byte) error {
	i := leaf.searchInsert(t.fns, key)
	if i == len(leaf.pairs) && !leaf.overflow.empty() {
		if keyEqual(t.fns, key, leaf.maxKey()) {
			return t.chainAppend(&leaf.overflow, value)
		}
		values, err := t.chainValues(&leaf.overflow)
		if err != nil {
			return err
		}
		chainKey := leaf.maxKey()
		leaf.overflow = overflowRef{}
		for _, v := range values {
			leaf.insertAt(len(leaf.pairs), kvPair{chainKey, v})
		}
		i = len(leaf.pairs)
	}
	leaf.insertAt(i, kvPair{key, value})
	return nil
}

// chainAppend adds a value at the end of an overflow chain.
func (t *tree) chainAppend(o *overflowRef, value []byte) error {
	ovf, err := t.overflowChild(o)
	if err != nil {
		return err
	}
	if !ovf.next.empty() {
		if err = t.chainAppend(&ovf.next, value); err != nil {
			return err
		}
	} else {
		ovf.values = append(ovf.values, value)
	}
	o.count++
	return nil
}

// removeFromChain removes the first value equal to value, collapsing a
// node that runs empty.
func (t *tree) removeFromChain(o *overflowRef, value []byte) (bool, error) {
	if o.empty() {
		return false, nil
	}
	ovf, err := t.overflowChild(o)
	if err != nil {
		return false, err
	}
	for i, v := range ovf.values {
		if t.fns.ValCompare(v, value) == 0 {
			ovf.values = append(ovf.values[:i], ovf.values[i+1:]...)
			o.count--
			if len(ovf.values) == 0 {
				*o = ovf.next
			}
			return true, nil
		}
	}
	matched, err := t.removeFromChain(&ovf.next, value)
	if matched {
		o.count--
	}
	return matched, err
}

// pullChainFront moves the first chain value back into the leaf as a
// pair of the chain's key.
func (t *tree) pullChainFront(leaf *leafNode, key []byte) error {
	ovf, err := t.overflowChild(&leaf.overflow)
	if err != nil {
		return err
	}
	value := ovf.values[0]
	ovf.values = ovf.values[1:]
	leaf.overflow.count--
	if len(ovf.values) == 0 {
		leaf.overflow = ovf.next
	}
	leaf.insertAt(leaf.searchInsert(t.fns, key), kvPair{key, value})
	return nil
}
