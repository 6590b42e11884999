// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package bptree

import (
	"fmt"

	"github.com/dacapoday/bruce"
)

// tree is the state shared by the edit and query front-ends: the block
// store, the tree callbacks, the arena, and the shadow of every page
// loaded so far. A tree instance is not safe for concurrent use.
type tree struct {
	store  bruce.BlockStore
	fns    bruce.Funcs
	pool   pool
	rootID bruce.NodeID
	root   node
	loaded []bruce.NodeID // every page fetched and shadowed in memory
}

// loadRoot returns the root node, materializing an empty leaf for a
// tree that has no pages yet.
func (t *tree) loadRoot() (node, error) {
	if t.root == nil {
		if t.rootID.Empty() {
			t.root = &leafNode{}
		} else {
			root, err := t.load(t.rootID)
			if err != nil {
				return nil, err
			}
			t.root = root
		}
	}
	return t.root, nil
}

func (t *tree) load(id bruce.NodeID) (node, error) {
	page, err := t.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	n, err := parseNode(page, t.fns)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	t.loaded = append(t.loaded, id)
	return n, nil
}

// child returns the in-memory node of a branch, loading it on demand.
func (t *tree) child(b *branch) (node, error) {
	if b.child == nil {
		n, err := t.load(b.id)
		if err != nil {
			return nil, err
		}
		b.child = n
	}
	return b.child, nil
}

// overflowChild returns the in-memory node of an overflow reference,
// loading it on demand.
func (t *tree) overflowChild(o *overflowRef) (*overflowNode, error) {
	if o.node == nil {
		n, err := t.load(o.id)
		if err != nil {
			return nil, err
		}
		ovf, ok := n.(*overflowNode)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not an overflow node", ErrCorruptPage, o.id)
		}
		o.node = ovf
	}
	return o.node, nil
}

// chainValues loads an entire overflow chain and returns its values in
// order. The chain pages end up in the loaded list, so dropping the
// chain afterwards obsoletes them.
func (t *tree) chainValues(o *overflowRef) (values [][]byte, err error) {
	for ref := o; !ref.empty(); {
		ovf, err := t.overflowChild(ref)
		if err != nil {
			return nil, err
		}
		values = append(values, ovf.values...)
		ref = &ovf.next
	}
	return
}
