// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Page codec for the three node kinds.
//
// Pages use LittleEndian encoding. Every page starts with
// {flags:u16, count:u32}; flags is 0 for a leaf, 1 for an internal
// node, 2 for an overflow node.
//
//	leaf     = flags count key*count val*count overflowCount:u32 overflowID:[20]
//	overflow = flags count val*count nextCount:u32 nextID:[20]
//	internal = flags count sep*(count-1) id*count itemCount:u32*count
//	           editCount:u32 edit*editCount
//	edit     = kind:u8 key [val] guaranteed:u8
//
// Keys and values are length-self-describing through the tree's size
// functions. The invariant for overflow pages is that their values all
// belong to the final key of the owning leaf; a key is never split
// across leaves.
package bptree

import (
	"encoding/binary"
	"fmt"

	"github.com/dacapoday/bruce"
)

const (
	flagsSize  = 2
	countSize  = 4
	headerSize = flagsSize + countSize
	idSize     = bruce.NodeIDSize
)

// parseNode decodes a page. Key and value slices alias the page bytes.
func parseNode(page []byte, fns bruce.Funcs) (node, error) {
	p := parser{page: page, fns: fns}
	if len(page) < headerSize {
		return nil, fmt.Errorf("%w: page of %d bytes", ErrCorruptPage, len(page))
	}
	kind := nodeKind(binary.LittleEndian.Uint16(page))
	count := binary.LittleEndian.Uint32(page[flagsSize:])
	p.off = headerSize

	switch kind {
	case kindLeaf:
		return p.leaf(count)
	case kindInternal:
		return p.internal(count)
	case kindOverflow:
		return p.overflow(count)
	}
	return nil, fmt.Errorf("%w: unknown node kind %d", ErrCorruptPage, kind)
}

type parser struct {
	page []byte
	fns  bruce.Funcs
	off  int
}

func (p *parser) leaf(count uint32) (*leafNode, error) {
	pairs := make([]kvPair, count)
	for i := range pairs {
		key, err := p.sized(p.fns.KeySize)
		if err != nil {
			return nil, err
		}
		pairs[i].key = key
	}
	for i := range pairs {
		value, err := p.sized(p.fns.ValSize)
		if err != nil {
			return nil, err
		}
		pairs[i].value = value
	}

	n := newLeaf(pairs)
	var err error
	if n.overflow.count, n.overflow.id, err = p.ref(); err != nil {
		return nil, err
	}
	return n, p.end()
}

func (p *parser) overflow(count uint32) (*overflowNode, error) {
	n := &overflowNode{values: make([][]byte, count)}
	for i := range n.values {
		value, err := p.sized(p.fns.ValSize)
		if err != nil {
			return nil, err
		}
		n.values[i] = value
	}

	var err error
	if n.next.count, n.next.id, err = p.ref(); err != nil {
		return nil, err
	}
	return n, p.end()
}

func (p *parser) internal(count uint32) (*internalNode, error) {
	n := &internalNode{branches: make([]branch, count)}
	for i := 1; i < int(count); i++ {
		key, err := p.sized(p.fns.KeySize)
		if err != nil {
			return nil, err
		}
		n.branches[i].sepKey = key
	}
	for i := range n.branches {
		if err := p.need(idSize); err != nil {
			return nil, err
		}
		copy(n.branches[i].id[:], p.page[p.off:])
		p.off += idSize
	}
	for i := range n.branches {
		c, err := p.u32()
		if err != nil {
			return nil, err
		}
		n.branches[i].itemCount = c
	}

	editCount, err := p.u32()
	if err != nil {
		return nil, err
	}
	n.edits = make([]pendingEdit, 0, editCount)
	for i := uint32(0); i < editCount; i++ {
		e, err := p.edit()
		if err != nil {
			return nil, err
		}
		n.edits = append(n.edits, e)
	}
	return n, p.end()
}

func (p *parser) edit() (e pendingEdit, err error) {
	if err = p.need(1); err != nil {
		return
	}
	kind := p.page[p.off]
	p.off++
	if kind > uint8(editRemoveKeyValue) {
		err = fmt.Errorf("%w: unknown edit kind %d", ErrCorruptPage, kind)
		return
	}
	e.kind = editKind(kind)

	if e.key, err = p.sized(p.fns.KeySize); err != nil {
		return
	}
	if e.hasValue() {
		if e.value, err = p.sized(p.fns.ValSize); err != nil {
			return
		}
	}

	if err = p.need(1); err != nil {
		return
	}
	e.guaranteed = p.page[p.off] != 0
	p.off++
	return
}

func (p *parser) sized(size bruce.SizeFunc) ([]byte, error) {
	if err := p.need(1); err != nil {
		return nil, err
	}
	n := int(size(p.page[p.off:]))
	if err := p.need(n); err != nil {
		return nil, err
	}
	b := p.page[p.off : p.off+n : p.off+n]
	p.off += n
	return b, nil
}

func (p *parser) ref() (count uint32, id bruce.NodeID, err error) {
	if count, err = p.u32(); err != nil {
		return
	}
	if err = p.need(idSize); err != nil {
		return
	}
	copy(id[:], p.page[p.off:])
	p.off += idSize
	return
}

func (p *parser) u32() (uint32, error) {
	if err := p.need(countSize); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(p.page[p.off:])
	p.off += countSize
	return v, nil
}

func (p *parser) need(n int) error {
	if p.off+n > len(p.page) {
		return fmt.Errorf("%w: end of page at offset %d, need %d of %d",
			ErrCorruptPage, p.off, n, len(p.page))
	}
	return nil
}

func (p *parser) end() error {
	if p.off != len(p.page) {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorruptPage, len(p.page)-p.off)
	}
	return nil
}

// serializeNode encodes a node into a fresh page. Branch and overflow
// ids must have been assigned before an internal or chained node is
// serialized.
func serializeNode(n node) ([]byte, error) {
	switch n := n.(type) {
	case *leafNode:
		return serializeLeaf(n), nil
	case *overflowNode:
		return serializeOverflow(n), nil
	case *internalNode:
		return serializeInternal(n), nil
	}
	return nil, fmt.Errorf("%w: unknown node kind", ErrCorruptPage)
}

type writer struct {
	page []byte
	off  int
}

func (w *writer) u16(v uint16) {
	binary.LittleEndian.PutUint16(w.page[w.off:], v)
	w.off += flagsSize
}

func (w *writer) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.page[w.off:], v)
	w.off += countSize
}

func (w *writer) bytes(b []byte) {
	copy(w.page[w.off:], b)
	w.off += len(b)
}

func serializeLeaf(n *leafNode) []byte {
	w := writer{page: make([]byte, leafSize(n))}
	w.u16(uint16(kindLeaf))
	w.u32(uint32(len(n.pairs)))
	for i := range n.pairs {
		w.bytes(n.pairs[i].key)
	}
	for i := range n.pairs {
		w.bytes(n.pairs[i].value)
	}
	w.u32(n.overflow.count)
	w.bytes(n.overflow.id[:])
	return w.page
}

func serializeOverflow(n *overflowNode) []byte {
	w := writer{page: make([]byte, overflowSize(n))}
	w.u16(uint16(kindOverflow))
	w.u32(uint32(len(n.values)))
	for _, v := range n.values {
		w.bytes(v)
	}
	w.u32(n.next.count)
	w.bytes(n.next.id[:])
	return w.page
}

func serializeInternal(n *internalNode) []byte {
	w := writer{page: make([]byte, internalSize(n))}
	w.u16(uint16(kindInternal))
	w.u32(uint32(len(n.branches)))
	for i := 1; i < len(n.branches); i++ {
		w.bytes(n.branches[i].sepKey)
	}
	for i := range n.branches {
		w.bytes(n.branches[i].id[:])
	}
	for i := range n.branches {
		w.u32(n.branches[i].itemCount)
	}
	w.u32(uint32(len(n.edits)))
	for i := range n.edits {
		e := &n.edits[i]
		w.page[w.off] = uint8(e.kind)
		w.off++
		w.bytes(e.key)
		if e.hasValue() {
			w.bytes(e.value)
		}
		if e.guaranteed {
			w.page[w.off] = 1
		}
		w.off++
	}
	return w.page
}
