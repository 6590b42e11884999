// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package bptree

import "github.com/dacapoday/bruce"

// Sizing calculators for the splitter. Each reports the byte size a
// node would occupy if serialized now, and where to cut when it no
// longer fits.

const refSize = countSize + idSize

func leafSize(n *leafNode) int {
	return headerSize + n.elemSize + refSize
}

func overflowSize(n *overflowNode) int {
	return headerSize + n.valueSize() + refSize
}

func branchSize(n *internalNode, i int) int {
	size := idSize + countSize
	if i > 0 {
		size += len(n.branches[i].sepKey)
	}
	return size
}

func internalStructSize(n *internalNode) int {
	size := headerSize + countSize // editCount is always present
	for i := range n.branches {
		size += branchSize(n, i)
	}
	return size
}

func internalSize(n *internalNode) int {
	return internalStructSize(n) + editQueueSize(n.edits)
}

// leafSplit computes where an oversized leaf is cut:
//
//	[0, overflowIndex)           contents of the left leaf
//	[overflowIndex, splitIndex)  overflow chain of the left leaf
//	[splitIndex, len)            contents of the right leaf
//
// The cut is placed at the first pair that pushes the accumulated size
// past half the block, then adjusted so that no key is split across
// leaves: the split index moves forward past pairs sharing the cut
// key, and the overflow start moves back to the second pair of the key
// run preceding the split.
func leafSplit(n *leafNode, blockSize uint32, fns bruce.Funcs) (overflowIndex, splitIndex int) {
	piece := int(blockSize+1) / 2
	size := headerSize + refSize

	here := len(n.pairs) - 1
	startOfKey := 0
	for i := range n.pairs {
		if !keyEqual(fns, n.pairs[i].key, n.pairs[startOfKey].key) {
			startOfKey = i
		}
		size += len(n.pairs[i].key) + len(n.pairs[i].value)
		if size > piece {
			here = i
			break
		}
	}

	splitIndex = here
	for splitIndex < len(n.pairs) && keyEqual(fns, n.pairs[splitIndex].key, n.pairs[here].key) {
		splitIndex++
	}
	overflowIndex = startOfKey + 1
	return
}

// overflowSplit returns the index of the first value that pushes an
// overflow node past the block size.
func overflowSplit(n *overflowNode, blockSize uint32) int {
	size := headerSize + refSize
	for i, v := range n.values {
		size += len(v)
		if size > int(blockSize) {
			return i
		}
	}
	return len(n.values)
}

// internalSplit returns the first branch index >= 1 whose cumulative
// size exceeds half the branch payload.
func internalSplit(n *internalNode) int {
	total := internalStructSize(n)
	piece := (total + 1) / 2
	size := headerSize + countSize
	for i := 1; i < len(n.branches); i++ {
		size += branchSize(n, i-1)
		if size > piece {
			return i
		}
	}
	return len(n.branches) - 1
}
