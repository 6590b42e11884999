// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package bruce

// Mutation describes the outcome of writing a tree: the new root, the
// pages the write created, and the pages it made obsolete. The caller
// decides the fate of the mutation with Finish.
//
// A frozen Mutation may be handed to another goroutine.
type Mutation struct {
	Success       bool
	FailureReason string
	NewRoot       NodeID
	Created       []NodeID
	Obsolete      []NodeID
}

// Fail marks the mutation failed with the given reason.
func (m *Mutation) Fail(reason string) {
	m.Success = false
	m.FailureReason = reason
}

// DeleteList returns the list of pages that must be deleted to settle
// the mutation: the obsolete pages if both the write and the caller
// succeeded, the created pages otherwise.
func (m *Mutation) DeleteList(commitSuccess bool) *[]NodeID {
	if commitSuccess && m.Success {
		return &m.Obsolete
	}
	return &m.Created
}

// Finish commits or rolls back a mutation. It should always be called
// after writing a tree.
//
// If success and the mutation's own success flag are both true, the
// obsolete pages are deleted; otherwise the created pages are deleted
// (rollback). Deleted ids are removed from the list in place, so after
// Finish the mutation holds only ids that still need deleting; a false
// return leaves a retry handle for a later call.
func Finish(store BlockStore, m *Mutation, success bool) bool {
	ns := m.DeleteList(success)
	if len(*ns) == 0 {
		return true
	}

	dels := make([]DelBlock, len(*ns))
	for i, id := range *ns {
		dels[i].ID = id
	}

	if err := store.DelAll(dels); err != nil {
		return false
	}

	remaining := (*ns)[:0]
	all := true
	for _, del := range dels {
		if del.Success {
			continue
		}
		all = false
		remaining = append(remaining, del.ID)
	}
	*ns = remaining
	return all
}
