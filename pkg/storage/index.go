// pkg/storage/index.go
package storage

import (
	"strata/pkg/core"
)

// RunIndex maps a branch to the set of keys it owns. It turns
// branch-scoped scans into O(branch size) instead of O(total keys).
// Empty sets are dropped so finished branches do not leak entries.
type RunIndex struct {
	index map[core.BranchID]map[string]core.Key
}

// NewRunIndex creates an empty RunIndex
func NewRunIndex() *RunIndex {
	return &RunIndex{index: make(map[core.BranchID]map[string]core.Key)}
}

// Insert adds a key to the branch's set
func (ri *RunIndex) Insert(branch core.BranchID, key core.Key) {
	set, ok := ri.index[branch]
	if !ok {
		set = make(map[string]core.Key)
		ri.index[branch] = set
	}
	set[key.Encode()] = key
}

// Remove drops a key from the branch's set, removing the set when it
// empties.
func (ri *RunIndex) Remove(branch core.BranchID, key core.Key) {
	set, ok := ri.index[branch]
	if !ok {
		return
	}
	delete(set, key.Encode())
	if len(set) == 0 {
		delete(ri.index, branch)
	}
}

// Keys returns all keys for a branch.
func (ri *RunIndex) Keys(branch core.BranchID) []core.Key {
	set, ok := ri.index[branch]
	if !ok {
		return nil
	}
	keys := make([]core.Key, 0, len(set))
	for _, k := range set {
		keys = append(keys, k)
	}
	return keys
}

// RemoveBranch drops a branch's entire set.
func (ri *RunIndex) RemoveBranch(branch core.BranchID) {
	delete(ri.index, branch)
}

// Len returns the number of indexed branches
func (ri *RunIndex) Len() int {
	return len(ri.index)
}

// TypeIndex maps a TypeTag to the set of keys of that primitive family,
// for primitive-scoped enumeration ("all events", "all vectors").
type TypeIndex struct {
	index map[core.TypeTag]map[string]core.Key
}

// NewTypeIndex creates an empty TypeIndex
func NewTypeIndex() *TypeIndex {
	return &TypeIndex{index: make(map[core.TypeTag]map[string]core.Key)}
}

// Insert adds a key to the tag's set
func (ti *TypeIndex) Insert(tag core.TypeTag, key core.Key) {
	set, ok := ti.index[tag]
	if !ok {
		set = make(map[string]core.Key)
		ti.index[tag] = set
	}
	set[key.Encode()] = key
}

// Remove drops a key from the tag's set, removing the set when it
// empties.
func (ti *TypeIndex) Remove(tag core.TypeTag, key core.Key) {
	set, ok := ti.index[tag]
	if !ok {
		return
	}
	delete(set, key.Encode())
	if len(set) == 0 {
		delete(ti.index, tag)
	}
}

// Keys returns all keys for a tag.
func (ti *TypeIndex) Keys(tag core.TypeTag) []core.Key {
	set, ok := ti.index[tag]
	if !ok {
		return nil
	}
	keys := make([]core.Key, 0, len(set))
	for _, k := range set {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of indexed tags
func (ti *TypeIndex) Len() int {
	return len(ti.index)
}
