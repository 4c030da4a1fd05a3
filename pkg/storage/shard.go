// pkg/storage/shard.go
package storage

import (
	"strings"
	"sync"

	"github.com/google/btree"

	"strata/pkg/core"
)

// versionChain holds every version of one key, oldest first. Versions
// are strictly increasing; tombstones are ordinary entries with the
// Tombstone flag set.
type versionChain struct {
	key      core.Key
	versions []core.VersionedValue
}

// head returns the newest version, or nil for an empty chain.
func (c *versionChain) head() *core.VersionedValue {
	if len(c.versions) == 0 {
		return nil
	}
	return &c.versions[len(c.versions)-1]
}

// at returns the newest version whose tag is <= maxVersion.
func (c *versionChain) at(maxVersion uint64) *core.VersionedValue {
	for i := len(c.versions) - 1; i >= 0; i-- {
		if c.versions[i].Version.Uint64() <= maxVersion {
			return &c.versions[i]
		}
	}
	return nil
}

// shard owns the version chains and local indices for a subset of
// branches. All keys of one branch land in the same shard, so a
// branch-scoped operation touches exactly one lock.
type shard struct {
	mu        sync.RWMutex
	chains    map[string]*versionChain
	order     *btree.BTreeG[string]
	runIndex  *RunIndex
	typeIndex *TypeIndex
	ttlIndex  *TTLIndex
}

func newShard() *shard {
	return &shard{
		chains:    make(map[string]*versionChain),
		order:     btree.NewG(16, func(a, b string) bool { return a < b }),
		runIndex:  NewRunIndex(),
		typeIndex: NewTypeIndex(),
		ttlIndex:  NewTTLIndex(),
	}
}

// append adds a version to the key's chain, maintaining indices.
// Caller holds the shard write lock and has already checked monotonicity.
func (s *shard) append(key core.Key, vv core.VersionedValue) {
	enc := key.Encode()
	chain, ok := s.chains[enc]
	if !ok {
		chain = &versionChain{key: key}
		s.chains[enc] = chain
		s.order.ReplaceOrInsert(enc)
		s.runIndex.Insert(key.Namespace.Branch, key)
		s.typeIndex.Insert(key.Tag, key)
	}

	// A new head supersedes the previous head's TTL entry.
	if prev := chain.head(); prev != nil && prev.ExpiresAtMicros != 0 {
		s.ttlIndex.Remove(prev.ExpiresAtMicros, key)
	}
	if vv.ExpiresAtMicros != 0 && !vv.Tombstone {
		s.ttlIndex.Insert(vv.ExpiresAtMicros, key)
	}

	chain.versions = append(chain.versions, vv)
}

// chainFor returns the chain for a key, or nil.
func (s *shard) chainFor(key core.Key) *versionChain {
	return s.chains[key.Encode()]
}

// dropBranch removes every chain belonging to the branch.
func (s *shard) dropBranch(branch core.BranchID) int {
	keys := s.runIndex.Keys(branch)
	for _, key := range keys {
		enc := key.Encode()
		chain, ok := s.chains[enc]
		if !ok {
			continue
		}
		if h := chain.head(); h != nil && h.ExpiresAtMicros != 0 {
			s.ttlIndex.Remove(h.ExpiresAtMicros, key)
		}
		delete(s.chains, enc)
		s.order.Delete(enc)
		s.typeIndex.Remove(key.Tag, key)
	}
	s.runIndex.RemoveBranch(branch)
	return len(keys)
}

// scanEncodedPrefix walks chains whose encoded key starts with prefix,
// in encoded-key order. The callback returns false to stop.
func (s *shard) scanEncodedPrefix(prefix string, fn func(*versionChain) bool) {
	s.order.AscendGreaterOrEqual(prefix, func(enc string) bool {
		if !strings.HasPrefix(enc, prefix) {
			return false
		}
		return fn(s.chains[enc])
	})
}
