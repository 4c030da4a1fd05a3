// pkg/storage/dump.go
package storage

import (
	"sort"

	"strata/pkg/core"
)

// ChainDump is one key's full version chain, oldest first, as captured
// into a snapshot.
type ChainDump struct {
	Key      core.Key
	Versions []core.VersionedValue
}

// DumpChains captures every chain in deterministic (encoded-key) order
// for snapshot serialization.
func (s *Store) DumpChains() []ChainDump {
	var out []ChainDump
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, chain := range sh.chains {
			versions := make([]core.VersionedValue, len(chain.versions))
			copy(versions, chain.versions)
			out = append(out, ChainDump{Key: chain.key, Versions: versions})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Encode() < out[j].Key.Encode()
	})
	return out
}

// RestoreChain installs a dumped chain verbatim, preserving version
// tags, tombstones and absolute expiry timestamps. Used only by
// snapshot load into a fresh store.
func (s *Store) RestoreChain(dump ChainDump) error {
	sh := s.shardFor(dump.Key.Namespace.Branch)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for _, vv := range dump.Versions {
		if err := s.appendVersionLocked(sh, dump.Key, vv); err != nil {
			return err
		}
	}
	return nil
}

// ApplyRetention trims every chain to its newest keepVersions entries.
// The newest version always survives and version tags never change.
// Returns the number of versions removed.
func (s *Store) ApplyRetention(keepVersions int) int {
	if keepVersions < 1 {
		keepVersions = 1
	}
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, chain := range sh.chains {
			if len(chain.versions) <= keepVersions {
				continue
			}
			cut := len(chain.versions) - keepVersions
			removed += cut
			kept := make([]core.VersionedValue, keepVersions)
			copy(kept, chain.versions[cut:])
			chain.versions = kept
		}
		sh.mu.Unlock()
	}
	return removed
}
