// pkg/storage/store.go
package storage

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"

	"strata/pkg/core"
)

// DefaultShardCount is the stock number of shards.
const DefaultShardCount = 16

// KeyValue pairs a key with one of its versioned values, as returned by
// scans.
type KeyValue struct {
	Key   core.Key
	Value core.VersionedValue
}

// StoreStats summarizes the store's in-memory footprint.
type StoreStats struct {
	Shards        int
	Chains        int
	Versions      int
	Branches      int
	TTLEntries    int
	CurrentVersion uint64
}

// Store is the sharded in-memory multi-version map. Shards are selected
// by branch hash, so all keys of a branch share one shard and
// branch-scoped iteration takes a single lock.
type Store struct {
	shards  []*shard
	version atomic.Uint64

	// nowMicros supplies the expiry clock; tests may override it.
	nowMicros func() uint64
}

// NewStore creates a store with the default shard count.
func NewStore() *Store {
	return NewStoreWithShards(DefaultShardCount)
}

// NewStoreWithShards creates a store with an explicit shard count.
func NewStoreWithShards(n int) *Store {
	if n <= 0 {
		n = DefaultShardCount
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = newShard()
	}
	return &Store{
		shards:    shards,
		nowMicros: func() uint64 { return uint64(time.Now().UnixMicro()) },
	}
}

// SetClock overrides the expiry clock. Intended for tests.
func (s *Store) SetClock(nowMicros func() uint64) {
	s.nowMicros = nowMicros
}

func (s *Store) shardFor(branch core.BranchID) *shard {
	h := murmur3.Sum64([]byte(branch))
	return s.shards[h%uint64(len(s.shards))]
}

// CurrentVersion returns the highest allocated version tag.
func (s *Store) CurrentVersion() uint64 {
	return s.version.Load()
}

// AllocateVersion reserves the next store-monotone version.
func (s *Store) AllocateVersion() uint64 {
	return s.version.Add(1)
}

// AdvanceVersion raises the version counter to at least v.
func (s *Store) AdvanceVersion(v uint64) {
	for {
		cur := s.version.Load()
		if cur >= v {
			return
		}
		if s.version.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Put appends a new version for the key with a store-monotone tag and
// returns the assigned version. ttl of zero means no expiry.
func (s *Store) Put(key core.Key, value core.Value, ttl time.Duration) (core.Version, error) {
	version := core.TxnVersion(s.AllocateVersion())
	var expires uint64
	if ttl > 0 {
		expires = s.nowMicros() + uint64(ttl.Microseconds())
	}
	err := s.PutWithVersion(key, value, version, expires)
	return version, err
}

// PutWithVersion appends a version with an exact tag and an absolute
// expiry (zero for none). Used by commit apply and WAL replay, which
// must reproduce the expiry computed at original commit time.
// Duplicate (key, version) pairs and non-monotone versions are
// rejected; the global counter always advances past v so a rejected
// replay cannot cause a later collision.
func (s *Store) PutWithVersion(key core.Key, value core.Value, version core.Version, expiresAtMicros uint64) error {
	vv := core.VersionedValue{
		Value:           value,
		Version:         version,
		ExpiresAtMicros: expiresAtMicros,
	}
	return s.appendVersion(key, vv)
}

// Delete records a tombstone under a new store-monotone version and
// returns the previously visible value, if any.
func (s *Store) Delete(key core.Key) (*core.VersionedValue, error) {
	version := core.TxnVersion(s.AllocateVersion())
	return s.DeleteWithVersion(key, version)
}

// DeleteWithVersion records a tombstone with an exact version tag.
func (s *Store) DeleteWithVersion(key core.Key, version core.Version) (*core.VersionedValue, error) {
	sh := s.shardFor(key.Namespace.Branch)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var prev *core.VersionedValue
	if chain := sh.chainFor(key); chain != nil {
		if h := chain.head(); h != nil && !h.Tombstone && !h.Expired(s.nowMicros()) {
			copied := *h
			prev = &copied
		}
	}

	if err := s.appendVersionLocked(sh, key, core.VersionedValue{
		Version:   version,
		Tombstone: true,
	}); err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *Store) appendVersion(key core.Key, vv core.VersionedValue) error {
	sh := s.shardFor(key.Namespace.Branch)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return s.appendVersionLocked(sh, key, vv)
}

func (s *Store) appendVersionLocked(sh *shard, key core.Key, vv core.VersionedValue) error {
	s.AdvanceVersion(vv.Version.Uint64())

	if chain := sh.chainFor(key); chain != nil {
		if h := chain.head(); h != nil {
			cur := h.Version.Uint64()
			next := vv.Version.Uint64()
			if next == cur {
				return core.Errorf(core.CodeVersionConflict,
					"duplicate version %d for key %s", next, key)
			}
			if next < cur {
				return core.Errorf(core.CodeVersionConflict,
					"non-monotone version %d for key %s (current %d)", next, key, cur)
			}
		}
	}

	sh.append(key, vv)
	return nil
}

// Get returns the latest visible value for the key: not a tombstone,
// not expired.
func (s *Store) Get(key core.Key) (*core.VersionedValue, error) {
	sh := s.shardFor(key.Namespace.Branch)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	chain := sh.chainFor(key)
	if chain == nil {
		return nil, nil
	}
	h := chain.head()
	if h == nil || h.Tombstone || h.Expired(s.nowMicros()) {
		return nil, nil
	}
	copied := *h
	return &copied, nil
}

// GetVersioned returns the newest version <= maxVersion, honoring
// tombstones and expiry at that point in history.
func (s *Store) GetVersioned(key core.Key, maxVersion uint64) (*core.VersionedValue, error) {
	sh := s.shardFor(key.Namespace.Branch)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	chain := sh.chainFor(key)
	if chain == nil {
		return nil, nil
	}
	vv := chain.at(maxVersion)
	if vv == nil || vv.Tombstone || vv.Expired(s.nowMicros()) {
		return nil, nil
	}
	copied := *vv
	return &copied, nil
}

// GetHistory returns versions newest-first. beforeVersion of zero means
// "from the newest"; otherwise only versions strictly below it are
// returned. Tombstones appear as entries with the Tombstone flag.
func (s *Store) GetHistory(key core.Key, limit int, beforeVersion uint64) ([]core.VersionedValue, error) {
	sh := s.shardFor(key.Namespace.Branch)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	chain := sh.chainFor(key)
	if chain == nil {
		return nil, nil
	}

	var out []core.VersionedValue
	for i := len(chain.versions) - 1; i >= 0; i-- {
		vv := chain.versions[i]
		if beforeVersion != 0 && vv.Version.Uint64() >= beforeVersion {
			continue
		}
		out = append(out, vv)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// VersionAt returns the newest version tag <= maxVersion recorded for
// the key, tombstones and expired entries included. OCC read tracking
// uses this so a read of a deleted key records the tombstone's
// version, not zero.
func (s *Store) VersionAt(key core.Key, maxVersion uint64) (uint64, bool, error) {
	sh := s.shardFor(key.Namespace.Branch)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	chain := sh.chainFor(key)
	if chain == nil {
		return 0, false, nil
	}
	vv := chain.at(maxVersion)
	if vv == nil {
		return 0, false, nil
	}
	return vv.Version.Uint64(), true, nil
}

// CurrentVersionOf returns the newest version tag recorded for the key
// (tombstones included) for OCC validation. The boolean reports whether
// the key has any recorded version.
func (s *Store) CurrentVersionOf(key core.Key) (uint64, bool, error) {
	sh := s.shardFor(key.Namespace.Branch)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	chain := sh.chainFor(key)
	if chain == nil {
		return 0, false, nil
	}
	h := chain.head()
	if h == nil {
		return 0, false, nil
	}
	return h.Version.Uint64(), true, nil
}

// ScanPrefix enumerates keys of one (branch, tag) family whose user key
// starts with prefix, ordered by user key, filtered to versions visible
// at maxVersion.
func (s *Store) ScanPrefix(ns core.Namespace, tag core.TypeTag, prefix []byte, maxVersion uint64) ([]KeyValue, error) {
	encPrefix := core.Key{Namespace: ns, Tag: tag, UserKey: prefix}.Encode()

	sh := s.shardFor(ns.Branch)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	now := s.nowMicros()
	var out []KeyValue
	sh.scanEncodedPrefix(encPrefix, func(chain *versionChain) bool {
		if vv := chain.at(maxVersion); vv != nil && !vv.Tombstone && !vv.Expired(now) {
			out = append(out, KeyValue{Key: chain.key, Value: *vv})
		}
		return true
	})
	return out, nil
}

// ScanByBranch enumerates every visible entry of one branch using the
// RunIndex, in encoded-key order.
func (s *Store) ScanByBranch(branch core.BranchID, maxVersion uint64) ([]KeyValue, error) {
	sh := s.shardFor(branch)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	keys := sh.runIndex.Keys(branch)
	sortKeys(keys)

	now := s.nowMicros()
	var out []KeyValue
	for _, key := range keys {
		chain := sh.chainFor(key)
		if chain == nil {
			continue
		}
		if vv := chain.at(maxVersion); vv != nil && !vv.Tombstone && !vv.Expired(now) {
			out = append(out, KeyValue{Key: key, Value: *vv})
		}
	}
	return out, nil
}

// ScanByType enumerates visible entries of one (branch, tag) family in
// encoded-key order. Event keys therefore come back in sequence order.
func (s *Store) ScanByType(branch core.BranchID, tag core.TypeTag, maxVersion uint64) ([]KeyValue, error) {
	all, err := s.ScanByBranch(branch, maxVersion)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, kv := range all {
		if kv.Key.Tag == tag {
			out = append(out, kv)
		}
	}
	return out, nil
}

// BranchIDs returns every branch with at least one key, sorted.
func (s *Store) BranchIDs() []core.BranchID {
	seen := make(map[core.BranchID]struct{})
	for _, sh := range s.shards {
		sh.mu.RLock()
		for branch := range sh.runIndex.index {
			seen[branch] = struct{}{}
		}
		sh.mu.RUnlock()
	}
	out := make([]core.BranchID, 0, len(seen))
	for branch := range seen {
		out = append(out, branch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DropBranch removes every chain of the branch and returns the number
// of keys dropped.
func (s *Store) DropBranch(branch core.BranchID) int {
	sh := s.shardFor(branch)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.dropBranch(branch)
}

// FindExpired returns every key whose head version expired at or before
// now, across all shards.
func (s *Store) FindExpired(nowMicros uint64) []core.Key {
	var out []core.Key
	for _, sh := range s.shards {
		sh.mu.RLock()
		out = append(out, sh.ttlIndex.FindExpired(nowMicros)...)
		sh.mu.RUnlock()
	}
	return out
}

// PurgeExpired tombstones every expired key and returns the count.
func (s *Store) PurgeExpired(nowMicros uint64) (int, error) {
	expired := s.FindExpired(nowMicros)
	for _, key := range expired {
		if _, err := s.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// Snapshot takes an O(1) logical snapshot at the current version.
func (s *Store) Snapshot() *SnapshotView {
	return &SnapshotView{store: s, watermark: s.CurrentVersion()}
}

// Stats reports the store's footprint.
func (s *Store) Stats() StoreStats {
	stats := StoreStats{
		Shards:         len(s.shards),
		CurrentVersion: s.CurrentVersion(),
	}
	branches := make(map[core.BranchID]struct{})
	for _, sh := range s.shards {
		sh.mu.RLock()
		stats.Chains += len(sh.chains)
		for _, chain := range sh.chains {
			stats.Versions += len(chain.versions)
		}
		stats.TTLEntries += sh.ttlIndex.Len()
		for branch := range sh.runIndex.index {
			branches[branch] = struct{}{}
		}
		sh.mu.RUnlock()
	}
	stats.Branches = len(branches)
	return stats
}

// ContentHash digests every chain in deterministic order. Two stores
// with identical contents hash identically regardless of insertion
// interleaving.
func (s *Store) ContentHash() [32]byte {
	type chainDump struct {
		enc   string
		chain *versionChain
	}
	var all []chainDump
	for _, sh := range s.shards {
		sh.mu.RLock()
		for enc, chain := range sh.chains {
			all = append(all, chainDump{enc: enc, chain: chain})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].enc < all[j].enc })

	h := sha256.New()
	var buf [8]byte
	for _, cd := range all {
		h.Write([]byte(cd.enc))
		for _, vv := range cd.chain.versions {
			binary.LittleEndian.PutUint64(buf[:], vv.Version.Uint64())
			h.Write(buf[:])
			if vv.Tombstone {
				h.Write([]byte{1})
				continue
			}
			h.Write([]byte{0})
			if b, err := vv.Value.MarshalJSON(); err == nil {
				h.Write(b)
			}
		}
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func sortKeys(keys []core.Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Encode() < keys[j].Encode()
	})
}
