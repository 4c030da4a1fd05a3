// pkg/storage/ttl.go
package storage

import (
	"github.com/google/btree"

	"strata/pkg/core"
)

// ttlBucket groups all keys expiring at one timestamp.
type ttlBucket struct {
	expiresAtMicros uint64
	keys            map[string]core.Key
}

func ttlBucketLess(a, b *ttlBucket) bool {
	return a.expiresAtMicros < b.expiresAtMicros
}

// TTLIndex maps expiry timestamps to the keys expiring then. Backed by
// a B-tree so FindExpired is a range scan in O(expired), not O(total).
type TTLIndex struct {
	tree *btree.BTreeG[*ttlBucket]
	size int
}

// NewTTLIndex creates an empty TTLIndex
func NewTTLIndex() *TTLIndex {
	return &TTLIndex{tree: btree.NewG(8, ttlBucketLess)}
}

// Insert adds a key expiring at the given timestamp.
func (ti *TTLIndex) Insert(expiresAtMicros uint64, key core.Key) {
	probe := &ttlBucket{expiresAtMicros: expiresAtMicros}
	bucket, ok := ti.tree.Get(probe)
	if !ok {
		bucket = &ttlBucket{
			expiresAtMicros: expiresAtMicros,
			keys:            make(map[string]core.Key),
		}
		ti.tree.ReplaceOrInsert(bucket)
	}
	if _, exists := bucket.keys[key.Encode()]; !exists {
		bucket.keys[key.Encode()] = key
		ti.size++
	}
}

// Remove drops a key at the given expiry, purging the bucket when it
// empties.
func (ti *TTLIndex) Remove(expiresAtMicros uint64, key core.Key) {
	probe := &ttlBucket{expiresAtMicros: expiresAtMicros}
	bucket, ok := ti.tree.Get(probe)
	if !ok {
		return
	}
	if _, exists := bucket.keys[key.Encode()]; exists {
		delete(bucket.keys, key.Encode())
		ti.size--
	}
	if len(bucket.keys) == 0 {
		ti.tree.Delete(probe)
	}
}

// FindExpired returns all keys with expiry <= now.
func (ti *TTLIndex) FindExpired(nowMicros uint64) []core.Key {
	var expired []core.Key
	pivot := &ttlBucket{expiresAtMicros: nowMicros + 1}
	ti.tree.AscendLessThan(pivot, func(bucket *ttlBucket) bool {
		for _, k := range bucket.keys {
			expired = append(expired, k)
		}
		return true
	})
	return expired
}

// RemoveExpired purges all buckets with expiry <= now and returns the
// number of keys removed.
func (ti *TTLIndex) RemoveExpired(nowMicros uint64) int {
	pivot := &ttlBucket{expiresAtMicros: nowMicros + 1}
	var stale []*ttlBucket
	ti.tree.AscendLessThan(pivot, func(bucket *ttlBucket) bool {
		stale = append(stale, bucket)
		return true
	})
	removed := 0
	for _, bucket := range stale {
		removed += len(bucket.keys)
		ti.tree.Delete(bucket)
	}
	ti.size -= removed
	return removed
}

// Len returns the number of indexed keys
func (ti *TTLIndex) Len() int {
	return ti.size
}
