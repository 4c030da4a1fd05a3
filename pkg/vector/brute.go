// pkg/vector/brute.go
package vector

import (
	"sync"
)

// BruteForceBackend scans the whole heap per query. Exact results,
// O(n) search; the reference backend for correctness.
type BruteForceBackend struct {
	mu     sync.RWMutex
	config Config
	heap   *Heap
	alloc  *idAllocator
}

// NewBruteForceBackend creates a brute-force backend.
func NewBruteForceBackend(config Config) *BruteForceBackend {
	return &BruteForceBackend{
		config: config,
		heap:   NewHeap(config.Dimension),
		alloc:  newIDAllocator(),
	}
}

// AllocateID reserves the next monotone VectorID
func (b *BruteForceBackend) AllocateID() VectorID {
	return b.alloc.allocate()
}

// Insert stores an embedding under an externally assigned id
func (b *BruteForceBackend) Insert(id VectorID, embedding []float32) error {
	if len(embedding) != b.config.Dimension {
		return ErrDimensionMismatch
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	copied := make([]float32, len(embedding))
	copy(copied, embedding)
	b.heap.Set(id, copied)
	b.alloc.advancePast(id)
	return nil
}

// InsertWithID stores an embedding during replay
func (b *BruteForceBackend) InsertWithID(id VectorID, embedding []float32) error {
	return b.Insert(id, embedding)
}

// Delete removes an embedding and retires its id
func (b *BruteForceBackend) Delete(id VectorID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.heap.Delete(id) {
		return false, nil
	}
	b.alloc.free(id)
	return true, nil
}

// Search returns up to k matches ordered (score desc, id asc)
func (b *BruteForceBackend) Search(query []float32, k int) []Match {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if k <= 0 {
		return nil
	}
	matches := make([]Match, 0, b.heap.Len())
	for _, id := range b.heap.IDs() {
		emb, _ := b.heap.Get(id)
		matches = append(matches, Match{ID: id, Score: b.config.Metric.Score(query, emb)})
	}
	sortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// SearchAt delegates to Search; brute force has no temporal data
func (b *BruteForceBackend) SearchAt(query []float32, k int, _ uint64) []Match {
	return b.Search(query, k)
}

// SearchInRange delegates to Search; brute force has no temporal data
func (b *BruteForceBackend) SearchInRange(query []float32, k int, _, _ uint64) []Match {
	return b.Search(query, k)
}

// Len returns the number of live vectors
func (b *BruteForceBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.heap.Len()
}

// Dimension returns the embedding width
func (b *BruteForceBackend) Dimension() int { return b.config.Dimension }

// Metric returns the distance metric
func (b *BruteForceBackend) Metric() DistanceMetric { return b.config.Metric }

// Config returns the collection config
func (b *BruteForceBackend) Config() Config { return b.config }

// Get returns the embedding for an id
func (b *BruteForceBackend) Get(id VectorID) ([]float32, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	emb, ok := b.heap.Get(id)
	if !ok {
		return nil, false
	}
	copied := make([]float32, len(emb))
	copy(copied, emb)
	return copied, true
}

// Contains reports whether an id is live
func (b *BruteForceBackend) Contains(id VectorID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.heap.Contains(id)
}

// IndexTypeName names the backend
func (b *BruteForceBackend) IndexTypeName() string { return "brute_force" }

// VectorIDs returns live ids ascending
func (b *BruteForceBackend) VectorIDs() []VectorID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.heap.IDs()
}

// SnapshotState captures the id allocator state
func (b *BruteForceBackend) SnapshotState() (uint64, []uint64) {
	return b.alloc.snapshot()
}

// RestoreSnapshotState reinstates the id allocator state
func (b *BruteForceBackend) RestoreSnapshotState(nextID uint64, freeSlots []uint64) {
	b.alloc.restore(nextID, freeSlots)
}

// RebuildIndex is a no-op; brute force has no derived structures
func (b *BruteForceBackend) RebuildIndex() {}

// FreezeHeapToDisk writes the heap cache file
func (b *BruteForceBackend) FreezeHeapToDisk(path string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.heap.Freeze(path)
}

// LoadHeapFromDisk replaces the heap from a cache file
func (b *BruteForceBackend) LoadHeapFromDisk(path string) (bool, error) {
	heap, err := LoadHeap(path, b.config.Dimension)
	if err != nil || heap == nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heap = heap
	for _, id := range heap.IDs() {
		b.alloc.advancePast(id)
	}
	return true, nil
}

// FreezeGraphsToDisk is a no-op; brute force has no graphs
func (b *BruteForceBackend) FreezeGraphsToDisk(string) error { return nil }

// LoadGraphsFromDisk reports no graphs so callers fall back to rebuild
func (b *BruteForceBackend) LoadGraphsFromDisk(string) (bool, error) { return false, nil }
