// pkg/vector/store.go
package vector

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"strata/pkg/core"
	"strata/pkg/engine"
	"strata/pkg/wal"
)

// ExtensionName keys the vector store in the database extension map.
const ExtensionName = "vector"

// metaEntry pairs a key's live VectorID with its metadata.
type metaEntry struct {
	id       VectorID
	metadata core.Value
	hasMeta  bool
	version  uint64
}

// Collection is one (branch, name) vector namespace: a fixed
// dimension, a metric, a backend, and the key↔id maps.
type Collection struct {
	mu      sync.RWMutex
	branch  core.BranchID
	name    string
	config  Config
	backend Backend
	version uint64

	meta map[string]metaEntry
	byID map[VectorID]string
}

// Store manages vector collections. Every mutation persists its heap
// write and metadata write inside a single WAL transaction, so the two
// are recovered together or not at all.
type Store struct {
	mu          sync.RWMutex
	db          *engine.Database
	factory     Factory
	collections map[string]*Collection
}

// SearchResult is one hit with its key and metadata resolved.
type SearchResult struct {
	Key      string
	ID       VectorID
	Score    float32
	Metadata core.Value
	HasMeta  bool
}

// Filter narrows search results by key and metadata.
type Filter func(key string, metadata core.Value, hasMeta bool) bool

// NewStore creates the vector store, installs it as a database
// extension and registers its snapshot contribution.
func NewStore(db *engine.Database, factory Factory) *Store {
	s := &Store{
		db:          db,
		factory:     factory,
		collections: make(map[string]*Collection),
	}
	db.SetExtension(ExtensionName, s)
	db.SetVectorStateProvider(s.EncodeState)
	return s
}

// FromDatabase returns the vector store installed on the database.
func FromDatabase(db *engine.Database) (*Store, bool) {
	ext, ok := db.Extension(ExtensionName)
	if !ok {
		return nil, false
	}
	s, ok := ext.(*Store)
	return s, ok
}

func collectionKey(branch core.BranchID, name string) string {
	return string(branch) + "\x00" + name
}

func (s *Store) collection(branch core.BranchID, name string) (*Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collectionKey(branch, name)]
	return c, ok
}

// CreateCollection registers a collection. Creating an existing
// collection with identical config is idempotent; a dimension or
// metric mismatch is an error.
func (s *Store) CreateCollection(branch core.BranchID, name string, config Config) (uint64, error) {
	if err := core.ValidateUserKeyWithLimits(name, s.db.Limits()); err != nil {
		return 0, err
	}
	if err := s.db.Limits().CheckDimension(config.Dimension); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := collectionKey(branch, name)
	if existing, ok := s.collections[key]; ok {
		if existing.config == config {
			return existing.version, nil
		}
		return 0, core.Errorf(core.CodeConstraintViolation,
			"collection %q exists with dimension %d metric %s",
			name, existing.config.Dimension, existing.config.Metric)
	}

	version := s.db.AllocateVersion()
	if err := s.persistCollectionEntry(wal.EntryVectorCollectionCreate, branch, name, config, version); err != nil {
		return 0, err
	}

	s.collections[key] = &Collection{
		branch:  branch,
		name:    name,
		config:  config,
		backend: s.factory.New(config),
		version: version,
		meta:    make(map[string]metaEntry),
		byID:    make(map[VectorID]string),
	}
	return version, nil
}

func (s *Store) persistCollectionEntry(entryType wal.EntryType, branch core.BranchID, name string, config Config, version uint64) error {
	txID := s.db.NewTxnID()
	payload := &wal.VectorCollectionPayload{
		Branch:    branch,
		Name:      name,
		Dimension: uint32(config.Dimension),
		Metric:    uint8(config.Metric),
		Version:   version,
	}
	now := uint64(time.Now().UnixMicro())
	begin := &wal.BeginTxnPayload{Branch: branch, AtMicros: now}
	commit := &wal.CommitTxnPayload{CommitVersion: version, AtMicros: now}
	batch := []*wal.Entry{
		{Type: wal.EntryBeginTxn, TxID: txID, Payload: begin.Encode()},
		{Type: entryType, TxID: txID, Payload: payload.Encode()},
		{Type: wal.EntryCommitTxn, TxID: txID, Payload: commit.Encode()},
	}
	if err := s.db.Persist(batch); err != nil {
		return core.WrapError(core.CodeStorage, "persist collection entry", err)
	}
	return nil
}

// Upsert stores an embedding with optional metadata. A new key gets a
// fresh VectorID; re-upserting an existing key keeps the key but also
// allocates a fresh id — retired ids are never reused.
func (s *Store) Upsert(branch core.BranchID, name, key string, embedding []float32, metadata *core.Value) (uint64, error) {
	if err := core.ValidateUserKeyWithLimits(key, s.db.Limits()); err != nil {
		return 0, err
	}
	c, ok := s.collection(branch, name)
	if !ok {
		return 0, core.Errorf(core.CodeNotFound, "collection %q not found", name)
	}
	if len(embedding) != c.config.Dimension {
		return 0, core.Errorf(core.CodeConstraintViolation,
			"embedding dimension %d does not match collection dimension %d",
			len(embedding), c.config.Dimension)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var retired *VectorID
	if prev, exists := c.meta[key]; exists {
		id := prev.id
		retired = &id
	}

	id := c.backend.AllocateID()
	version := s.db.AllocateVersion()

	// Heap write and metadata ride in one transactional WAL batch, so
	// recovery sees both or neither.
	txID := s.db.NewTxnID()
	now := uint64(time.Now().UnixMicro())
	upsert := &wal.VectorUpsertPayload{
		Branch:     branch,
		Collection: name,
		Key:        key,
		VectorID:   uint64(id),
		Embedding:  embedding,
		Version:    version,
	}
	if metadata != nil {
		upsert.Metadata = *metadata
		upsert.HasMetadata = true
	}
	encoded, err := upsert.Encode()
	if err != nil {
		return 0, err
	}
	begin := &wal.BeginTxnPayload{Branch: branch, AtMicros: now}
	commit := &wal.CommitTxnPayload{CommitVersion: version, AtMicros: now}
	batch := []*wal.Entry{
		{Type: wal.EntryBeginTxn, TxID: txID, Payload: begin.Encode()},
		{Type: wal.EntryVectorUpsert, TxID: txID, Payload: encoded},
		{Type: wal.EntryCommitTxn, TxID: txID, Payload: commit.Encode()},
	}
	if err := s.db.Persist(batch); err != nil {
		return 0, core.WrapError(core.CodeStorage, "persist vector upsert", err)
	}

	if retired != nil {
		if _, err := c.backend.Delete(*retired); err != nil {
			return 0, err
		}
		delete(c.byID, *retired)
	}
	if err := c.backend.Insert(id, embedding); err != nil {
		return 0, err
	}

	entry := metaEntry{id: id, version: version}
	if metadata != nil {
		entry.metadata = *metadata
		entry.hasMeta = true
	}
	c.meta[key] = entry
	c.byID[id] = key
	return version, nil
}

// Get returns the embedding, metadata and version for a key.
func (s *Store) Get(branch core.BranchID, name, key string) ([]float32, *core.Value, uint64, error) {
	c, ok := s.collection(branch, name)
	if !ok {
		return nil, nil, 0, core.Errorf(core.CodeNotFound, "collection %q not found", name)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.meta[key]
	if !exists {
		return nil, nil, 0, nil
	}
	embedding, ok := c.backend.Get(entry.id)
	if !ok {
		return nil, nil, 0, core.Errorf(core.CodeInternal,
			"metadata present without embedding for %q", key)
	}
	var meta *core.Value
	if entry.hasMeta {
		m := entry.metadata
		meta = &m
	}
	return embedding, meta, entry.version, nil
}

// Delete removes a key's embedding and metadata, retiring its id.
func (s *Store) Delete(branch core.BranchID, name, key string) (bool, error) {
	c, ok := s.collection(branch, name)
	if !ok {
		return false, core.Errorf(core.CodeNotFound, "collection %q not found", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.meta[key]
	if !exists {
		return false, nil
	}

	version := s.db.AllocateVersion()
	txID := s.db.NewTxnID()
	now := uint64(time.Now().UnixMicro())
	payload := &wal.VectorDeletePayload{
		Branch:     branch,
		Collection: name,
		Key:        key,
		VectorID:   uint64(entry.id),
		Version:    version,
	}
	begin := &wal.BeginTxnPayload{Branch: branch, AtMicros: now}
	commit := &wal.CommitTxnPayload{CommitVersion: version, AtMicros: now}
	batch := []*wal.Entry{
		{Type: wal.EntryBeginTxn, TxID: txID, Payload: begin.Encode()},
		{Type: wal.EntryVectorDelete, TxID: txID, Payload: payload.Encode()},
		{Type: wal.EntryCommitTxn, TxID: txID, Payload: commit.Encode()},
	}
	if err := s.db.Persist(batch); err != nil {
		return false, core.WrapError(core.CodeStorage, "persist vector delete", err)
	}

	if _, err := c.backend.Delete(entry.id); err != nil {
		return false, err
	}
	delete(c.meta, key)
	delete(c.byID, entry.id)
	return true, nil
}

// Search returns at most k matches ordered (score desc, id asc).
// Search mutates nothing: repeated identical queries return identical
// results.
func (s *Store) Search(branch core.BranchID, name string, query []float32, k int, filter Filter, metricOverride *DistanceMetric) ([]SearchResult, error) {
	c, ok := s.collection(branch, name)
	if !ok {
		return nil, core.Errorf(core.CodeNotFound, "collection %q not found", name)
	}
	if len(query) != c.config.Dimension {
		return nil, core.Errorf(core.CodeConstraintViolation,
			"query dimension %d does not match collection dimension %d",
			len(query), c.config.Dimension)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	// Over-fetch when filtering so k survivors remain reachable.
	fetch := k
	if filter != nil {
		fetch = c.backend.Len()
	}
	matches := c.backend.Search(query, fetch)

	if metricOverride != nil && *metricOverride != c.config.Metric {
		rescored := make([]Match, 0, len(matches))
		for _, m := range matches {
			emb, ok := c.backend.Get(m.ID)
			if !ok {
				continue
			}
			rescored = append(rescored, Match{ID: m.ID, Score: metricOverride.Score(query, emb)})
		}
		sortMatches(rescored)
		matches = rescored
	}

	results := make([]SearchResult, 0, k)
	for _, m := range matches {
		key, ok := c.byID[m.ID]
		if !ok {
			continue
		}
		entry := c.meta[key]
		if filter != nil && !filter(key, entry.metadata, entry.hasMeta) {
			continue
		}
		results = append(results, SearchResult{
			Key:      key,
			ID:       m.ID,
			Score:    m.Score,
			Metadata: entry.metadata,
			HasMeta:  entry.hasMeta,
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// DropCollection removes a collection and its state.
func (s *Store) DropCollection(branch core.BranchID, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := collectionKey(branch, name)
	c, ok := s.collections[key]
	if !ok {
		return false, nil
	}
	version := s.db.AllocateVersion()
	if err := s.persistCollectionEntry(wal.EntryVectorCollectionDelete, branch, name, c.config, version); err != nil {
		return false, err
	}
	delete(s.collections, key)
	return true, nil
}

// ListCollections returns collection names for a branch, sorted.
func (s *Store) ListCollections(branch core.BranchID) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for _, c := range s.collections {
		if c.branch == branch {
			names = append(names, c.name)
		}
	}
	sort.Strings(names)
	return names
}

// Count returns the number of live vectors in a collection.
func (s *Store) Count(branch core.BranchID, name string) (int, error) {
	c, ok := s.collection(branch, name)
	if !ok {
		return 0, core.Errorf(core.CodeNotFound, "collection %q not found", name)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend.Len(), nil
}

// FreezeToDisk writes heap and graph caches for every collection under
// data_dir/vectors/<branch>/<collection>/.
func (s *Store) FreezeToDisk() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.collections {
		dir := s.collectionDir(c)
		if err := c.backend.FreezeHeapToDisk(filepath.Join(dir, "heap.vec")); err != nil {
			return err
		}
		if err := c.backend.FreezeGraphsToDisk(filepath.Join(dir, "graphs")); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) collectionDir(c *Collection) string {
	return filepath.Join(s.db.DataDir(), "vectors", string(c.branch), c.name)
}
