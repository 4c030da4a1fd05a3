// pkg/vector/recovery.go
package vector

import (
	"go.uber.org/zap"

	"strata/pkg/core"
	"strata/pkg/durability"
	"strata/pkg/engine"
	"strata/pkg/wal"
)

// RegisterRecovery registers the vector recovery participant. Call once
// at startup, before opening a database. The participant restores the
// snapshot's vector section and replays committed Vector* WAL entries,
// so VectorIds stay monotone across crashes and a key's embedding and
// metadata reappear together or not at all.
func RegisterRecovery(factory Factory) {
	engine.RegisterRecoveryParticipant(engine.RecoveryParticipant{
		Name: "vector",
		Recover: func(db *engine.Database) error {
			return recoverFromDB(db, factory)
		},
	})
}

func recoverFromDB(db *engine.Database, factory Factory) error {
	s, ok := FromDatabase(db)
	if !ok {
		s = NewStore(db, factory)
	}

	if err := s.RestoreState(db.LoadedVectorState()); err != nil {
		return err
	}

	// Replay committed vector entries the engine retained, in replay
	// order. Replay is idempotent: re-running it over restored state
	// reproduces the same collections.
	for _, entry := range db.RecoveredAuxEntries() {
		if err := s.replayEntry(entry); err != nil {
			return err
		}
	}

	// Refresh the heap and graph caches for the next start. The files
	// are caches; a write failure costs speed, not data.
	if db.DurabilityKind() != durability.InMemory {
		if err := s.FreezeToDisk(); err != nil {
			db.Logger().Warn("failed to freeze vector caches", zap.Error(err))
		}
	}
	return nil
}

// replayEntry applies one recovered vector WAL entry to in-memory
// state without re-persisting it.
func (s *Store) replayEntry(entry *wal.Entry) error {
	switch entry.Type {
	case wal.EntryVectorCollectionCreate:
		payload, err := wal.DecodeVectorCollectionPayload(entry.Payload)
		if err != nil {
			return core.WrapError(core.CodeCorruption, "decode vector collection", err)
		}
		s.mu.Lock()
		key := collectionKey(payload.Branch, payload.Name)
		if _, exists := s.collections[key]; !exists {
			config := Config{Dimension: int(payload.Dimension), Metric: DistanceMetric(payload.Metric)}
			s.collections[key] = &Collection{
				branch:  payload.Branch,
				name:    payload.Name,
				config:  config,
				backend: s.factory.New(config),
				version: payload.Version,
				meta:    make(map[string]metaEntry),
				byID:    make(map[VectorID]string),
			}
		}
		s.mu.Unlock()
		return nil

	case wal.EntryVectorCollectionDelete:
		payload, err := wal.DecodeVectorCollectionPayload(entry.Payload)
		if err != nil {
			return core.WrapError(core.CodeCorruption, "decode vector collection", err)
		}
		s.mu.Lock()
		delete(s.collections, collectionKey(payload.Branch, payload.Name))
		s.mu.Unlock()
		return nil

	case wal.EntryVectorUpsert:
		payload, err := wal.DecodeVectorUpsertPayload(entry.Payload)
		if err != nil {
			return core.WrapError(core.CodeCorruption, "decode vector upsert", err)
		}
		c, ok := s.collection(payload.Branch, payload.Collection)
		if !ok {
			// Collection entry lost with its covering snapshot; the
			// upsert cannot be surfaced without inventing config.
			return core.Errorf(core.CodeCorruption,
				"vector upsert for unknown collection %q", payload.Collection)
		}
		c.mu.Lock()
		defer c.mu.Unlock()

		id := VectorID(payload.VectorID)
		if prev, exists := c.meta[payload.Key]; exists && prev.id != id {
			if _, err := c.backend.Delete(prev.id); err != nil {
				return err
			}
			delete(c.byID, prev.id)
		}
		if err := c.backend.InsertWithID(id, payload.Embedding); err != nil {
			return err
		}
		entry := metaEntry{id: id, version: payload.Version}
		if payload.HasMetadata {
			entry.metadata = payload.Metadata
			entry.hasMeta = true
		}
		c.meta[payload.Key] = entry
		c.byID[id] = payload.Key
		return nil

	case wal.EntryVectorDelete:
		payload, err := wal.DecodeVectorDeletePayload(entry.Payload)
		if err != nil {
			return core.WrapError(core.CodeCorruption, "decode vector delete", err)
		}
		c, ok := s.collection(payload.Branch, payload.Collection)
		if !ok {
			return nil
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if entry, exists := c.meta[payload.Key]; exists {
			if _, err := c.backend.Delete(entry.id); err != nil {
				return err
			}
			delete(c.meta, payload.Key)
			delete(c.byID, entry.id)
		}
		return nil
	}
	return nil
}
