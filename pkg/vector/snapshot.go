// pkg/vector/snapshot.go
package vector

import (
	"encoding/binary"
	"math"
	"sort"

	"strata/internal/encoding"
	"strata/pkg/core"
)

// EncodeState serializes every collection for the snapshot's opaque
// vector section: config, id allocator state (next id + free slots),
// and vectors in ascending id order with their keys, metadata and
// versions. Two stores holding identical state encode identically.
func (s *Store) EncodeState() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.collections))
	for k := range s.collections {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []byte
	out = encoding.AppendUvarint(out, uint64(len(keys)))
	for _, k := range keys {
		c := s.collections[k]
		c.mu.RLock()

		out = encoding.AppendString(out, string(c.branch))
		out = encoding.AppendString(out, c.name)
		out = encoding.AppendUvarint(out, uint64(c.config.Dimension))
		out = append(out, byte(c.config.Metric))
		out = encoding.AppendUvarint(out, c.version)

		nextID, freeSlots := c.backend.SnapshotState()
		out = encoding.AppendUvarint(out, nextID)
		out = encoding.AppendUvarint(out, uint64(len(freeSlots)))
		for _, slot := range freeSlots {
			out = encoding.AppendUvarint(out, slot)
		}

		ids := c.backend.VectorIDs()
		out = encoding.AppendUvarint(out, uint64(len(ids)))
		var failed error
		for _, id := range ids {
			emb, _ := c.backend.Get(id)
			key := c.byID[id]
			entry := c.meta[key]

			out = encoding.AppendUvarint(out, uint64(id))
			out = encoding.AppendString(out, key)
			out = encoding.AppendUvarint(out, uint64(len(emb)))
			var scratch [4]byte
			for _, f := range emb {
				binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(f))
				out = append(out, scratch[:]...)
			}
			if entry.hasMeta {
				out = append(out, 1)
				raw, err := entry.metadata.MarshalJSON()
				if err != nil {
					failed = core.WrapError(core.CodeSerialization, "vector metadata", err)
					break
				}
				out = encoding.AppendBytes(out, raw)
			} else {
				out = append(out, 0)
			}
			out = encoding.AppendUvarint(out, entry.version)
		}
		c.mu.RUnlock()
		if failed != nil {
			return nil, failed
		}
	}
	return out, nil
}

// RestoreState rebuilds collections from a snapshot's vector section.
// Vectors are re-inserted with their original ids, then the exact
// allocator state is reinstated so no replayed id is ever reissued.
func (s *Store) RestoreState(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	r := encoding.NewReader(data)

	count, err := r.Uvarint()
	if err != nil {
		return core.WrapError(core.CodeCorruption, "vector state", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := uint64(0); i < count; i++ {
		branch, err := r.String()
		if err != nil {
			return core.WrapError(core.CodeCorruption, "vector state", err)
		}
		name, err := r.String()
		if err != nil {
			return core.WrapError(core.CodeCorruption, "vector state", err)
		}
		dim, err := r.Uvarint()
		if err != nil {
			return core.WrapError(core.CodeCorruption, "vector state", err)
		}
		metric, err := r.Byte()
		if err != nil {
			return core.WrapError(core.CodeCorruption, "vector state", err)
		}
		version, err := r.Uvarint()
		if err != nil {
			return core.WrapError(core.CodeCorruption, "vector state", err)
		}
		nextID, err := r.Uvarint()
		if err != nil {
			return core.WrapError(core.CodeCorruption, "vector state", err)
		}
		slotCount, err := r.Uvarint()
		if err != nil {
			return core.WrapError(core.CodeCorruption, "vector state", err)
		}
		freeSlots := make([]uint64, slotCount)
		for j := range freeSlots {
			slot, err := r.Uvarint()
			if err != nil {
				return core.WrapError(core.CodeCorruption, "vector state", err)
			}
			freeSlots[j] = slot
		}

		config := Config{Dimension: int(dim), Metric: DistanceMetric(metric)}
		c := &Collection{
			branch:  core.BranchID(branch),
			name:    name,
			config:  config,
			backend: s.factory.New(config),
			version: version,
			meta:    make(map[string]metaEntry),
			byID:    make(map[VectorID]string),
		}

		vectorCount, err := r.Uvarint()
		if err != nil {
			return core.WrapError(core.CodeCorruption, "vector state", err)
		}
		for j := uint64(0); j < vectorCount; j++ {
			idRaw, err := r.Uvarint()
			if err != nil {
				return core.WrapError(core.CodeCorruption, "vector state", err)
			}
			key, err := r.String()
			if err != nil {
				return core.WrapError(core.CodeCorruption, "vector state", err)
			}
			embLen, err := r.Uvarint()
			if err != nil {
				return core.WrapError(core.CodeCorruption, "vector state", err)
			}
			embedding := make([]float32, embLen)
			for e := range embedding {
				var scratch [4]byte
				for b := 0; b < 4; b++ {
					by, err := r.Byte()
					if err != nil {
						return core.WrapError(core.CodeCorruption, "vector state", err)
					}
					scratch[b] = by
				}
				embedding[e] = math.Float32frombits(binary.LittleEndian.Uint32(scratch[:]))
			}
			hasMeta, err := r.Byte()
			if err != nil {
				return core.WrapError(core.CodeCorruption, "vector state", err)
			}
			entry := metaEntry{id: VectorID(idRaw)}
			if hasMeta == 1 {
				raw, err := r.Bytes()
				if err != nil {
					return core.WrapError(core.CodeCorruption, "vector state", err)
				}
				if err := entry.metadata.UnmarshalJSON(raw); err != nil {
					return core.WrapError(core.CodeCorruption, "vector metadata", err)
				}
				entry.hasMeta = true
			}
			entryVersion, err := r.Uvarint()
			if err != nil {
				return core.WrapError(core.CodeCorruption, "vector state", err)
			}
			entry.version = entryVersion

			if err := c.backend.InsertWithID(VectorID(idRaw), embedding); err != nil {
				return err
			}
			c.meta[key] = entry
			c.byID[VectorID(idRaw)] = key
		}

		c.backend.RestoreSnapshotState(nextID, freeSlots)
		s.collections[collectionKey(core.BranchID(branch), name)] = c
	}
	return nil
}
