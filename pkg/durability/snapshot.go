// pkg/durability/snapshot.go
package durability

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/snappy"

	"strata/internal/encoding"
	"strata/pkg/core"
	"strata/pkg/storage"
)

const snapshotMagic = 0x53545241 // "STRA"
const snapshotFormatVersion = 1

// BranchDump captures one branch's lifecycle record in a snapshot.
type BranchDump struct {
	ID              core.BranchID
	Status          uint8
	StartedAtMicros uint64
	EndedAtMicros   uint64
}

// Snapshot is the full persisted image of a store at a watermark.
// Vector backend state rides as an opaque section encoded by the
// vector package, so durability stays decoupled from index internals.
type Snapshot struct {
	ID              uint64
	WatermarkTx     uint64
	Version         uint64
	WALOffset       uint64
	CreatedAtMicros uint64
	Chains          []storage.ChainDump
	Branches        []BranchDump
	VectorState     []byte
}

// Serialize renders the snappy-compressed snapshot payload.
func (s *Snapshot) Serialize() ([]byte, error) {
	var raw []byte
	raw = encoding.AppendUvarint(raw, snapshotMagic)
	raw = encoding.AppendUvarint(raw, snapshotFormatVersion)
	raw = encoding.AppendUvarint(raw, s.ID)
	raw = encoding.AppendUvarint(raw, s.WatermarkTx)
	raw = encoding.AppendUvarint(raw, s.Version)
	raw = encoding.AppendUvarint(raw, s.WALOffset)
	raw = encoding.AppendUvarint(raw, s.CreatedAtMicros)

	raw = encoding.AppendUvarint(raw, uint64(len(s.Chains)))
	for _, chain := range s.Chains {
		raw = encoding.AppendString(raw, string(chain.Key.Namespace.Branch))
		raw = encoding.AppendString(raw, chain.Key.Namespace.Space)
		raw = append(raw, byte(chain.Key.Tag))
		raw = encoding.AppendBytes(raw, chain.Key.UserKey)

		raw = encoding.AppendUvarint(raw, uint64(len(chain.Versions)))
		for _, vv := range chain.Versions {
			raw = append(raw, byte(vv.Version.Kind))
			raw = encoding.AppendUvarint(raw, vv.Version.Value)
			raw = encoding.AppendUvarint(raw, vv.ExpiresAtMicros)
			if vv.Tombstone {
				raw = append(raw, 1)
				continue
			}
			raw = append(raw, 0)
			vb, err := vv.Value.MarshalJSON()
			if err != nil {
				return nil, core.WrapError(core.CodeSerialization, "snapshot value", err)
			}
			raw = encoding.AppendBytes(raw, vb)
		}
	}

	raw = encoding.AppendUvarint(raw, uint64(len(s.Branches)))
	for _, b := range s.Branches {
		raw = encoding.AppendString(raw, string(b.ID))
		raw = append(raw, b.Status)
		raw = encoding.AppendUvarint(raw, b.StartedAtMicros)
		raw = encoding.AppendUvarint(raw, b.EndedAtMicros)
	}

	raw = encoding.AppendBytes(raw, s.VectorState)

	return snappy.Encode(nil, raw), nil
}

// DeserializeSnapshot parses a snapshot payload.
func DeserializeSnapshot(data []byte) (*Snapshot, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, core.WrapError(core.CodeCorruption, "snapshot decompress", err)
	}
	r := encoding.NewReader(raw)

	magic, err := r.Uvarint()
	if err != nil || magic != snapshotMagic {
		return nil, core.NewError(core.CodeCorruption, "snapshot magic mismatch")
	}
	formatVersion, err := r.Uvarint()
	if err != nil || formatVersion != snapshotFormatVersion {
		return nil, core.NewError(core.CodeCorruption, "unsupported snapshot format version")
	}

	s := &Snapshot{}
	fields := []*uint64{&s.ID, &s.WatermarkTx, &s.Version, &s.WALOffset, &s.CreatedAtMicros}
	for _, f := range fields {
		v, err := r.Uvarint()
		if err != nil {
			return nil, core.WrapError(core.CodeCorruption, "snapshot header", err)
		}
		*f = v
	}

	chainCount, err := r.Uvarint()
	if err != nil {
		return nil, core.WrapError(core.CodeCorruption, "snapshot chain count", err)
	}
	for i := uint64(0); i < chainCount; i++ {
		branch, err := r.String()
		if err != nil {
			return nil, core.WrapError(core.CodeCorruption, "snapshot chain key", err)
		}
		space, err := r.String()
		if err != nil {
			return nil, core.WrapError(core.CodeCorruption, "snapshot chain key", err)
		}
		tag, err := r.Byte()
		if err != nil {
			return nil, core.WrapError(core.CodeCorruption, "snapshot chain key", err)
		}
		userKey, err := r.Bytes()
		if err != nil {
			return nil, core.WrapError(core.CodeCorruption, "snapshot chain key", err)
		}
		chain := storage.ChainDump{
			Key: core.Key{
				Namespace: core.Namespace{Branch: core.BranchID(branch), Space: space},
				Tag:       core.TypeTag(tag),
				UserKey:   userKey,
			},
		}

		versionCount, err := r.Uvarint()
		if err != nil {
			return nil, core.WrapError(core.CodeCorruption, "snapshot version count", err)
		}
		for j := uint64(0); j < versionCount; j++ {
			kind, err := r.Byte()
			if err != nil {
				return nil, core.WrapError(core.CodeCorruption, "snapshot version", err)
			}
			value, err := r.Uvarint()
			if err != nil {
				return nil, core.WrapError(core.CodeCorruption, "snapshot version", err)
			}
			expires, err := r.Uvarint()
			if err != nil {
				return nil, core.WrapError(core.CodeCorruption, "snapshot version", err)
			}
			tomb, err := r.Byte()
			if err != nil {
				return nil, core.WrapError(core.CodeCorruption, "snapshot version", err)
			}
			vv := core.VersionedValue{
				Version:         core.Version{Kind: core.VersionKind(kind), Value: value},
				ExpiresAtMicros: expires,
				Tombstone:       tomb == 1,
			}
			if tomb != 1 {
				vb, err := r.Bytes()
				if err != nil {
					return nil, core.WrapError(core.CodeCorruption, "snapshot value", err)
				}
				if err := vv.Value.UnmarshalJSON(vb); err != nil {
					return nil, core.WrapError(core.CodeCorruption, "snapshot value", err)
				}
			}
			chain.Versions = append(chain.Versions, vv)
		}
		s.Chains = append(s.Chains, chain)
	}

	branchCount, err := r.Uvarint()
	if err != nil {
		return nil, core.WrapError(core.CodeCorruption, "snapshot branch count", err)
	}
	for i := uint64(0); i < branchCount; i++ {
		id, err := r.String()
		if err != nil {
			return nil, core.WrapError(core.CodeCorruption, "snapshot branch", err)
		}
		status, err := r.Byte()
		if err != nil {
			return nil, core.WrapError(core.CodeCorruption, "snapshot branch", err)
		}
		started, err := r.Uvarint()
		if err != nil {
			return nil, core.WrapError(core.CodeCorruption, "snapshot branch", err)
		}
		ended, err := r.Uvarint()
		if err != nil {
			return nil, core.WrapError(core.CodeCorruption, "snapshot branch", err)
		}
		s.Branches = append(s.Branches, BranchDump{
			ID:              core.BranchID(id),
			Status:          status,
			StartedAtMicros: started,
			EndedAtMicros:   ended,
		})
	}

	vectorState, err := r.Bytes()
	if err != nil {
		return nil, core.WrapError(core.CodeCorruption, "snapshot vector state", err)
	}
	s.VectorState = vectorState

	return s, nil
}

// SnapshotDir returns the snapshot directory under dataDir.
func SnapshotDir(dataDir string) string {
	return filepath.Join(dataDir, "snapshots")
}

func snapshotPath(dataDir string, id uint64) string {
	return filepath.Join(SnapshotDir(dataDir), fmt.Sprintf("%08d.snap", id))
}

// WriteSnapshot persists the snapshot atomically: temp file, fsync,
// rename, directory sync.
func WriteSnapshot(dataDir string, s *Snapshot) (string, error) {
	dir := SnapshotDir(dataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	payload, err := s.Serialize()
	if err != nil {
		return "", err
	}

	path := snapshotPath(dataDir, s.ID)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return path, nil
}

// LoadLatestSnapshot reads the newest parseable snapshot, or nil when
// none exists. A corrupt newest snapshot falls back to older ones.
func LoadLatestSnapshot(dataDir string) (*Snapshot, error) {
	dir := SnapshotDir(dataDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".snap" {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		s, err := DeserializeSnapshot(data)
		if err != nil {
			continue
		}
		return s, nil
	}
	return nil, nil
}
