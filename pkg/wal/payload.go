// pkg/wal/payload.go
package wal

import (
	"encoding/binary"
	"math"

	"strata/internal/encoding"
	"strata/pkg/core"
)

// Typed payloads for the entry types. Each encodes with the shared
// varint codec; values ride as canonical JSON.

func appendKey(dst []byte, key core.Key) []byte {
	dst = encoding.AppendString(dst, string(key.Namespace.Branch))
	dst = encoding.AppendString(dst, key.Namespace.Space)
	dst = append(dst, byte(key.Tag))
	dst = encoding.AppendBytes(dst, key.UserKey)
	return dst
}

func readKey(r *encoding.Reader) (core.Key, error) {
	branch, err := r.String()
	if err != nil {
		return core.Key{}, err
	}
	space, err := r.String()
	if err != nil {
		return core.Key{}, err
	}
	tag, err := r.Byte()
	if err != nil {
		return core.Key{}, err
	}
	userKey, err := r.Bytes()
	if err != nil {
		return core.Key{}, err
	}
	return core.Key{
		Namespace: core.Namespace{Branch: core.BranchID(branch), Space: space},
		Tag:       core.TypeTag(tag),
		UserKey:   userKey,
	}, nil
}

func appendValue(dst []byte, v core.Value) ([]byte, error) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, core.WrapError(core.CodeSerialization, "encode value", err)
	}
	return encoding.AppendBytes(dst, raw), nil
}

func readValue(r *encoding.Reader) (core.Value, error) {
	raw, err := r.Bytes()
	if err != nil {
		return core.Value{}, err
	}
	var v core.Value
	if err := v.UnmarshalJSON(raw); err != nil {
		return core.Value{}, core.WrapError(core.CodeSerialization, "decode value", err)
	}
	return v, nil
}

func appendVersion(dst []byte, v core.Version) []byte {
	dst = append(dst, byte(v.Kind))
	return encoding.AppendUvarint(dst, v.Value)
}

func readVersion(r *encoding.Reader) (core.Version, error) {
	kind, err := r.Byte()
	if err != nil {
		return core.Version{}, err
	}
	value, err := r.Uvarint()
	if err != nil {
		return core.Version{}, err
	}
	return core.Version{Kind: core.VersionKind(kind), Value: value}, nil
}

// PutPayload records one versioned write.
type PutPayload struct {
	Key             core.Key
	Value           core.Value
	Version         core.Version
	ExpiresAtMicros uint64
}

// Encode renders the payload bytes
func (p *PutPayload) Encode() ([]byte, error) {
	dst := appendKey(nil, p.Key)
	dst, err := appendValue(dst, p.Value)
	if err != nil {
		return nil, err
	}
	dst = appendVersion(dst, p.Version)
	dst = encoding.AppendUvarint(dst, p.ExpiresAtMicros)
	return dst, nil
}

// DecodePutPayload parses a Put payload
func DecodePutPayload(data []byte) (*PutPayload, error) {
	r := encoding.NewReader(data)
	key, err := readKey(r)
	if err != nil {
		return nil, err
	}
	value, err := readValue(r)
	if err != nil {
		return nil, err
	}
	version, err := readVersion(r)
	if err != nil {
		return nil, err
	}
	ttl, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	return &PutPayload{Key: key, Value: value, Version: version, ExpiresAtMicros: ttl}, nil
}

// DeletePayload records one versioned tombstone.
type DeletePayload struct {
	Key     core.Key
	Version core.Version
}

// Encode renders the payload bytes
func (p *DeletePayload) Encode() []byte {
	dst := appendKey(nil, p.Key)
	return appendVersion(dst, p.Version)
}

// DecodeDeletePayload parses a Delete payload
func DecodeDeletePayload(data []byte) (*DeletePayload, error) {
	r := encoding.NewReader(data)
	key, err := readKey(r)
	if err != nil {
		return nil, err
	}
	version, err := readVersion(r)
	if err != nil {
		return nil, err
	}
	return &DeletePayload{Key: key, Version: version}, nil
}

// BeginTxnPayload opens a transaction's entry run.
type BeginTxnPayload struct {
	Branch   core.BranchID
	AtMicros uint64
}

// Encode renders the payload bytes
func (p *BeginTxnPayload) Encode() []byte {
	dst := encoding.AppendString(nil, string(p.Branch))
	return encoding.AppendUvarint(dst, p.AtMicros)
}

// DecodeBeginTxnPayload parses a BeginTxn payload
func DecodeBeginTxnPayload(data []byte) (*BeginTxnPayload, error) {
	r := encoding.NewReader(data)
	branch, err := r.String()
	if err != nil {
		return nil, err
	}
	at, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	return &BeginTxnPayload{Branch: core.BranchID(branch), AtMicros: at}, nil
}

// CommitTxnPayload closes a transaction's entry run.
type CommitTxnPayload struct {
	CommitVersion uint64
	AtMicros      uint64
}

// Encode renders the payload bytes
func (p *CommitTxnPayload) Encode() []byte {
	dst := encoding.AppendUvarint(nil, p.CommitVersion)
	return encoding.AppendUvarint(dst, p.AtMicros)
}

// DecodeCommitTxnPayload parses a CommitTxn payload
func DecodeCommitTxnPayload(data []byte) (*CommitTxnPayload, error) {
	r := encoding.NewReader(data)
	version, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	at, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	return &CommitTxnPayload{CommitVersion: version, AtMicros: at}, nil
}

// RunPayload marks branch lifecycle transitions (RunBegin / RunEnd).
// Deleted distinguishes an end marker written by branch deletion from a
// normal completion, so replay reproduces the same visibility.
type RunPayload struct {
	Branch   core.BranchID
	AtMicros uint64
	Deleted  bool
}

// Encode renders the payload bytes
func (p *RunPayload) Encode() []byte {
	dst := encoding.AppendString(nil, string(p.Branch))
	dst = encoding.AppendUvarint(dst, p.AtMicros)
	if p.Deleted {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// DecodeRunPayload parses a RunBegin / RunEnd payload
func DecodeRunPayload(data []byte) (*RunPayload, error) {
	r := encoding.NewReader(data)
	branch, err := r.String()
	if err != nil {
		return nil, err
	}
	at, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	deleted, err := r.Byte()
	if err != nil {
		return nil, err
	}
	return &RunPayload{Branch: core.BranchID(branch), AtMicros: at, Deleted: deleted == 1}, nil
}

// SnapshotMarkerPayload records that a snapshot was sealed.
type SnapshotMarkerPayload struct {
	SnapshotID  uint64
	WatermarkTx uint64
	WALOffset   uint64
}

// Encode renders the payload bytes
func (p *SnapshotMarkerPayload) Encode() []byte {
	dst := encoding.AppendUvarint(nil, p.SnapshotID)
	dst = encoding.AppendUvarint(dst, p.WatermarkTx)
	return encoding.AppendUvarint(dst, p.WALOffset)
}

// DecodeSnapshotMarkerPayload parses a SnapshotMarker payload
func DecodeSnapshotMarkerPayload(data []byte) (*SnapshotMarkerPayload, error) {
	r := encoding.NewReader(data)
	id, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	wm, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	off, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	return &SnapshotMarkerPayload{SnapshotID: id, WatermarkTx: wm, WALOffset: off}, nil
}

// VectorCollectionPayload records collection create / delete.
type VectorCollectionPayload struct {
	Branch    core.BranchID
	Name      string
	Dimension uint32
	Metric    uint8
	Version   uint64
}

// Encode renders the payload bytes
func (p *VectorCollectionPayload) Encode() []byte {
	dst := encoding.AppendString(nil, string(p.Branch))
	dst = encoding.AppendString(dst, p.Name)
	dst = encoding.AppendUvarint(dst, uint64(p.Dimension))
	dst = append(dst, p.Metric)
	return encoding.AppendUvarint(dst, p.Version)
}

// DecodeVectorCollectionPayload parses a VectorCollectionCreate / Delete payload
func DecodeVectorCollectionPayload(data []byte) (*VectorCollectionPayload, error) {
	r := encoding.NewReader(data)
	branch, err := r.String()
	if err != nil {
		return nil, err
	}
	name, err := r.String()
	if err != nil {
		return nil, err
	}
	dim, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	metric, err := r.Byte()
	if err != nil {
		return nil, err
	}
	version, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	return &VectorCollectionPayload{
		Branch:    core.BranchID(branch),
		Name:      name,
		Dimension: uint32(dim),
		Metric:    metric,
		Version:   version,
	}, nil
}

// VectorUpsertPayload records one embedding write together with its
// metadata, bracketed in one transaction for heap/metadata coherence.
type VectorUpsertPayload struct {
	Branch      core.BranchID
	Collection  string
	Key         string
	VectorID    uint64
	Embedding   []float32
	Metadata    core.Value
	HasMetadata bool
	Version     uint64
}

// Encode renders the payload bytes
func (p *VectorUpsertPayload) Encode() ([]byte, error) {
	dst := encoding.AppendString(nil, string(p.Branch))
	dst = encoding.AppendString(dst, p.Collection)
	dst = encoding.AppendString(dst, p.Key)
	dst = encoding.AppendUvarint(dst, p.VectorID)
	dst = encoding.AppendUvarint(dst, uint64(len(p.Embedding)))
	for _, f := range p.Embedding {
		var scratch [4]byte
		binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(f))
		dst = append(dst, scratch[:]...)
	}
	if p.HasMetadata {
		dst = append(dst, 1)
		var err error
		dst, err = appendValue(dst, p.Metadata)
		if err != nil {
			return nil, err
		}
	} else {
		dst = append(dst, 0)
	}
	return encoding.AppendUvarint(dst, p.Version), nil
}

// DecodeVectorUpsertPayload parses a VectorUpsert payload
func DecodeVectorUpsertPayload(data []byte) (*VectorUpsertPayload, error) {
	r := encoding.NewReader(data)
	branch, err := r.String()
	if err != nil {
		return nil, err
	}
	collection, err := r.String()
	if err != nil {
		return nil, err
	}
	key, err := r.String()
	if err != nil {
		return nil, err
	}
	id, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	dim, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(r.Remaining()) < dim*4 {
		return nil, encoding.ErrShortBuffer
	}
	embedding := make([]float32, dim)
	for i := range embedding {
		var scratch [4]byte
		for j := 0; j < 4; j++ {
			b, err := r.Byte()
			if err != nil {
				return nil, err
			}
			scratch[j] = b
		}
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(scratch[:]))
	}
	hasMeta, err := r.Byte()
	if err != nil {
		return nil, err
	}
	p := &VectorUpsertPayload{
		Branch:     core.BranchID(branch),
		Collection: collection,
		Key:        key,
		VectorID:   id,
		Embedding:  embedding,
	}
	if hasMeta == 1 {
		meta, err := readValue(r)
		if err != nil {
			return nil, err
		}
		p.Metadata = meta
		p.HasMetadata = true
	}
	version, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	p.Version = version
	return p, nil
}

// VectorDeletePayload records one embedding removal.
type VectorDeletePayload struct {
	Branch     core.BranchID
	Collection string
	Key        string
	VectorID   uint64
	Version    uint64
}

// Encode renders the payload bytes
func (p *VectorDeletePayload) Encode() []byte {
	dst := encoding.AppendString(nil, string(p.Branch))
	dst = encoding.AppendString(dst, p.Collection)
	dst = encoding.AppendString(dst, p.Key)
	dst = encoding.AppendUvarint(dst, p.VectorID)
	return encoding.AppendUvarint(dst, p.Version)
}

// DecodeVectorDeletePayload parses a VectorDelete payload
func DecodeVectorDeletePayload(data []byte) (*VectorDeletePayload, error) {
	r := encoding.NewReader(data)
	branch, err := r.String()
	if err != nil {
		return nil, err
	}
	collection, err := r.String()
	if err != nil {
		return nil, err
	}
	key, err := r.String()
	if err != nil {
		return nil, err
	}
	id, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	version, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	return &VectorDeletePayload{
		Branch:     core.BranchID(branch),
		Collection: collection,
		Key:        key,
		VectorID:   id,
		Version:    version,
	}, nil
}
