// pkg/wal/wal_test.go
package wal

import (
	"os"
	"path/filepath"
	"testing"

	"strata/pkg/core"
)

func testEntry(txID uint64, payload []byte) *Entry {
	return &Entry{Type: EntryPut, TxID: TxIDFromUint64(txID), Payload: payload}
}

func TestEntrySerializeRoundTrip(t *testing.T) {
	e := testEntry(42, []byte("payload-bytes"))
	frame := e.Serialize()

	decoded, consumed, err := DeserializeEntry(frame)
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if consumed != len(frame) {
		t.Errorf("expected %d bytes consumed, got %d", len(frame), consumed)
	}
	if decoded.Type != EntryPut || decoded.TxID.Uint64() != 42 || string(decoded.Payload) != "payload-bytes" {
		t.Error("roundtrip mismatch")
	}
}

func TestEntryChecksumDetection(t *testing.T) {
	frame := testEntry(1, []byte("data")).Serialize()
	frame[10] ^= 0xff

	_, _, err := DeserializeEntry(frame)
	if err != ErrChecksumMismatch {
		t.Errorf("expected checksum mismatch, got %v", err)
	}
}

func TestNilTxID(t *testing.T) {
	if !NilTxID.IsNil() {
		t.Error("zero TxID must be nil")
	}
	if TxIDFromUint64(1).IsNil() {
		t.Error("non-zero TxID must not be nil")
	}
	if TxIDFromUint64(7).Uint64() != 7 {
		t.Error("TxID numeric roundtrip failed")
	}
}

func writeEntries(t *testing.T, path string, entries []*Entry) {
	t.Helper()
	w, err := OpenWriter(path)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	if _, err := w.AppendBatch(entries); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestReaderStreamsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.bin")
	writeEntries(t, path, []*Entry{
		testEntry(1, []byte("one")),
		testEntry(2, []byte("two")),
		testEntry(3, []byte("three")),
	})

	r, err := OpenReader(path, nil)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()

	entries, err := r.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[1].TxID.Uint64() != 2 {
		t.Error("entries must stream in order")
	}
}

func TestReaderResyncAfterCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.bin")

	first := testEntry(1, []byte("first")).Serialize()
	garbage := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x13, 0x37, 0x99, 0xab}
	second := testEntry(2, []byte("second")).Serialize()
	third := testEntry(3, []byte("third")).Serialize()

	var file []byte
	file = append(file, first...)
	file = append(file, garbage...)
	file = append(file, second...)
	file = append(file, third...)
	if err := os.WriteFile(path, file, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	r, err := OpenReader(path, nil)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()

	entries, err := r.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected all 3 valid entries after resync, got %d", len(entries))
	}
	if entries[2].TxID.Uint64() != 3 {
		t.Error("post-corruption entries must be recovered in order")
	}
	if r.CorruptionCount() == 0 {
		t.Error("corruption must be counted")
	}
	if r.ResyncCount() == 0 {
		t.Error("resync must be counted")
	}
}

func TestReaderTruncatedTailIsClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.bin")

	complete := testEntry(1, []byte("complete")).Serialize()
	partial := testEntry(2, []byte("partial-entry-payload")).Serialize()
	var file []byte
	file = append(file, complete...)
	file = append(file, partial[:len(partial)-6]...)
	if err := os.WriteFile(path, file, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	r, err := OpenReader(path, nil)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()

	entries, err := r.ReadAll()
	if err != nil {
		t.Fatalf("truncated tail must not error: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the complete entry, got %d", len(entries))
	}
}

func TestPutPayloadRoundTrip(t *testing.T) {
	key := core.NewStringKey(core.NamespaceForBranch("b1"), core.TagKV, "k")
	p := &PutPayload{
		Key:             key,
		Value:           core.NewObject(map[string]core.Value{"n": core.NewInt(7)}),
		Version:         core.SequenceVersion(12),
		ExpiresAtMicros: 99,
	}
	encoded, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodePutPayload(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Key.Equal(key) || !decoded.Value.Equal(p.Value) ||
		decoded.Version != p.Version || decoded.ExpiresAtMicros != 99 {
		t.Error("put payload roundtrip mismatch")
	}
}

func TestVectorUpsertPayloadRoundTrip(t *testing.T) {
	meta := core.NewObject(map[string]core.Value{"label": core.NewString("x")})
	p := &VectorUpsertPayload{
		Branch:      "b1",
		Collection:  "docs",
		Key:         "doc-1",
		VectorID:    5,
		Embedding:   []float32{0.25, -1, 3.5},
		Metadata:    meta,
		HasMetadata: true,
		Version:     44,
	}
	encoded, err := p.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeVectorUpsertPayload(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.VectorID != 5 || len(decoded.Embedding) != 3 || decoded.Embedding[2] != 3.5 {
		t.Error("embedding roundtrip mismatch")
	}
	if !decoded.HasMetadata || !decoded.Metadata.Equal(meta) {
		t.Error("metadata roundtrip mismatch")
	}
}

func TestWatermarkPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watermark")

	empty, err := LoadWatermark(path)
	if err != nil {
		t.Fatalf("load missing watermark: %v", err)
	}
	if empty.SnapshotID != 0 || empty.IsCovered(1) {
		t.Error("missing watermark must cover nothing")
	}

	w := &Watermark{SnapshotID: 3, WatermarkTx: 17, UpdatedAtMicros: 5, WALOffset: 4096}
	if err := SaveWatermark(path, w); err != nil {
		t.Fatalf("save watermark: %v", err)
	}
	loaded, err := LoadWatermark(path)
	if err != nil {
		t.Fatalf("load watermark: %v", err)
	}
	if *loaded != *w {
		t.Errorf("watermark roundtrip mismatch: %+v", loaded)
	}
	if !loaded.IsCovered(17) || loaded.IsCovered(18) {
		t.Error("coverage boundary must be inclusive at the watermark")
	}
	if !loaded.NeedsReplay(18) || loaded.NeedsReplay(17) {
		t.Error("replay boundary must be exclusive at the watermark")
	}
}

func TestManagerTruncatePrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.bin")

	var entries []*Entry
	for i := uint64(1); i <= 64; i++ {
		entries = append(entries, testEntry(i, make([]byte, 128)))
	}
	writeEntries(t, path, entries)

	info, _ := os.Stat(path)
	originalSize := info.Size()

	m, err := NewManager(path, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	cut, reclaimed, err := m.TruncatePrefix(originalSize)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if cut == 0 || reclaimed == 0 {
		t.Fatal("truncation should reclaim bytes")
	}

	newSize, _ := m.Size()
	if newSize >= originalSize {
		t.Error("file must shrink")
	}
	// The safety buffer before the cut point is preserved.
	if originalSize-cut < SafetyBufferSize {
		t.Errorf("safety buffer not preserved: %d bytes kept", originalSize-cut)
	}

	// Remaining entries still parse from the new start.
	r, err := OpenReader(path, nil)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()
	remaining, err := r.ReadAll()
	if err != nil {
		t.Fatalf("read remaining: %v", err)
	}
	if len(remaining) == 0 {
		t.Error("some entries must survive truncation")
	}
	if r.CorruptionCount() != 0 {
		t.Error("truncation must cut on an entry boundary")
	}
}
