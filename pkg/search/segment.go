// pkg/search/segment.go
package search

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/edsrzf/mmap-go"

	"strata/internal/encoding"
	"strata/pkg/core"
)

// Sealed segment file (.sidx) layout, little-endian:
//
//	0-3:   Magic ("SIDX")
//	4-7:   Format version
//	8-11:  Document count
//	12-15: Term count
//	16-:   doc table: per doc, ref (branch, tag, user key) + doc length
//	then:  term dictionary: per term, stem + blob offset + blob length
//	then:  postings blob, addressed by the dictionary
//
// Segments are immutable. The dictionary is decoded at open; postings
// decode on demand straight from the mmap region.
const (
	segmentMagic         = 0x53494458
	segmentFormatVersion = 1
)

// manifestFileName sits next to the segments.
const manifestFileName = "manifest"

// manifest describes the sealed segments on disk.
type manifest struct {
	Version  int      `json:"version"`
	Segments []string `json:"segments"`
}

// SegmentPosting is one term's entry for one document in a sealed
// segment.
type SegmentPosting struct {
	Ref       DocRef
	DocLen    uint32
	Positions []uint32
}

type termRange struct {
	offset uint64
	length uint64
}

// Segment is an immutable, mmap-backed slice of the index.
type Segment struct {
	path    string
	mapped  mmap.MMap
	file    *os.File
	refs    []DocRef
	refSet  map[string]struct{}
	docLens []uint32
	terms   map[string]termRange
	blob    []byte
}

// Refs returns the segment's document table.
func (s *Segment) Refs() []DocRef {
	return s.refs
}

// HasRef reports whether the segment indexed the given document.
func (s *Segment) HasRef(ref DocRef) bool {
	_, ok := s.refSet[ref.Encode()]
	return ok
}

// Lookup decodes the postings for a stem from the mapped blob.
func (s *Segment) Lookup(stem string) []SegmentPosting {
	tr, ok := s.terms[stem]
	if !ok {
		return nil
	}
	if tr.offset+tr.length > uint64(len(s.blob)) {
		return nil
	}
	r := encoding.NewReader(s.blob[tr.offset : tr.offset+tr.length])

	docCount, err := r.Uvarint()
	if err != nil {
		return nil
	}
	out := make([]SegmentPosting, 0, docCount)
	for i := uint64(0); i < docCount; i++ {
		docID, err := r.Uvarint()
		if err != nil {
			return nil
		}
		posCount, err := r.Uvarint()
		if err != nil {
			return nil
		}
		positions := make([]uint32, posCount)
		for p := range positions {
			v, err := r.Uvarint()
			if err != nil {
				return nil
			}
			positions[p] = uint32(v)
		}
		if docID >= uint64(len(s.refs)) {
			return nil
		}
		out = append(out, SegmentPosting{
			Ref:       s.refs[docID],
			DocLen:    s.docLens[docID],
			Positions: positions,
		})
	}
	return out
}

// Close unmaps the segment.
func (s *Segment) Close() error {
	var err error
	if s.mapped != nil {
		err = s.mapped.Unmap()
		s.mapped = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}

// openSegment mmaps and validates a sealed segment file.
func openSegment(path string) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	seg := &Segment{path: path, mapped: mapped, file: f}
	corrupt := func() (*Segment, error) {
		seg.Close()
		return nil, core.NewError(core.CodeCorruption, "corrupt search segment "+path)
	}

	if len(mapped) < 16 {
		return corrupt()
	}
	if binary.LittleEndian.Uint32(mapped[0:4]) != segmentMagic ||
		binary.LittleEndian.Uint32(mapped[4:8]) != segmentFormatVersion {
		return corrupt()
	}
	docCount := binary.LittleEndian.Uint32(mapped[8:12])
	termCount := binary.LittleEndian.Uint32(mapped[12:16])

	r := encoding.NewReader(mapped[16:])
	seg.refs = make([]DocRef, docCount)
	seg.refSet = make(map[string]struct{}, docCount)
	seg.docLens = make([]uint32, docCount)
	for i := uint32(0); i < docCount; i++ {
		branch, err := r.String()
		if err != nil {
			return corrupt()
		}
		tag, err := r.Byte()
		if err != nil {
			return corrupt()
		}
		userKey, err := r.String()
		if err != nil {
			return corrupt()
		}
		docLen, err := r.Uvarint()
		if err != nil {
			return corrupt()
		}
		seg.refs[i] = DocRef{Branch: core.BranchID(branch), Tag: core.TypeTag(tag), UserKey: userKey}
		seg.refSet[seg.refs[i].Encode()] = struct{}{}
		seg.docLens[i] = uint32(docLen)
	}

	seg.terms = make(map[string]termRange, termCount)
	for i := uint32(0); i < termCount; i++ {
		stem, err := r.String()
		if err != nil {
			return corrupt()
		}
		offset, err := r.Uvarint()
		if err != nil {
			return corrupt()
		}
		length, err := r.Uvarint()
		if err != nil {
			return corrupt()
		}
		seg.terms[stem] = termRange{offset: offset, length: length}
	}

	blobStart := len(mapped) - r.Remaining()
	seg.blob = mapped[blobStart:]
	return seg, nil
}

// searchDir returns the search directory under dataDir.
func searchDir(dataDir string) string {
	return filepath.Join(dataDir, "search")
}

// FreezeToDisk seals the current in-memory index into one segment plus
// a manifest. Loss of these files never loses data — they are a cache
// over the store; a missing or corrupt manifest just forces a rebuild.
func (idx *Index) FreezeToDisk() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.dataDir == "" {
		return nil
	}
	dir := searchDir(idx.dataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// Compact live documents into dense segment doc ids.
	encs := make([]string, 0, len(idx.docIDs))
	for enc := range idx.docIDs {
		encs = append(encs, enc)
	}
	sort.Strings(encs)

	segIDs := make(map[uint32]uint32, len(encs))
	var docTable []byte
	for segID, enc := range encs {
		memID := idx.docIDs[enc]
		segIDs[memID] = uint32(segID)
		ref := idx.docRefs[memID]
		docTable = encoding.AppendString(docTable, string(ref.Branch))
		docTable = append(docTable, byte(ref.Tag))
		docTable = encoding.AppendString(docTable, ref.UserKey)
		docTable = encoding.AppendUvarint(docTable, uint64(idx.docLens[memID]))
	}

	stems := make([]string, 0, len(idx.postings))
	for stem := range idx.postings {
		stems = append(stems, stem)
	}
	sort.Strings(stems)

	var dict []byte
	var blob []byte
	termCount := 0
	for _, stem := range stems {
		p := idx.postings[stem]

		var entry []byte
		ids := p.docs.ToArray()
		live := make([]uint32, 0, len(ids))
		for _, memID := range ids {
			if _, ok := segIDs[memID]; ok {
				live = append(live, memID)
			}
		}
		if len(live) == 0 {
			continue
		}
		entry = encoding.AppendUvarint(entry, uint64(len(live)))
		for _, memID := range live {
			entry = encoding.AppendUvarint(entry, uint64(segIDs[memID]))
			positions := p.positions[memID]
			entry = encoding.AppendUvarint(entry, uint64(len(positions)))
			for _, pos := range positions {
				entry = encoding.AppendUvarint(entry, uint64(pos))
			}
		}

		dict = encoding.AppendString(dict, stem)
		dict = encoding.AppendUvarint(dict, uint64(len(blob)))
		dict = encoding.AppendUvarint(dict, uint64(len(entry)))
		blob = append(blob, entry...)
		termCount++
	}

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], segmentMagic)
	binary.LittleEndian.PutUint32(header[4:8], segmentFormatVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(encs)))
	binary.LittleEndian.PutUint32(header[12:16], uint32(termCount))

	segName := fmt.Sprintf("%06d.sidx", 1)
	segPath := filepath.Join(dir, segName)
	tmp := segPath + ".tmp"
	var out []byte
	out = append(out, header...)
	out = append(out, docTable...)
	out = append(out, dict...)
	out = append(out, blob...)
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, segPath); err != nil {
		os.Remove(tmp)
		return err
	}

	m := manifest{Version: segmentFormatVersion, Segments: []string{segName}}
	raw, err := json.Marshal(&m)
	if err != nil {
		return err
	}
	manifestTmp := filepath.Join(dir, manifestFileName+".tmp")
	if err := os.WriteFile(manifestTmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(manifestTmp, filepath.Join(dir, manifestFileName))
}

// LoadFromDisk tries the mmap fast path: manifest plus sealed
// segments. Returns false when no manifest exists; errors when files
// are present but corrupt (the caller falls back to a scan rebuild).
func (idx *Index) LoadFromDisk() (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.dataDir == "" {
		return false, nil
	}
	dir := searchDir(idx.dataDir)
	raw, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return false, core.WrapError(core.CodeCorruption, "parse search manifest", err)
	}
	if m.Version != segmentFormatVersion {
		return false, core.Errorf(core.CodeCorruption,
			"search manifest version %d unsupported", m.Version)
	}

	var segments []*Segment
	for _, name := range m.Segments {
		seg, err := openSegment(filepath.Join(dir, name))
		if err != nil {
			for _, s := range segments {
				s.Close()
			}
			return false, err
		}
		segments = append(segments, seg)
	}
	idx.segments = segments
	return true, nil
}
