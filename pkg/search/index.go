// pkg/search/index.go
package search

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"strata/pkg/core"
)

// ExtensionName keys the search index in the database extension map.
const ExtensionName = "search"

// DocRef points back to the record a hit came from.
type DocRef struct {
	Branch  core.BranchID
	Tag     core.TypeTag
	UserKey string
}

// Encode renders the ref as an orderable string key.
func (r DocRef) Encode() string {
	return string(r.Branch) + "\x00" + string([]byte{byte(r.Tag)}) + "\x00" + r.UserKey
}

// Hit is one search result.
type Hit struct {
	Ref   DocRef
	Score float64
}

// posting holds the documents containing one stem and their term
// positions.
type posting struct {
	docs      *roaring.Bitmap
	positions map[uint32][]uint32
}

func newPosting() *posting {
	return &posting{docs: roaring.New(), positions: make(map[uint32][]uint32)}
}

// Index is the inverted index: stem → posting list, a document table
// and per-document lengths. Mutations take the write lock; Search only
// reads. Sealed segments loaded from disk are merged at query time;
// the deleted set masks segment entries that were superseded.
type Index struct {
	mu sync.RWMutex

	postings map[string]*posting
	docRefs  []DocRef
	docIDs   map[string]uint32
	docLens  map[uint32]uint32
	docStems map[uint32][]string

	segments   []*Segment
	deletedRef map[string]struct{}

	enabled bool
	dataDir string
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		postings:   make(map[string]*posting),
		docIDs:     make(map[string]uint32),
		docLens:    make(map[uint32]uint32),
		docStems:   make(map[uint32][]string),
		deletedRef: make(map[string]struct{}),
	}
}

// SetDataDir points the index at its persistence directory.
func (idx *Index) SetDataDir(dir string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.dataDir = dir
}

// Enable marks the index ready for queries.
func (idx *Index) Enable() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.enabled = true
}

// Enabled reports whether the index serves queries.
func (idx *Index) Enabled() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.enabled
}

// IndexDocument tokenizes text and indexes it under ref, replacing any
// previous entry for the same ref.
func (idx *Index) IndexDocument(ref DocRef, text string) {
	stems := Tokenize(text)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.removeLocked(ref)
	delete(idx.deletedRef, ref.Encode())

	id, ok := idx.docIDs[ref.Encode()]
	if !ok {
		id = uint32(len(idx.docRefs))
		idx.docRefs = append(idx.docRefs, ref)
		idx.docIDs[ref.Encode()] = id
	}
	idx.docLens[id] = uint32(len(stems))

	var unique []string
	seen := make(map[string]struct{})
	for pos, stem := range stems {
		p, ok := idx.postings[stem]
		if !ok {
			p = newPosting()
			idx.postings[stem] = p
		}
		p.docs.Add(id)
		p.positions[id] = append(p.positions[id], uint32(pos))
		if _, dup := seen[stem]; !dup {
			seen[stem] = struct{}{}
			unique = append(unique, stem)
		}
	}
	idx.docStems[id] = unique
}

// RemoveDocument drops a ref from the index (and masks it in sealed
// segments).
func (idx *Index) RemoveDocument(ref DocRef) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(ref)
	idx.deletedRef[ref.Encode()] = struct{}{}
}

func (idx *Index) removeLocked(ref DocRef) {
	id, ok := idx.docIDs[ref.Encode()]
	if !ok {
		return
	}
	for _, stem := range idx.docStems[id] {
		p, ok := idx.postings[stem]
		if !ok {
			continue
		}
		p.docs.Remove(id)
		delete(p.positions, id)
		if p.docs.IsEmpty() {
			delete(idx.postings, stem)
		}
	}
	delete(idx.docStems, id)
	delete(idx.docLens, id)
	// The slot in docRefs stays allocated; docIDs removal makes the
	// ref re-indexable under a fresh slot.
	delete(idx.docIDs, ref.Encode())
}

// SegmentCovers reports whether any sealed segment indexed the ref.
func (idx *Index) SegmentCovers(ref DocRef) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, seg := range idx.segments {
		if seg.HasRef(ref) {
			return true
		}
	}
	return false
}

// SegmentRefs returns every document ref covered by sealed segments.
func (idx *Index) SegmentRefs() []DocRef {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []DocRef
	for _, seg := range idx.segments {
		out = append(out, seg.Refs()...)
	}
	return out
}

// TotalDocs returns the number of live indexed documents.
func (idx *Index) TotalDocs() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	total := len(idx.docIDs)
	for _, seg := range idx.segments {
		for _, ref := range seg.Refs() {
			enc := ref.Encode()
			if _, deleted := idx.deletedRef[enc]; deleted {
				continue
			}
			if _, shadowed := idx.docIDs[enc]; shadowed {
				continue
			}
			total++
		}
	}
	return total
}

// candidate accumulates scoring state for one document.
type candidate struct {
	ref      DocRef
	termHits map[string]int
	docLen   uint32
}

// Search tokenizes the query and scores matching documents with a
// BM25-lite term-frequency / length normalization. Results are ordered
// (score desc, ref asc); at most limit are returned. Search mutates
// nothing.
func (idx *Index) Search(query string, limit int) []Hit {
	stems := TokenizeUnique(query)
	if len(stems) == 0 || limit <= 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	candidates := make(map[string]*candidate)

	collect := func(ref DocRef, stem string, tf int, docLen uint32) {
		enc := ref.Encode()
		c, ok := candidates[enc]
		if !ok {
			c = &candidate{ref: ref, termHits: make(map[string]int), docLen: docLen}
			candidates[enc] = c
		}
		c.termHits[stem] += tf
	}

	for _, stem := range stems {
		if p, ok := idx.postings[stem]; ok {
			it := p.docs.Iterator()
			for it.HasNext() {
				id := it.Next()
				collect(idx.docRefs[id], stem, len(p.positions[id]), idx.docLens[id])
			}
		}
		for _, seg := range idx.segments {
			for _, sp := range seg.Lookup(stem) {
				enc := sp.Ref.Encode()
				if _, deleted := idx.deletedRef[enc]; deleted {
					continue
				}
				if _, shadowed := idx.docIDs[enc]; shadowed {
					// The live index owns the current version of the doc.
					continue
				}
				collect(sp.Ref, stem, len(sp.Positions), sp.DocLen)
			}
		}
	}

	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		score := 0.0
		for _, tf := range c.termHits {
			norm := 1.0 + float64(c.docLen)/16.0
			score += float64(tf) / (float64(tf) + norm)
		}
		// Reward matching more query terms.
		score *= float64(len(c.termHits)) / float64(len(stems))
		hits = append(hits, Hit{Ref: c.ref, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Ref.Encode() < hits[j].Ref.Encode()
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
