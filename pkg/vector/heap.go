// pkg/vector/heap.go
package vector

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/edsrzf/mmap-go"
)

// heap file layout (little-endian):
//
//	0-3:   Magic ("SVEC")
//	4-7:   Format version
//	8-11:  Dimension
//	12-19: Vector count
//	20-:   count * (id u64 + dimension * f32)
const (
	heapMagic         = 0x53564543
	heapFormatVersion = 1
	heapHeaderSize    = 20
)

// Heap stores embeddings contiguously, keyed by VectorID. It can be
// frozen to a .vec file and reloaded through an mmap read; the file is
// a cache — losing it only forces a WAL-driven rebuild.
type Heap struct {
	dim    int
	ids    []VectorID
	data   []float32
	slotOf map[VectorID]int
}

// NewHeap creates an empty heap for the given dimension.
func NewHeap(dim int) *Heap {
	return &Heap{dim: dim, slotOf: make(map[VectorID]int)}
}

// Dimension returns the embedding width.
func (h *Heap) Dimension() int {
	return h.dim
}

// Len returns the number of stored vectors.
func (h *Heap) Len() int {
	return len(h.ids)
}

// Set stores or replaces the embedding for an id.
func (h *Heap) Set(id VectorID, embedding []float32) {
	if slot, ok := h.slotOf[id]; ok {
		copy(h.data[slot*h.dim:(slot+1)*h.dim], embedding)
		return
	}
	slot := len(h.ids)
	h.ids = append(h.ids, id)
	h.data = append(h.data, embedding...)
	h.slotOf[id] = slot
}

// Get returns the embedding for an id. The returned slice aliases the
// heap; callers must not mutate it.
func (h *Heap) Get(id VectorID) ([]float32, bool) {
	slot, ok := h.slotOf[id]
	if !ok {
		return nil, false
	}
	return h.data[slot*h.dim : (slot+1)*h.dim], true
}

// Contains reports whether an id is stored.
func (h *Heap) Contains(id VectorID) bool {
	_, ok := h.slotOf[id]
	return ok
}

// Delete removes an id, swapping the last slot into its place.
func (h *Heap) Delete(id VectorID) bool {
	slot, ok := h.slotOf[id]
	if !ok {
		return false
	}
	last := len(h.ids) - 1
	if slot != last {
		lastID := h.ids[last]
		copy(h.data[slot*h.dim:(slot+1)*h.dim], h.data[last*h.dim:(last+1)*h.dim])
		h.ids[slot] = lastID
		h.slotOf[lastID] = slot
	}
	h.ids = h.ids[:last]
	h.data = h.data[:last*h.dim]
	delete(h.slotOf, id)
	return true
}

// IDs returns all stored ids in ascending order.
func (h *Heap) IDs() []VectorID {
	out := make([]VectorID, len(h.ids))
	copy(out, h.ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Freeze writes the heap to path atomically. Vectors are written in
// ascending id order so identical heaps produce identical files.
func (h *Heap) Freeze(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	ids := h.IDs()
	buf := make([]byte, heapHeaderSize, heapHeaderSize+len(ids)*(8+h.dim*4))
	binary.LittleEndian.PutUint32(buf[0:4], heapMagic)
	binary.LittleEndian.PutUint32(buf[4:8], heapFormatVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.dim))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(len(ids)))

	var scratch [8]byte
	for _, id := range ids {
		binary.LittleEndian.PutUint64(scratch[:], uint64(id))
		buf = append(buf, scratch[:]...)
		emb, _ := h.Get(id)
		for _, f := range emb {
			binary.LittleEndian.PutUint32(scratch[:4], math.Float32bits(f))
			buf = append(buf, scratch[:4]...)
		}
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadHeap mmaps a frozen heap file. Returns (nil, nil) when the file
// does not exist, and an error when it is corrupt.
func LoadHeap(path string, expectDim int) (*Heap, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer mapped.Unmap()

	fail := func() (*Heap, error) {
		return nil, ErrDimensionMismatch
	}
	if len(mapped) < heapHeaderSize {
		return fail()
	}
	if binary.LittleEndian.Uint32(mapped[0:4]) != heapMagic ||
		binary.LittleEndian.Uint32(mapped[4:8]) != heapFormatVersion {
		return fail()
	}
	dim := int(binary.LittleEndian.Uint32(mapped[8:12]))
	count := int(binary.LittleEndian.Uint64(mapped[12:20]))
	if dim != expectDim {
		return fail()
	}
	recordSize := 8 + dim*4
	if len(mapped) < heapHeaderSize+count*recordSize {
		return fail()
	}

	h := NewHeap(dim)
	h.ids = make([]VectorID, count)
	h.data = make([]float32, 0, count*dim)
	for i := 0; i < count; i++ {
		off := heapHeaderSize + i*recordSize
		id := VectorID(binary.LittleEndian.Uint64(mapped[off : off+8]))
		h.ids[i] = id
		h.slotOf[id] = i
		for j := 0; j < dim; j++ {
			bits := binary.LittleEndian.Uint32(mapped[off+8+j*4 : off+12+j*4])
			h.data = append(h.data, math.Float32frombits(bits))
		}
	}
	return h, nil
}
