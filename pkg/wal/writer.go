// pkg/wal/writer.go
package wal

import (
	"os"
	"path/filepath"
	"sync"
)

// Writer appends framed entries to the WAL file. Single-producer
// semantics are enforced by the internal lock; callers may share one
// Writer across goroutines.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	offset int64
}

// OpenWriter opens (or creates) the WAL file for appending.
func OpenWriter(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(0, 2); err != nil {
		file.Close()
		return nil, err
	}
	return &Writer{file: file, path: path, offset: info.Size()}, nil
}

// Path returns the WAL file path.
func (w *Writer) Path() string {
	return w.path
}

// Offset returns the current end-of-file offset.
func (w *Writer) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Append writes one entry and returns the offset it was written at.
// The write is buffered by the OS; call Sync to make it durable.
func (w *Writer) Append(e *Entry) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame := e.Serialize()
	at := w.offset
	if _, err := w.file.WriteAt(frame, at); err != nil {
		return 0, err
	}
	w.offset += int64(len(frame))
	return at, nil
}

// AppendBatch writes several entries contiguously and returns the
// offset of the first. Entries of one transaction must go through a
// single AppendBatch so they stay contiguous between Begin and Commit.
func (w *Writer) AppendBatch(entries []*Entry) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var frame []byte
	for _, e := range entries {
		frame = append(frame, e.Serialize()...)
	}
	at := w.offset
	if len(frame) == 0 {
		return at, nil
	}
	if _, err := w.file.WriteAt(frame, at); err != nil {
		return 0, err
	}
	w.offset += int64(len(frame))
	return at, nil
}

// Sync fsyncs the WAL file.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close syncs and closes the WAL file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		w.file = nil
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Reopen re-points the writer at the (possibly truncated) file on disk.
// Used after compaction replaces the WAL via rename.
func (w *Writer) Reopen() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		w.file.Close()
	}
	file, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		w.file = nil
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		w.file = nil
		return err
	}
	w.file = file
	w.offset = info.Size()
	return nil
}
