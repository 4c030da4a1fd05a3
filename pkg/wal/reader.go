// pkg/wal/reader.go
package wal

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"go.uber.org/zap"
)

// resyncWindowSize is how many bytes the reader scans for a plausible
// length prefix after detecting corruption.
const resyncWindowSize = 4096

// Reader streams entries from a WAL file with CRC validation and
// automatic resynchronization after corruption. A truncated entry at
// the end of the file is treated as a partial final write, not an
// error.
type Reader struct {
	file     *os.File
	path     string
	position int64
	fileSize int64
	logger   *zap.Logger

	corruptionCount uint64
	resyncCount     uint64
}

// OpenReader opens a WAL file for reading from the start.
func OpenReader(path string, logger *zap.Logger) (*Reader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Reader{
		file:     file,
		path:     path,
		fileSize: info.Size(),
		logger:   logger,
	}, nil
}

// OpenReaderAt opens a WAL file and seeks to offset.
func OpenReaderAt(path string, offset int64, logger *zap.Logger) (*Reader, error) {
	r, err := OpenReader(path, logger)
	if err != nil {
		return nil, err
	}
	r.position = offset
	return r, nil
}

// Position returns the current byte offset.
func (r *Reader) Position() int64 {
	return r.position
}

// FileSize returns the WAL file size at open time.
func (r *Reader) FileSize() int64 {
	return r.fileSize
}

// CorruptionCount returns how many corrupt entries were encountered.
func (r *Reader) CorruptionCount() uint64 {
	return r.corruptionCount
}

// ResyncCount returns how many successful resyncs occurred.
func (r *Reader) ResyncCount() uint64 {
	return r.resyncCount
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Next returns the next valid entry, or (nil, nil) at end of file.
// On CRC mismatch or implausible framing it scans forward for the next
// plausible entry; only I/O failures surface as errors.
func (r *Reader) Next() (*Entry, error) {
	for {
		entry, err := r.tryRead()
		if err == nil {
			return entry, nil
		}

		switch {
		case errors.Is(err, ErrChecksumMismatch),
			errors.Is(err, ErrEntryTooShort),
			errors.Is(err, ErrEntryTooLarge):
			r.corruptionCount++
			r.logger.Warn("wal entry corrupt, attempting resync",
				zap.Int64("offset", r.position),
				zap.Error(err))
			resynced, rerr := r.resync()
			if rerr != nil {
				return nil, rerr
			}
			if resynced {
				r.resyncCount++
				r.logger.Debug("wal resync successful",
					zap.Int64("position", r.position))
				continue
			}
			if r.position >= r.fileSize {
				return nil, nil
			}
			// Window exhausted without a valid entry: advance and keep
			// scanning until EOF.
			continue
		case errors.Is(err, ErrTruncatedEntry):
			// Partial final write.
			return nil, nil
		default:
			return nil, err
		}
	}
}

// tryRead attempts to parse one entry at the current position.
func (r *Reader) tryRead() (*Entry, error) {
	if r.position >= r.fileSize {
		return nil, nil
	}

	var lenBuf [4]byte
	if _, err := r.file.ReadAt(lenBuf[:], r.position); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrTruncatedEntry
		}
		return nil, err
	}

	bodyLen := int(binary.LittleEndian.Uint32(lenBuf[:]))
	if bodyLen < MinEntrySize {
		return nil, ErrEntryTooShort
	}
	if bodyLen > MaxEntrySize {
		return nil, ErrEntryTooLarge
	}

	frame := make([]byte, 4+bodyLen)
	n, err := r.file.ReadAt(frame, r.position)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n < len(frame) {
		return nil, ErrTruncatedEntry
	}

	entry, consumed, err := DeserializeEntry(frame)
	if err != nil {
		return nil, err
	}
	r.position += int64(consumed)
	return entry, nil
}

// resync scans forward from the corruption point looking for a
// position where a complete, CRC-valid entry parses. Returns true when
// the position was moved to a valid entry.
func (r *Reader) resync() (bool, error) {
	window := make([]byte, resyncWindowSize)
	// Skip the corrupt length prefix itself, then scan.
	scanBase := r.position + 1

	n, err := r.file.ReadAt(window, scanBase)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	if n == 0 {
		r.position = r.fileSize
		return false, nil
	}
	window = window[:n]

	for i := 0; i+4 <= len(window); i++ {
		potential := int(binary.LittleEndian.Uint32(window[i : i+4]))
		if potential < MinEntrySize || potential > MaxEntrySize {
			continue
		}
		candidate := scanBase + int64(i)
		saved := r.position
		r.position = candidate
		if _, err := r.tryRead(); err == nil {
			// Valid entry found; rewind so Next re-reads it.
			r.position = candidate
			return true, nil
		}
		r.position = saved
	}

	// No valid entry in this window; advance past it and report failure
	// so the caller can decide whether to keep scanning.
	r.position = scanBase + int64(len(window))
	return false, nil
}

// ReadAll streams every remaining valid entry.
func (r *Reader) ReadAll() ([]*Entry, error) {
	var entries []*Entry
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return entries, nil
		}
		entries = append(entries, entry)
	}
}
