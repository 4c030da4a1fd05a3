// pkg/wal/manager.go
package wal

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// SafetyBufferSize is how many bytes before the truncation point are
// kept when dropping covered WAL prefixes.
const SafetyBufferSize = 1024

// Manager handles WAL file lifecycle: size tracking and prefix
// truncation after snapshots. Truncation is atomic via a temp file and
// rename, so a crash mid-truncation leaves the original WAL intact.
type Manager struct {
	path   string
	logger *zap.Logger
}

// NewManager creates a manager for the WAL at path, creating the file
// if needed.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	f.Close()
	return &Manager{path: path, logger: logger}, nil
}

// Path returns the WAL file path.
func (m *Manager) Path() string {
	return m.path
}

// Size returns the WAL file size in bytes.
func (m *Manager) Size() (int64, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// TruncatePrefix drops all entries before keepFrom, minus the safety
// buffer, cutting only on an entry boundary. Returns the actual cut
// offset and the bytes reclaimed. The caller must rebase any recorded
// WAL offsets by the cut offset afterwards.
func (m *Manager) TruncatePrefix(keepFrom int64) (int64, int64, error) {
	target := keepFrom - SafetyBufferSize
	if target <= 0 {
		return 0, 0, nil
	}

	cut, err := m.entryBoundaryAtOrBefore(target)
	if err != nil {
		return 0, 0, err
	}
	if cut <= 0 {
		return 0, 0, nil
	}

	src, err := os.Open(m.path)
	if err != nil {
		return 0, 0, err
	}
	defer src.Close()

	tmp := m.path + ".compact"
	dst, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, 0, err
	}

	if _, err := src.Seek(cut, io.SeekStart); err != nil {
		dst.Close()
		os.Remove(tmp)
		return 0, 0, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return 0, 0, err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return 0, 0, err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return 0, 0, err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return 0, 0, err
	}
	if err := syncDir(filepath.Dir(m.path)); err != nil {
		return 0, 0, err
	}

	m.logger.Info("wal prefix truncated",
		zap.Int64("cut_offset", cut),
		zap.Int64("reclaimed_bytes", cut))
	return cut, cut, nil
}

// entryBoundaryAtOrBefore walks frames from the start and returns the
// largest entry boundary <= target. Corrupt framing stops the walk at
// the last good boundary.
func (m *Manager) entryBoundaryAtOrBefore(target int64) (int64, error) {
	f, err := os.Open(m.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var offset int64
	var lenBuf [4]byte
	for {
		if _, err := f.ReadAt(lenBuf[:], offset); err != nil {
			if errors.Is(err, io.EOF) {
				return offset, nil
			}
			return 0, err
		}
		bodyLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))
		if bodyLen < MinEntrySize || bodyLen > MaxEntrySize {
			return offset, nil
		}
		next := offset + 4 + bodyLen
		if next > target {
			return offset, nil
		}
		offset = next
	}
}
