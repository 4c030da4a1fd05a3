// pkg/durability/buffered.go
package durability

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"strata/pkg/core"
	"strata/pkg/wal"
)

// defaultBufferDepth bounds the number of commit batches waiting for
// the flusher. A full buffer applies backpressure by blocking Persist.
const defaultBufferDepth = 256

// defaultFlushInterval is how often the flusher fsyncs even when the
// channel stays busy.
const defaultFlushInterval = 50 * time.Millisecond

// bufferedMode appends commit batches from a dedicated flusher
// goroutine consuming a bounded channel, fsyncing periodically.
type bufferedMode struct {
	writer *wal.Writer
	logger *zap.Logger

	ch   chan []*wal.Entry
	done chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	flushErr error
}

// NewBuffered creates the async flush mode and starts its flusher.
func NewBuffered(writer *wal.Writer, logger *zap.Logger) Mode {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &bufferedMode{
		writer: writer,
		logger: logger,
		ch:     make(chan []*wal.Entry, defaultBufferDepth),
		done:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.flushLoop()
	return m
}

func (m *bufferedMode) flushLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case batch := <-m.ch:
			if _, err := m.writer.AppendBatch(batch); err != nil {
				m.recordErr(err)
				continue
			}
			dirty = true
		case <-ticker.C:
			if dirty {
				if err := m.writer.Sync(); err != nil {
					m.recordErr(err)
				}
				dirty = false
			}
		case <-m.done:
			// Drain whatever is still queued, then final sync.
			for {
				select {
				case batch := <-m.ch:
					if _, err := m.writer.AppendBatch(batch); err != nil {
						m.recordErr(err)
					}
				default:
					if err := m.writer.Sync(); err != nil {
						m.recordErr(err)
					}
					return
				}
			}
		}
	}
}

func (m *bufferedMode) recordErr(err error) {
	m.mu.Lock()
	if m.flushErr == nil {
		m.flushErr = err
	}
	m.mu.Unlock()
	m.logger.Error("wal flush failed", zap.Error(err))
}

// Persist enqueues the batch, blocking when the buffer is full. A
// flush failure observed earlier surfaces here so commits stop
// succeeding against a broken WAL.
func (m *bufferedMode) Persist(batch []*wal.Entry) error {
	if len(batch) == 0 {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return core.NewError(core.CodeStorage, "durability mode is shut down")
	}
	if m.flushErr != nil {
		err := m.flushErr
		m.mu.Unlock()
		return core.WrapError(core.CodeStorage, "wal flush previously failed", err)
	}
	m.mu.Unlock()

	m.ch <- batch
	return nil
}

// Shutdown stops the flusher, drains the queue, and surfaces any flush
// failure.
func (m *bufferedMode) Shutdown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flushErr != nil {
		return core.WrapError(core.CodeStorage, "wal flush failed during shutdown", m.flushErr)
	}
	return nil
}

func (m *bufferedMode) IsPersistent() bool { return true }
func (m *bufferedMode) RequiresWAL() bool  { return true }
func (m *bufferedMode) Name() string       { return "Buffered" }
