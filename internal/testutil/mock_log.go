// mock_log.go - In-memory durable log for relay tests
package testutil

import (
	"errors"
	"iter"
	"sync"

	"github.com/printer-dashboard/relay/internal/models"
	"github.com/printer-dashboard/relay/internal/storage"
)

// ErrInjected is the default failure returned by FailNext.
var ErrInjected = errors.New("injected append failure")

// MockLog implements storage.Log in memory with failure injection.
type MockLog struct {
	mu       sync.Mutex
	records  []models.LogRecord
	failNext int
	failErr  error
	closed   bool
}

// NewMockLog creates an empty mock log.
func NewMockLog() *MockLog {
	return &MockLog{}
}

// FailNext makes the next n appends fail with err (ErrInjected when nil).
func (m *MockLog) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	m.failNext = n
	m.failErr = err
}

func (m *MockLog) Append(rec models.LogRecord) (models.LogRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.LogRecord{}, storage.ErrClosed
	}
	if m.failNext > 0 {
		m.failNext--
		return models.LogRecord{}, m.failErr
	}
	rec.Seq = uint64(len(m.records) + 1)
	rec.Readings = append([]models.Reading(nil), rec.Readings...)
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *MockLog) Records() iter.Seq2[models.LogRecord, error] {
	return func(yield func(models.LogRecord, error) bool) {
		for _, rec := range m.All() {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// All returns a copy of every appended record.
func (m *MockLog) All() []models.LogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.LogRecord, len(m.records))
	copy(out, m.records)
	return out
}

func (m *MockLog) Len() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.records))
}

func (m *MockLog) SizeBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)) * 64
}

func (m *MockLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockLog) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ storage.Log = (*MockLog)(nil)
