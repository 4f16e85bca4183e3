package sheets

import (
	"context"
	"sync"
)

var _ Exporter = (*MockWriter)(nil)

// MockWriter records exported rows for tests.
type MockWriter struct {
	WriteFunc func(ctx context.Context, rows []ReviewRow) error
	LastRows  []ReviewRow
	calls     int
	mu        sync.Mutex
}

// NewMockWriter creates a new mock writer.
func NewMockWriter() *MockWriter {
	return &MockWriter{}
}

// Write implements Exporter.
func (m *MockWriter) Write(ctx context.Context, rows []ReviewRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.LastRows = rows
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, rows)
	}
	return nil
}

// Calls returns how many times Write was called.
func (m *MockWriter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
