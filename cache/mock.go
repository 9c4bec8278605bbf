package cache

import "sync"

// MockInvalidator is a mock implementation of Invalidator for testing
type MockInvalidator struct {
	mu            sync.Mutex
	Calls         []string // "pattern" per Invalidate, "*ALL*" per InvalidateAll
	InvalidateErr error
}

// FullInvalidationCall marks an InvalidateAll in the recorded call log
const FullInvalidationCall = "*ALL*"

// NewMockInvalidator creates a mock invalidator
func NewMockInvalidator() *MockInvalidator {
	return &MockInvalidator{}
}

// Invalidate records the pattern for later inspection in tests.
// The call is recorded even when InvalidateErr is set.
func (m *MockInvalidator) Invalidate(keyPattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, keyPattern)
	return m.InvalidateErr
}

// InvalidateAll records a full invalidation
func (m *MockInvalidator) InvalidateAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, FullInvalidationCall)
	return m.InvalidateErr
}

// CallLog returns a copy of the recorded calls
func (m *MockInvalidator) CallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...)
}

// Reset clears all recorded calls
func (m *MockInvalidator) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}
