package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a test implementation of the Client interface.
// Responses are produced by Handler; with no handler every call fails.
type MockClient struct {
	Handler func(req Request) (Response, error)
	calls   []Request
	mu      sync.Mutex
}

// NewMockClient creates a mock whose handler returns the same JSON content for every call.
func NewMockClient(content string) *MockClient {
	return &MockClient{
		Handler: func(Request) (Response, error) {
			return Response{Content: content}, nil
		},
	}
}

// NewFailingMockClient creates a mock that fails every call with err.
func NewFailingMockClient(err error) *MockClient {
	if err == nil {
		err = fmt.Errorf("language model unavailable")
	}
	return &MockClient{
		Handler: func(Request) (Response, error) {
			return Response{}, err
		},
	}
}

// Complete records the request and delegates to Handler.
func (m *MockClient) Complete(_ context.Context, req Request) (Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	handler := m.Handler
	m.mu.Unlock()

	if handler == nil {
		return Response{}, fmt.Errorf("mock client has no handler")
	}
	return handler(req)
}

// CallCount returns the number of Complete calls made.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns a copy of the recorded requests.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]Request, len(m.calls))
	copy(calls, m.calls)
	return calls
}
