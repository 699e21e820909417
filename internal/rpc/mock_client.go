// Package rpc - in-memory mock Client for unit tests.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockClient is a mock Client keyed by JSON-RPC method name.
type MockClient struct {
	mu        sync.RWMutex
	responses map[string]interface{}
	errors    map[string]error
	callCount map[string]int
}

func NewMockClient() *MockClient {
	return &MockClient{
		responses: make(map[string]interface{}),
		errors:    make(map[string]error),
		callCount: make(map[string]int),
	}
}

func (m *MockClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount[method]++

	if err, ok := m.errors[method]; ok {
		return nil, err
	}
	resp, ok := m.responses[method]
	if !ok {
		return nil, fmt.Errorf("no mock response configured for method: %s", method)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal mock response: %w", err)
	}
	return data, nil
}

func (m *MockClient) CallBatch(ctx context.Context, requests []Request) ([]Result, error) {
	results := make([]Result, len(requests))
	for i, req := range requests {
		v, err := m.Call(ctx, req.Method, req.Params)
		results[i] = Result{Value: v, Err: err}
	}
	return results, nil
}

func (m *MockClient) Close() error { return nil }

func (m *MockClient) SetResponse(method string, response interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method] = response
}

func (m *MockClient) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockClient) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount[method]
}

func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = make(map[string]interface{})
	m.errors = make(map[string]error)
	m.callCount = make(map[string]int)
}

var _ Client = (*MockClient)(nil)
