package store

import (
	"context"
	"sync"
)

// MemoryClient is an in-memory implementation of Client for tests and for
// running the gateway without a Redis instance. Safe for concurrent use.
type MemoryClient struct {
	healths map[string]*EndpointHealth
	counts  map[string]int64
	mu      sync.RWMutex
}

// NewMemoryClient creates a MemoryClient with empty state.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		healths: make(map[string]*EndpointHealth),
		counts:  make(map[string]int64),
	}
}

// GetEndpointHealth returns the stored record for an endpoint, or the
// never-probed default when it has not been written yet.
func (m *MemoryClient) GetEndpointHealth(_ context.Context, chainID, url string) (*EndpointHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	health, ok := m.healths[chainID+":"+url]
	if !ok {
		h := NewEndpointHealth(url)
		return &h, nil
	}
	copied := *health
	return &copied, nil
}

// UpdateEndpointHealth sets the record for an endpoint.
func (m *MemoryClient) UpdateEndpointHealth(_ context.Context, chainID string, health EndpointHealth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healths[chainID+":"+health.URL] = &health
	return nil
}

// IncrementRequestCount increments the counter for an endpoint and kind.
func (m *MemoryClient) IncrementRequestCount(_ context.Context, chainID, url, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[chainID+":"+url+":"+kind]++
	return nil
}

// GetRequestCount returns the counter for an endpoint and kind.
func (m *MemoryClient) GetRequestCount(_ context.Context, chainID, url, kind string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[chainID+":"+url+":"+kind], nil
}

// Ping always succeeds.
func (m *MemoryClient) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MemoryClient) Close() error {
	return nil
}

// PopulateHealths allows tests to pre-populate endpoint health records.
func (m *MemoryClient) PopulateHealths(chainID string, healths []EndpointHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range healths {
		copied := h
		m.healths[chainID+":"+h.URL] = &copied
	}
}
