// Package pool owns at most one live transport per chain id and hands out
// reference-counted handles to it. Connections are created on first acquire,
// kept alive while borrowed, and torn down when the last handle is released.
package pool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"chainmux/internal/directory"
	"chainmux/internal/metrics"
	"chainmux/internal/transport"

	"github.com/rs/zerolog/log"
)

const (
	// handleSpace bounds the random handle domain. Collisions are checked
	// against the chain's active set, so a 1e8 space is plenty.
	handleSpace = 100_000_000

	// DefaultReadyTimeout is how long callers wait for a transport to come
	// up before proceeding anyway.
	DefaultReadyTimeout = 30 * time.Second

	defaultReconnectInterval = 5 * time.Second
	defaultKeepaliveInterval = 10 * time.Second
	defaultKeepaliveMethod   = "system_health"
)

// ErrNoHealthyEndpoints is returned by Acquire when a chain has no candidate
// endpoints to connect to.
var ErrNoHealthyEndpoints = fmt.Errorf("no healthy endpoints")

// ErrStaleHandle is returned by Release when the handle is not a current
// member of the chain's active set. It signals a caller bug: a handle was
// released twice while the connection was still alive, or never acquired.
var ErrStaleHandle = fmt.Errorf("stale connection handle")

// Handle is a per-borrower lease token on a pooled connection. It must be
// released exactly once.
type Handle int

// ChainDirectory resolves a chain id to its endpoint candidates.
type ChainDirectory interface {
	GetChain(ctx context.Context, chainID string) (*directory.Chain, error)
}

// entry is the per-chain connection record. A non-empty handle set implies a
// present transport; when the set empties the entry is removed.
type entry struct {
	transport       transport.Transport
	handles         map[Handle]struct{}
	keepaliveCancel context.CancelFunc
}

// Pool is the process-wide connection pool. All entry-map mutation happens
// under mu; dials, handshakes and probes happen outside it.
type Pool struct {
	directory ChainDirectory

	mu      sync.Mutex
	entries map[string]*entry

	// NewTransportFunc builds the transport for an ordered endpoint list.
	// Patchable in tests.
	NewTransportFunc func(endpoints []string, reconnectInterval time.Duration) (transport.Transport, error)

	reconnectInterval time.Duration
	keepaliveInterval time.Duration
	keepaliveMethod   string
	randInt           func(n int) int
}

// NewPool creates a Pool over the given directory.
func NewPool(dir ChainDirectory) *Pool {
	return &Pool{
		directory: dir,
		entries:   make(map[string]*entry),
		NewTransportFunc: func(endpoints []string, reconnectInterval time.Duration) (transport.Transport, error) {
			return transport.NewWSTransport(endpoints, reconnectInterval), nil
		},
		reconnectInterval: defaultReconnectInterval,
		keepaliveInterval: defaultKeepaliveInterval,
		keepaliveMethod:   defaultKeepaliveMethod,
		randInt:           rand.Intn,
	}
}

// SetIntervals overrides the reconnect and keepalive intervals. Call before
// the first Acquire.
func (p *Pool) SetIntervals(reconnect, keepalive time.Duration) {
	if reconnect > 0 {
		p.reconnectInterval = reconnect
	}
	if keepalive > 0 {
		p.keepaliveInterval = keepalive
	}
}

// Acquire returns a handle on the chain's pooled connection, connecting on
// first use. The endpoint list is fetched fresh from the directory and
// ordered healthy-first; the handle must be passed to Release exactly once.
func (p *Pool) Acquire(ctx context.Context, chainID string) (Handle, transport.Transport, error) {
	chain, err := p.directory.GetChain(ctx, chainID)
	if err != nil {
		return 0, nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[chainID]; ok {
		h := p.newHandle(e)
		e.handles[h] = struct{}{}
		metrics.PoolHandles.WithLabelValues(chainID).Inc()
		return h, e.transport, nil
	}

	ordered := directory.OrderHealthyFirst(chain.RPCs)
	if len(ordered) == 0 {
		return 0, nil, fmt.Errorf("%w: chain %s", ErrNoHealthyEndpoints, chainID)
	}
	urls := make([]string, len(ordered))
	for i, rpc := range ordered {
		urls[i] = rpc.URL
	}

	t, err := p.NewTransportFunc(urls, p.reconnectInterval)
	if err != nil {
		return 0, nil, fmt.Errorf("connect %s: %w", chainID, err)
	}

	keepaliveCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		transport:       t,
		handles:         make(map[Handle]struct{}),
		keepaliveCancel: cancel,
	}
	h := p.newHandle(e)
	e.handles[h] = struct{}{}
	p.entries[chainID] = e

	metrics.PoolConnections.WithLabelValues(chainID).Set(1)
	metrics.PoolHandles.WithLabelValues(chainID).Inc()
	log.Debug().Str("chain", chainID).Int("endpoints", len(urls)).Msg("Opened pooled connection")

	go p.keepalive(keepaliveCtx, chainID, t)

	return h, t, nil
}

// Release returns a handle. The last release for a chain disconnects the
// transport and stops its keepalive. Releasing against a chain with no live
// connection is a benign no-op (two releases can race to zero); releasing a
// handle the entry does not hold is a caller bug and returns ErrStaleHandle.
func (p *Pool) Release(chainID string, h Handle) error {
	p.mu.Lock()
	e, ok := p.entries[chainID]
	if !ok {
		p.mu.Unlock()
		log.Warn().Str("chain", chainID).Int("handle", int(h)).Msg("Release for chain with no live connection")
		return nil
	}
	if _, held := e.handles[h]; !held {
		p.mu.Unlock()
		return fmt.Errorf("%w: chain %s handle %d", ErrStaleHandle, chainID, h)
	}

	delete(e.handles, h)
	metrics.PoolHandles.WithLabelValues(chainID).Dec()
	if len(e.handles) > 0 {
		p.mu.Unlock()
		return nil
	}
	delete(p.entries, chainID)
	p.mu.Unlock()

	e.keepaliveCancel()
	if err := e.transport.Disconnect(); err != nil {
		log.Warn().Err(err).Str("chain", chainID).Msg("Error disconnecting pooled connection")
	}
	metrics.PoolConnections.WithLabelValues(chainID).Set(0)
	log.Debug().Str("chain", chainID).Msg("Closed pooled connection, no borrowers left")
	return nil
}

// WaitUntilReady blocks until the transport reports ready, the timeout
// elapses, or ctx is done. The timeout is advisory: it unblocks the caller
// without cancelling the connection attempt, so a subsequent request may
// still hit a not-yet-ready transport.
func (p *Pool) WaitUntilReady(ctx context.Context, t transport.Transport, timeout time.Duration) {
	select {
	case <-t.Ready():
	case <-time.After(timeout):
	case <-ctx.Done():
	}
}

// ActiveHandles returns the number of live handles for a chain.
func (p *Pool) ActiveHandles(chainID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[chainID]; ok {
		return len(e.handles)
	}
	return 0
}

// HasConnection reports whether the chain currently has a pooled transport.
func (p *Pool) HasConnection(chainID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[chainID]
	return ok
}

// newHandle allocates a handle unique within the entry's active set.
// Called with mu held.
func (p *Pool) newHandle(e *entry) Handle {
	for {
		h := Handle(p.randInt(handleSpace))
		if _, exists := e.handles[h]; !exists {
			return h
		}
	}
}

// keepalive probes the transport at a fixed interval once it first reports
// ready, to keep idle connections from being dropped by the remote side.
// Probe failures are logged and counted, never propagated; the transport's
// own reconnect loop handles actual connection loss.
func (p *Pool) keepalive(ctx context.Context, chainID string, t transport.Transport) {
	select {
	case <-t.Ready():
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(p.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.IsConnected() {
				continue
			}
			probeCtx, cancel := context.WithTimeout(ctx, p.keepaliveInterval)
			_, err := t.Send(probeCtx, p.keepaliveMethod, nil, false)
			cancel()
			if err != nil {
				metrics.KeepaliveFailures.WithLabelValues(chainID).Inc()
				log.Warn().Err(err).Str("chain", chainID).Msg("Keepalive probe failed")
			}
		}
	}
}
