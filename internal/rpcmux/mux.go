// Package rpcmux dispatches JSON-RPC requests and subscriptions over pooled
// chain connections. Every call borrows a connection from the pool for its
// duration and returns it exactly once, whether the call succeeds or fails.
package rpcmux

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chainmux/internal/pool"
	"chainmux/internal/transport"
)

const (
	// DefaultSendReadyTimeout bounds how long a one-shot request waits for
	// the underlying socket to come up before dispatching anyway.
	DefaultSendReadyTimeout = 15 * time.Second

	// DefaultSubscribeReadyTimeout is longer: a subscription is long-lived,
	// so it is worth waiting out a slow reconnect before the handshake.
	DefaultSubscribeReadyTimeout = 30 * time.Second
)

// ConnectionPool is the slice of pool.Pool the multiplexer needs.
type ConnectionPool interface {
	Acquire(ctx context.Context, chainID string) (pool.Handle, transport.Transport, error)
	Release(chainID string, h pool.Handle) error
	WaitUntilReady(ctx context.Context, t transport.Transport, timeout time.Duration)
}

// UnsubscribeFunc tears down a live subscription. It is idempotent; only the
// first call reaches the node and releases the pooled connection.
type UnsubscribeFunc func(ctx context.Context) error

// Mux routes requests to per-chain pooled transports.
type Mux struct {
	pool ConnectionPool

	sendReadyTimeout      time.Duration
	subscribeReadyTimeout time.Duration
}

// New returns a Mux dispatching over the given pool.
func New(p ConnectionPool) *Mux {
	return &Mux{
		pool:                  p,
		sendReadyTimeout:      DefaultSendReadyTimeout,
		subscribeReadyTimeout: DefaultSubscribeReadyTimeout,
	}
}

// SetReadyTimeouts overrides the readiness waits for requests and
// subscriptions. Call before dispatching.
func (m *Mux) SetReadyTimeouts(send, subscribe time.Duration) {
	if send > 0 {
		m.sendReadyTimeout = send
	}
	if subscribe > 0 {
		m.subscribeReadyTimeout = subscribe
	}
}

// Send performs a single request/response round trip on the chain's shared
// connection. The borrowed handle is released on every path out.
func (m *Mux) Send(ctx context.Context, chainID, method string, params []interface{}, cacheable bool) (json.RawMessage, error) {
	h, t, err := m.pool.Acquire(ctx, chainID)
	if err != nil {
		return nil, err
	}
	defer m.release(chainID, h)

	m.pool.WaitUntilReady(ctx, t, m.sendReadyTimeout)

	return t.Send(ctx, method, params, cacheable)
}

// Subscribe opens a subscription on the chain's shared connection and keeps
// the borrowed handle alive until the returned UnsubscribeFunc is called.
// If the handshake fails the handle is released before returning.
func (m *Mux) Subscribe(ctx context.Context, chainID, responseMethod, subscribeMethod, unsubscribeMethod string, params []interface{}, cb transport.Callback) (UnsubscribeFunc, error) {
	h, t, err := m.pool.Acquire(ctx, chainID)
	if err != nil {
		return nil, err
	}

	m.pool.WaitUntilReady(ctx, t, m.subscribeReadyTimeout)

	subID, err := t.Subscribe(ctx, responseMethod, subscribeMethod, params, cb)
	if err != nil {
		m.release(chainID, h)
		return nil, err
	}

	var once sync.Once
	unsub := func(ctx context.Context) error {
		var unsubErr error
		once.Do(func() {
			unsubErr = t.Unsubscribe(ctx, responseMethod, unsubscribeMethod, subID)
			m.release(chainID, h)
		})
		return unsubErr
	}
	return unsub, nil
}

// release returns a handle to the pool, logging rather than propagating
// failures: by this point the caller's request has already resolved.
func (m *Mux) release(chainID string, h pool.Handle) {
	if err := m.pool.Release(chainID, h); err != nil {
		log.Warn().Err(err).Str("chain", chainID).Int("handle", int(h)).Msg("Failed to release pooled connection")
	}
}
