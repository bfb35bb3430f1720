// Package transport defines the connection contract the socket pool is
// written against, plus the WebSocket JSON-RPC implementation of it.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Errors returned by transport implementations.
var (
	// ErrNotConnected is returned when a request is issued against a
	// transport that has no live connection yet.
	ErrNotConnected = errors.New("transport not connected")
	// ErrDisconnected is returned for requests that were in flight when the
	// connection dropped or the transport was torn down.
	ErrDisconnected = errors.New("transport disconnected")
)

// RPCError is a JSON-RPC error object returned by the remote node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Callback is invoked for every push delivered on a subscription. Exactly one
// of err and result is set per invocation.
type Callback func(err error, result json.RawMessage)

// Transport is a single pooled connection to a chain. The socket pool and
// the request multiplexer are written against this interface only; concrete
// variants (WebSocket today, embedded light clients tomorrow) stay
// interchangeable.
type Transport interface {
	// Ready returns a channel closed once the transport has connected for
	// the first time.
	Ready() <-chan struct{}

	// IsConnected reports whether a connection is currently live.
	IsConnected() bool

	// Send issues a one-shot request and returns the raw result. Cacheable
	// requests may be answered from a per-connection cache.
	Send(ctx context.Context, method string, params []interface{}, cacheable bool) (json.RawMessage, error)

	// Subscribe issues subscribeMethod and registers cb for every
	// notification arriving under responseMethod with the returned
	// subscription id.
	Subscribe(ctx context.Context, responseMethod, subscribeMethod string, params []interface{}, cb Callback) (string, error)

	// Unsubscribe issues unsubscribeMethod for a subscription id obtained
	// from Subscribe and stops delivery to its callback.
	Unsubscribe(ctx context.Context, responseMethod, unsubscribeMethod, subscriptionID string) error

	// Disconnect tears the connection down. Idempotent.
	Disconnect() error
}
