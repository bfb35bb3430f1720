package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chainmux/internal/config"
	"chainmux/internal/directory"
	"chainmux/internal/pool"
	"chainmux/internal/rpcmux"
	"chainmux/internal/store"
	"chainmux/internal/transport"
)

// fakeDispatcher is a scriptable Dispatcher.
type fakeDispatcher struct {
	mu           sync.Mutex
	sendResult   json.RawMessage
	sendErr      error
	subscribeErr error
	callbacks    []transport.Callback
	unsubscribes int

	// When set, Subscribe closes subscribeStarted and then parks on
	// subscribeGate before completing the handshake.
	subscribeStarted chan struct{}
	subscribeGate    chan struct{}
}

func (f *fakeDispatcher) Send(_ context.Context, _, _ string, _ []interface{}, _ bool) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendResult, f.sendErr
}

func (f *fakeDispatcher) Subscribe(_ context.Context, _, _, _, _ string, _ []interface{}, cb transport.Callback) (rpcmux.UnsubscribeFunc, error) {
	if f.subscribeStarted != nil {
		close(f.subscribeStarted)
	}
	if f.subscribeGate != nil {
		<-f.subscribeGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.callbacks = append(f.callbacks, cb)
	return func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribes++
		return nil
	}, nil
}

func (f *fakeDispatcher) push(result json.RawMessage) {
	f.mu.Lock()
	cbs := append([]transport.Callback(nil), f.callbacks...)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(nil, result)
	}
}

func (f *fakeDispatcher) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribes
}

func testServer(dispatcher Dispatcher) *httptest.Server {
	cfg := &config.Config{Chains: map[string]config.Chain{
		"polkadot": {Name: "polkadot", RPCs: []config.RPC{{URL: "wss://rpc.polkadot.io"}}},
	}}
	s := NewServer(cfg, dispatcher, store.NewMemoryClient())
	return httptest.NewServer(s.Router())
}

func postRPC(t *testing.T, url, body string) (*http.Response, rpcResponse) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	var decoded rpcResponse
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestChainRequestSuccess(t *testing.T) {
	dispatcher := &fakeDispatcher{sendResult: json.RawMessage(`"Polkadot"`)}
	ts := testServer(dispatcher)
	defer ts.Close()

	resp, decoded := postRPC(t, ts.URL+"/polkadot", `{"jsonrpc":"2.0","id":1,"method":"system_chain","params":[]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(decoded.Result) != `"Polkadot"` {
		t.Errorf("unexpected result %s", decoded.Result)
	}
	if string(decoded.ID) != "1" {
		t.Errorf("request id not echoed, got %s", decoded.ID)
	}
}

func TestChainRequestRelaysNodeError(t *testing.T) {
	dispatcher := &fakeDispatcher{sendErr: &transport.RPCError{Code: -32601, Message: "Method not found"}}
	ts := testServer(dispatcher)
	defer ts.Close()

	resp, decoded := postRPC(t, ts.URL+"/polkadot", `{"jsonrpc":"2.0","id":7,"method":"no_suchMethod","params":[]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("node errors should still be 200, got %d", resp.StatusCode)
	}
	if decoded.Error == nil || decoded.Error.Code != -32601 {
		t.Errorf("expected relayed error -32601, got %+v", decoded.Error)
	}
}

func TestChainRequestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"unknown chain", directory.ErrChainNotFound, http.StatusNotFound},
		{"no healthy endpoints", pool.ErrNoHealthyEndpoints, http.StatusServiceUnavailable},
		{"transport failure", errors.New("socket closed"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := testServer(&fakeDispatcher{sendErr: tc.err})
			defer ts.Close()

			resp, _ := postRPC(t, ts.URL+"/polkadot", `{"jsonrpc":"2.0","id":1,"method":"system_chain","params":[]}`)
			if resp.StatusCode != tc.status {
				t.Errorf("expected %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}
}

func TestChainRequestParseError(t *testing.T) {
	ts := testServer(&fakeDispatcher{})
	defer ts.Close()

	resp, decoded := postRPC(t, ts.URL+"/polkadot", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if decoded.Error == nil || decoded.Error.Code != -32700 {
		t.Errorf("expected parse error -32700, got %+v", decoded.Error)
	}
}

func TestUnconfiguredChainRoute(t *testing.T) {
	ts := testServer(&fakeDispatcher{sendResult: json.RawMessage(`"x"`)})
	defer ts.Close()

	resp, _ := postRPC(t, ts.URL+"/no-such-chain", `{"jsonrpc":"2.0","id":1,"method":"system_chain","params":[]}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unconfigured chain, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := testServer(&fakeDispatcher{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func dialWS(t *testing.T, ts *httptest.Server, chain string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/" + chain
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]json.RawMessage
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return frame
}

func TestWebSocketSubscribeLifecycle(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	ts := testServer(dispatcher)
	defer ts.Close()

	conn := dialWS(t, ts, "polkadot")
	defer conn.Close()

	if err := conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "chain_subscribeNewHeads", "params": []interface{}{},
	}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	frame := readFrame(t, conn)
	var subID string
	if err := json.Unmarshal(frame["result"], &subID); err != nil || subID == "" {
		t.Fatalf("expected a subscription id result, got %s", frame["result"])
	}

	// Push a head through the captured upstream callback.
	dispatcher.push(json.RawMessage(`{"number":"0x10"}`))

	frame = readFrame(t, conn)
	var method string
	json.Unmarshal(frame["method"], &method)
	if method != "chain_newHead" {
		t.Fatalf("expected chain_newHead notification, got %s", frame["method"])
	}
	var params notificationParams
	if err := json.Unmarshal(frame["params"], &params); err != nil {
		t.Fatalf("failed to decode notification params: %v", err)
	}
	if params.Subscription != subID {
		t.Errorf("notification carries wrong subscription id %q", params.Subscription)
	}
	if string(params.Result) != `{"number":"0x10"}` {
		t.Errorf("unexpected notification result %s", params.Result)
	}

	// Unsubscribe by the gateway-assigned id.
	if err := conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 2, "method": "chain_unsubscribeNewHeads", "params": []interface{}{subID},
	}); err != nil {
		t.Fatalf("failed to send unsubscribe: %v", err)
	}
	frame = readFrame(t, conn)
	if string(frame["result"]) != "true" {
		t.Errorf("expected unsubscribe result true, got %s", frame["result"])
	}
	if dispatcher.unsubscribeCount() != 1 {
		t.Errorf("expected 1 upstream unsubscribe, got %d", dispatcher.unsubscribeCount())
	}
}

func TestWebSocketUnsubscribeUnknownID(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	ts := testServer(dispatcher)
	defer ts.Close()

	conn := dialWS(t, ts, "polkadot")
	defer conn.Close()

	if err := conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "chain_unsubscribeNewHeads", "params": []interface{}{"bogus"},
	}); err != nil {
		t.Fatalf("failed to send unsubscribe: %v", err)
	}
	frame := readFrame(t, conn)
	if string(frame["result"]) != "false" {
		t.Errorf("expected false for unknown subscription id, got %s", frame["result"])
	}
}

func TestWebSocketOneShotRequest(t *testing.T) {
	dispatcher := &fakeDispatcher{sendResult: json.RawMessage(`"Polkadot"`)}
	ts := testServer(dispatcher)
	defer ts.Close()

	conn := dialWS(t, ts, "polkadot")
	defer conn.Close()

	if err := conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 5, "method": "system_chain", "params": []interface{}{},
	}); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	frame := readFrame(t, conn)
	if string(frame["result"]) != `"Polkadot"` {
		t.Errorf("unexpected result %s", frame["result"])
	}
	if string(frame["id"]) != "5" {
		t.Errorf("request id not echoed, got %s", frame["id"])
	}
}

func TestWebSocketDisconnectClosesSubscriptions(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	ts := testServer(dispatcher)
	defer ts.Close()

	conn := dialWS(t, ts, "polkadot")
	if err := conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "chain_subscribeNewHeads", "params": []interface{}{},
	}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	readFrame(t, conn)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for dispatcher.unsubscribeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if dispatcher.unsubscribeCount() != 1 {
		t.Errorf("client disconnect should close its subscriptions, got %d unsubscribes", dispatcher.unsubscribeCount())
	}
}

func TestWebSocketSubscribeAfterDisconnectIsClosed(t *testing.T) {
	dispatcher := &fakeDispatcher{
		subscribeStarted: make(chan struct{}),
		subscribeGate:    make(chan struct{}),
	}
	ts := testServer(dispatcher)
	defer ts.Close()

	conn := dialWS(t, ts, "polkadot")
	if err := conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "chain_subscribeNewHeads", "params": []interface{}{},
	}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	// Wait until the handshake is in flight, then disconnect the client and
	// give the session teardown a moment to sweep before the handshake
	// completes.
	<-dispatcher.subscribeStarted
	conn.Close()
	time.Sleep(100 * time.Millisecond)
	close(dispatcher.subscribeGate)

	deadline := time.Now().Add(2 * time.Second)
	for dispatcher.unsubscribeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if dispatcher.unsubscribeCount() != 1 {
		t.Errorf("subscription completed after disconnect should be closed, got %d unsubscribes", dispatcher.unsubscribeCount())
	}
}

func TestWebSocketSubscribeFailure(t *testing.T) {
	dispatcher := &fakeDispatcher{subscribeErr: errors.New("handshake rejected")}
	ts := testServer(dispatcher)
	defer ts.Close()

	conn := dialWS(t, ts, "polkadot")
	defer conn.Close()

	if err := conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "chain_subscribeNewHeads", "params": []interface{}{},
	}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	frame := readFrame(t, conn)
	var rpcErr transport.RPCError
	if err := json.Unmarshal(frame["error"], &rpcErr); err != nil {
		t.Fatalf("expected an error frame, got %v", frame)
	}
	if rpcErr.Code != -32603 {
		t.Errorf("expected internal error code, got %d", rpcErr.Code)
	}
}

func TestPlainGETIsRejected(t *testing.T) {
	ts := testServer(&fakeDispatcher{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/polkadot")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for non-upgrade GET, got %d", resp.StatusCode)
	}
}
