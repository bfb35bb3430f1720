package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsRequest is an outgoing JSON-RPC 2.0 request frame.
type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// wsMessage is an incoming frame: either a response (ID set) or a
// subscription notification (Method + Params set).
type wsMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Method  string          `json:"method"`
	Params  *wsNotification `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// wsNotification carries a subscription push. The subscription id may be a
// string or a number depending on the node implementation.
type wsNotification struct {
	Subscription json.RawMessage `json:"subscription"`
	Result       json.RawMessage `json:"result"`
	Error        json.RawMessage `json:"error"`
}

// wsSubscription tracks one live subscription so pushes can be routed to its
// callback and the subscription can be restored after a reconnect.
type wsSubscription struct {
	id              string
	responseMethod  string
	subscribeMethod string
	params          []interface{}
	callback        Callback
}

// WSTransport is a WebSocket JSON-RPC 2.0 connection with request id
// correlation, subscription dispatch, a per-connection result cache for
// cacheable requests, and automatic reconnection over an ordered endpoint
// list. It implements Transport.
type WSTransport struct {
	endpoints         []string
	reconnectInterval time.Duration
	dialer            *websocket.Dialer

	readyCh   chan struct{}
	readyOnce sync.Once
	closedCh  chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex // serializes frames on the socket

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	nextID    uint64
	pending   map[uint64]chan *wsMessage
	subs      map[string]*wsSubscription // key: responseMethod + ":" + id
	cache     map[string]json.RawMessage
}

// NewWSTransport creates a transport over the given ordered endpoint list
// and starts connecting in the background. The first endpoint is tried
// first; on connection loss the list is walked again after
// reconnectInterval.
func NewWSTransport(endpoints []string, reconnectInterval time.Duration) *WSTransport {
	t := &WSTransport{
		endpoints:         endpoints,
		reconnectInterval: reconnectInterval,
		dialer:            websocket.DefaultDialer,
		readyCh:           make(chan struct{}),
		closedCh:          make(chan struct{}),
		nextID:            1,
		pending:           make(map[uint64]chan *wsMessage),
		subs:              make(map[string]*wsSubscription),
		cache:             make(map[string]json.RawMessage),
	}
	go t.run()
	return t
}

// Ready returns a channel closed once the first connection has been
// established.
func (t *WSTransport) Ready() <-chan struct{} {
	return t.readyCh
}

// IsConnected reports whether a connection is currently live.
func (t *WSTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Disconnect tears the connection down and fails all in-flight requests.
func (t *WSTransport) Disconnect() error {
	t.closeOnce.Do(func() {
		close(t.closedCh)
	})

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.connected = false
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// run walks the endpoint list until a dial succeeds, serves the connection
// until it drops, then waits the reconnect interval and starts over. It
// exits when Disconnect is called.
func (t *WSTransport) run() {
	attempt := 0
	for {
		if t.isClosed() {
			return
		}

		url := t.endpoints[attempt%len(t.endpoints)]
		attempt++

		conn, _, err := t.dialer.Dial(url, nil)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("WebSocket dial failed")
			if !t.sleepOrClosed(t.reconnectInterval) {
				return
			}
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.connected = true
		t.mu.Unlock()

		t.readyOnce.Do(func() { close(t.readyCh) })
		log.Debug().Str("url", url).Msg("WebSocket connected")

		go t.restoreSubscriptions()

		t.readLoop(conn)
		t.dropConnection(conn)

		if !t.sleepOrClosed(t.reconnectInterval) {
			return
		}
	}
}

// sleepOrClosed waits d, returning false if the transport was torn down.
func (t *WSTransport) sleepOrClosed(d time.Duration) bool {
	select {
	case <-t.closedCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (t *WSTransport) isClosed() bool {
	select {
	case <-t.closedCh:
		return true
	default:
		return false
	}
}

// dropConnection marks the transport disconnected and fails every pending
// request, leaving subscriptions registered so they can be restored.
func (t *WSTransport) dropConnection(conn *websocket.Conn) {
	conn.Close()

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		t.connected = false
	}
	pending := t.pending
	t.pending = make(map[uint64]chan *wsMessage)
	t.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// readLoop reads frames until the connection fails, routing responses to
// their pending request and notifications to their subscription callbacks.
func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !t.isClosed() {
				log.Debug().Err(err).Msg("WebSocket read failed, connection lost")
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}

		switch {
		case msg.ID != nil:
			t.mu.Lock()
			ch, ok := t.pending[*msg.ID]
			if ok {
				delete(t.pending, *msg.ID)
			}
			t.mu.Unlock()
			if ok {
				ch <- &msg
			}
		case msg.Method != "" && msg.Params != nil:
			t.dispatch(&msg)
		}
	}
}

// dispatch routes a subscription notification to its callback.
func (t *WSTransport) dispatch(msg *wsMessage) {
	id := rawToString(msg.Params.Subscription)

	t.mu.Lock()
	sub, ok := t.subs[msg.Method+":"+id]
	t.mu.Unlock()
	if !ok {
		log.Debug().Str("method", msg.Method).Str("subscription", id).Msg("Notification for unknown subscription")
		return
	}

	if len(msg.Params.Error) > 0 && string(msg.Params.Error) != "null" {
		sub.callback(errors.New(string(msg.Params.Error)), nil)
		return
	}
	sub.callback(nil, msg.Params.Result)
}

// call sends one request frame and waits for its response, the context, or
// connection loss.
func (t *WSTransport) call(ctx context.Context, method string, params []interface{}) (*wsMessage, error) {
	if params == nil {
		params = []interface{}{}
	}

	t.mu.Lock()
	if !t.connected || t.conn == nil {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := t.conn
	id := t.nextID
	t.nextID++
	ch := make(chan *wsMessage, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	t.writeMu.Lock()
	err := conn.WriteJSON(wsRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	t.writeMu.Unlock()
	if err != nil {
		t.removePending(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return resp, nil
	case <-ctx.Done():
		t.removePending(id)
		return nil, ctx.Err()
	case <-t.closedCh:
		t.removePending(id)
		return nil, ErrDisconnected
	}
}

func (t *WSTransport) removePending(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Send issues a one-shot request. Cacheable requests are answered from the
// per-connection cache when a previous identical request succeeded.
func (t *WSTransport) Send(ctx context.Context, method string, params []interface{}, cacheable bool) (json.RawMessage, error) {
	var key string
	if cacheable {
		key = cacheKey(method, params)
		t.mu.Lock()
		if cached, ok := t.cache[key]; ok {
			t.mu.Unlock()
			return cached, nil
		}
		t.mu.Unlock()
	}

	resp, err := t.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	if cacheable {
		t.mu.Lock()
		t.cache[key] = resp.Result
		t.mu.Unlock()
	}
	return resp.Result, nil
}

// Subscribe issues the subscribe call and registers the callback under the
// provider-assigned subscription id.
func (t *WSTransport) Subscribe(ctx context.Context, responseMethod, subscribeMethod string, params []interface{}, cb Callback) (string, error) {
	resp, err := t.call(ctx, subscribeMethod, params)
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", resp.Error
	}

	id := rawToString(resp.Result)
	t.mu.Lock()
	t.subs[responseMethod+":"+id] = &wsSubscription{
		id:              id,
		responseMethod:  responseMethod,
		subscribeMethod: subscribeMethod,
		params:          params,
		callback:        cb,
	}
	t.mu.Unlock()

	return id, nil
}

// Unsubscribe stops delivery to the subscription's callback and issues the
// inverse call. The callback registration is removed even if the inverse
// call fails; the node-side subscription dies with the connection anyway.
func (t *WSTransport) Unsubscribe(ctx context.Context, responseMethod, unsubscribeMethod, subscriptionID string) error {
	t.mu.Lock()
	delete(t.subs, responseMethod+":"+subscriptionID)
	t.mu.Unlock()

	resp, err := t.call(ctx, unsubscribeMethod, []interface{}{subscriptionID})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// restoreSubscriptions re-issues the subscribe call for every registered
// subscription after a reconnect, re-keying each under its new provider id.
func (t *WSTransport) restoreSubscriptions() {
	t.mu.Lock()
	subs := make([]*wsSubscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		resp, err := t.call(ctx, sub.subscribeMethod, sub.params)
		cancel()
		if err != nil || resp.Error != nil {
			if err == nil {
				err = resp.Error
			}
			log.Warn().Err(err).Str("method", sub.subscribeMethod).Msg("Failed to restore subscription after reconnect")
			continue
		}

		newID := rawToString(resp.Result)
		t.mu.Lock()
		delete(t.subs, sub.responseMethod+":"+sub.id)
		sub.id = newID
		t.subs[sub.responseMethod+":"+newID] = sub
		t.mu.Unlock()
	}
}

// rawToString renders a raw JSON scalar as a plain string, unquoting string
// values so "0x1" and 1 both key consistently.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// cacheKey builds the cache key for a cacheable request.
func cacheKey(method string, params []interface{}) string {
	data, err := json.Marshal(params)
	if err != nil {
		return method
	}
	return method + ":" + string(data)
}
