// Package server is the public face of the gateway: per-chain HTTP routes
// for one-shot JSON-RPC requests and WebSocket routes for subscriptions, all
// dispatched over the shared connection pool.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chainmux/internal/config"
	"chainmux/internal/directory"
	"chainmux/internal/pool"
	"chainmux/internal/rpcmux"
	"chainmux/internal/store"
	"chainmux/internal/transport"
)

// Dispatcher is the slice of rpcmux.Mux the server needs.
type Dispatcher interface {
	Send(ctx context.Context, chainID, method string, params []interface{}, cacheable bool) (json.RawMessage, error)
	Subscribe(ctx context.Context, chainID, responseMethod, subscribeMethod, unsubscribeMethod string, params []interface{}, cb transport.Callback) (rpcmux.UnsubscribeFunc, error)
}

// rpcRequest is an incoming JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  []interface{}   `json:"params"`
}

// rpcResponse is an outgoing JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      json.RawMessage     `json:"id,omitempty"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *transport.RPCError `json:"error,omitempty"`
}

// rpcNotification is an outgoing subscription push.
type rpcNotification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  notificationParams `json:"params"`
}

type notificationParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// Server represents the RPC gateway server
type Server struct {
	config      *config.Config
	dispatcher  Dispatcher
	storeClient store.Client
	router      *mux.Router
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	middlewares []func(http.Handler) http.Handler

	subSeq uint64
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, dispatcher Dispatcher, storeClient store.Client) *Server {
	s := &Server{
		config:      cfg,
		dispatcher:  dispatcher,
		storeClient: storeClient,
		router:      mux.NewRouter(),
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	s.setupRoutes()
	return s
}

// Router exposes the underlying router so callers can wrap it in middleware.
func (s *Server) Router() *mux.Router {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	// Chain-specific endpoints
	for chain := range s.config.Chains {
		s.router.HandleFunc("/"+chain, s.handleChainRequest(chain)).Methods("POST")
		// GET handler for WebSocket upgrade
		s.router.HandleFunc("/"+chain, s.handleChainWebSocket(chain)).Methods("GET")
	}
}

// AddMiddleware wraps the router in a middleware. Middlewares apply in
// reverse registration order, so the first one added sees requests first.
func (s *Server) AddMiddleware(mw func(http.Handler) http.Handler) {
	s.middlewares = append(s.middlewares, mw)
}

// Start starts the HTTP server
func (s *Server) Start(port int) error {
	var handler http.Handler = s.router
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		handler = s.middlewares[i](handler)
	}
	s.httpServer = &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: handler,
	}

	log.Info().Int("port", port).Msg("Starting server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// handleHealthCheck handles the health check endpoint
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.storeClient.Ping(r.Context()); err != nil {
		// The gateway still serves traffic without the store; report degraded
		// rather than failing the probe.
		status = "degraded"
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
	})
}

// handleChainRequest creates a POST handler for a specific chain
func (s *Server) handleChainRequest(chain string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeResponse(w, http.StatusBadRequest, rpcResponse{
				JSONRPC: "2.0",
				Error:   &transport.RPCError{Code: -32700, Message: "Parse error"},
			})
			return
		}

		result, err := s.dispatcher.Send(r.Context(), chain, req.Method, req.Params, IsCacheable(req.Method))
		if err != nil {
			s.writeDispatchError(w, chain, req.ID, err)
			return
		}

		if err := s.storeClient.IncrementRequestCount(r.Context(), chain, "gateway", store.ProxyRequests); err != nil {
			log.Error().Err(err).Msg("Failed to increment request count")
		}

		writeResponse(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
	}
}

// writeDispatchError maps dispatch failures onto HTTP and JSON-RPC errors
func (s *Server) writeDispatchError(w http.ResponseWriter, chain string, id json.RawMessage, err error) {
	var rpcErr *transport.RPCError
	switch {
	case errors.As(err, &rpcErr):
		// The node answered with a JSON-RPC error; relay it verbatim.
		writeResponse(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr})
	case errors.Is(err, directory.ErrChainNotFound):
		http.Error(w, "Unknown chain: "+chain, http.StatusNotFound)
	case errors.Is(err, pool.ErrNoHealthyEndpoints):
		http.Error(w, "No healthy endpoints for chain: "+chain, http.StatusServiceUnavailable)
	default:
		log.Error().Err(err).Str("chain", chain).Msg("Failed to dispatch request")
		http.Error(w, "Failed to dispatch request", http.StatusBadGateway)
	}
}

func writeResponse(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// wsSession is one upgraded client connection and its live subscriptions.
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	subs   map[string]rpcmux.UnsubscribeFunc
}

func (sess *wsSession) writeJSON(v interface{}) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return sess.conn.WriteJSON(v)
}

// handleChainWebSocket creates a GET handler that upgrades the client and
// serves subscriptions for a specific chain
func (s *Server) handleChainWebSocket(chain string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isWebSocketUpgrade(r) {
			http.Error(w, "Not a WebSocket upgrade request", http.StatusBadRequest)
			return
		}

		clientConn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Str("chain", chain).Msg("Failed to upgrade WebSocket")
			return
		}

		sess := &wsSession{conn: clientConn, subs: make(map[string]rpcmux.UnsubscribeFunc)}
		defer s.closeSession(sess, chain)

		for {
			var req rpcRequest
			if err := clientConn.ReadJSON(&req); err != nil {
				if closeErr, ok := err.(*websocket.CloseError); ok &&
					(closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
					log.Debug().Str("chain", chain).Msg("WebSocket client closed normally")
				} else {
					log.Debug().Err(err).Str("chain", chain).Msg("WebSocket client read failed")
				}
				return
			}
			// Dispatch each frame on its own goroutine: a subscribe handshake
			// can wait on a reconnecting upstream and must not stall the
			// client's other traffic.
			go s.handleWSMessage(r.Context(), sess, chain, req)
		}
	}
}

// handleWSMessage serves a single client frame
func (s *Server) handleWSMessage(ctx context.Context, sess *wsSession, chain string, req rpcRequest) {
	if sub, ok := LookupSubscription(req.Method); ok {
		s.handleWSSubscribe(ctx, sess, chain, req, sub)
		return
	}
	if _, ok := LookupUnsubscribe(req.Method); ok {
		s.handleWSUnsubscribe(ctx, sess, req)
		return
	}

	result, err := s.dispatcher.Send(ctx, chain, req.Method, req.Params, IsCacheable(req.Method))
	if err != nil {
		sess.writeJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: toRPCError(err)})
		return
	}
	sess.writeJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// handleWSSubscribe opens an upstream subscription and answers the client
// with a gateway-assigned subscription id
func (s *Server) handleWSSubscribe(ctx context.Context, sess *wsSession, chain string, req rpcRequest, sub Subscription) {
	// The upstream subscription id stays private to the pooled connection;
	// clients get a gateway-assigned id so shared-transport ids never leak
	// across sessions.
	clientSubID := fmt.Sprintf("cmx%x", atomic.AddUint64(&s.subSeq, 1))

	cb := func(err error, result json.RawMessage) {
		if err != nil {
			log.Debug().Err(err).Str("chain", chain).Str("subscription", clientSubID).Msg("Subscription delivery error")
			return
		}
		sess.writeJSON(rpcNotification{
			JSONRPC: "2.0",
			Method:  sub.ResponseMethod,
			Params:  notificationParams{Subscription: clientSubID, Result: result},
		})
	}

	unsub, err := s.dispatcher.Subscribe(ctx, chain, sub.ResponseMethod, sub.SubscribeMethod, sub.UnsubscribeMethod, req.Params, cb)
	if err != nil {
		sess.writeJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: toRPCError(err)})
		return
	}

	sess.mu.Lock()
	if sess.closed {
		// The client disconnected while the handshake was in flight and the
		// teardown sweep has already run. Nobody will ever unsubscribe this
		// id, so close it here instead of registering it.
		sess.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := unsub(ctx); err != nil {
			log.Warn().Err(err).Str("chain", chain).Str("subscription", clientSubID).Msg("Failed to close subscription opened after disconnect")
		}
		return
	}
	sess.subs[clientSubID] = unsub
	sess.mu.Unlock()

	result, _ := json.Marshal(clientSubID)
	sess.writeJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// handleWSUnsubscribe closes a gateway-assigned subscription
func (s *Server) handleWSUnsubscribe(ctx context.Context, sess *wsSession, req rpcRequest) {
	var clientSubID string
	if len(req.Params) > 0 {
		clientSubID, _ = req.Params[0].(string)
	}

	sess.mu.Lock()
	unsub, ok := sess.subs[clientSubID]
	if ok {
		delete(sess.subs, clientSubID)
	}
	sess.mu.Unlock()

	if !ok {
		sess.writeJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`false`)})
		return
	}
	if err := unsub(ctx); err != nil {
		log.Warn().Err(err).Str("subscription", clientSubID).Msg("Failed to unsubscribe upstream")
	}
	sess.writeJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`true`)})
}

// closeSession tears down every subscription the client left open
func (s *Server) closeSession(sess *wsSession, chain string) {
	sess.mu.Lock()
	sess.closed = true
	subs := sess.subs
	sess.subs = make(map[string]rpcmux.UnsubscribeFunc)
	sess.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for clientSubID, unsub := range subs {
		if err := unsub(ctx); err != nil {
			log.Warn().Err(err).Str("chain", chain).Str("subscription", clientSubID).Msg("Failed to close subscription on disconnect")
		}
	}
	sess.conn.Close()
}

// toRPCError converts a dispatch error to a JSON-RPC error object, relaying
// node-sent errors verbatim
func toRPCError(err error) *transport.RPCError {
	var rpcErr *transport.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &transport.RPCError{Code: -32603, Message: err.Error()}
}

// isWebSocketUpgrade checks if the request is a WebSocket upgrade (case-insensitive)
func isWebSocketUpgrade(r *http.Request) bool {
	return containsToken(r.Header.Get("Connection"), "upgrade") &&
		containsToken(r.Header.Get("Upgrade"), "websocket")
}

// containsToken checks if a comma-separated header contains a token (case-insensitive)
func containsToken(headerVal, token string) bool {
	for _, part := range strings.Split(headerVal, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
