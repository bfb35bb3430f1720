package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// ProbeServer exposes liveness and readiness endpoints for the checker
// process so an orchestrator can hold traffic until the initial endpoint
// sweep has run.
type ProbeServer struct {
	checker *Checker
	srv     *http.Server
}

// NewProbeServer builds the probe server for a checker on the given port.
func NewProbeServer(port int, checker *Checker) *ProbeServer {
	router := mux.NewRouter()
	p := &ProbeServer{
		checker: checker,
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		},
	}
	router.HandleFunc("/health", p.handleLive).Methods("GET")
	router.HandleFunc("/ready", p.handleReady).Methods("GET")
	return p
}

// Start serves in the background. Listen failures are fatal since a checker
// without probes cannot be scheduled.
func (p *ProbeServer) Start() {
	log.Info().Str("addr", p.srv.Addr).Msg("Probe server listening")
	go func() {
		if err := p.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Probe server failed")
		}
	}()
}

// Shutdown stops accepting probe requests and drains in-flight ones.
func (p *ProbeServer) Shutdown(ctx context.Context) error {
	log.Info().Msg("Stopping probe server")
	return p.srv.Shutdown(ctx)
}

// handleLive answers 200 whenever the process is up.
func (p *ProbeServer) handleLive(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady answers 200 once the checker has swept every configured
// endpoint at least once, 503 while that first sweep is still running.
func (p *ProbeServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if p.checker != nil && !p.checker.IsReady() {
		writeProbe(w, http.StatusServiceUnavailable, map[string]string{
			"status":        "not_ready",
			"initial_sweep": "running",
		})
		return
	}
	writeProbe(w, http.StatusOK, map[string]string{
		"status":        "ready",
		"initial_sweep": "complete",
	})
}

func writeProbe(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
