// Package health periodically probes every configured endpoint and records
// the results in the shared health store, where the gateway's directory picks
// them up to order endpoints at connect time.
package health

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"chainmux/internal/config"
	"chainmux/internal/evm"
	"chainmux/internal/helpers"
	"chainmux/internal/metrics"
	"chainmux/internal/store"
)

// Checker represents a health checker
type Checker struct {
	config       *config.Config
	storeClient  store.Client
	selector     *evm.Selector
	interval     time.Duration
	probeTimeout time.Duration
	ready        atomic.Bool

	// For testability: allow patching health check methods
	CheckSubstrateHealthFunc func(ctx context.Context, chain config.Chain, rpc config.RPC) bool
	CheckEVMHealthFunc       func(ctx context.Context, chain config.Chain, rpc config.RPC) bool
}

// NewChecker creates a new health checker
func NewChecker(cfg *config.Config, storeClient store.Client, interval time.Duration) *Checker {
	c := &Checker{
		config:       cfg,
		storeClient:  storeClient,
		selector:     evm.NewSelector(),
		interval:     interval,
		probeTimeout: evm.DefaultProbeTimeout,
	}
	c.CheckSubstrateHealthFunc = c.checkSubstrateHealth
	c.CheckEVMHealthFunc = c.checkEVMHealth
	return c
}

// SetProbeTimeout overrides the per-endpoint probe timeout. Must be called
// before Start.
func (c *Checker) SetProbeTimeout(d time.Duration) {
	c.probeTimeout = d
	c.selector.SetProbeTimeout(d)
}

// Start starts the health checker loop
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Run initial health check
	c.checkAllEndpoints(ctx)
	c.ready.Store(true)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAllEndpoints(ctx)
		}
	}
}

// RunOnce runs the health check a single time
func (c *Checker) RunOnce(ctx context.Context) {
	c.checkAllEndpoints(ctx)
	c.ready.Store(true)
}

// IsReady reports whether the initial sweep over all endpoints has completed
func (c *Checker) IsReady() bool {
	return c.ready.Load()
}

// checkAllEndpoints checks the health of all endpoints. Records are keyed by
// the chain id from the configuration map, which is the key the gateway's
// directory reads them back under.
func (c *Checker) checkAllEndpoints(ctx context.Context) {
	done := make(chan struct{})
	count := 0
	for chainID, chain := range c.config.Chains {
		for _, rpc := range chain.RPCs {
			count++
			go func(chainID string, chain config.Chain, rpc config.RPC) {
				c.checkEndpoint(ctx, chainID, chain, rpc)
				done <- struct{}{}
			}(chainID, chain, rpc)
		}
	}
	for i := 0; i < count; i++ {
		<-done
	}
}

// checkEndpoint checks the health of a single endpoint and records the result
func (c *Checker) checkEndpoint(ctx context.Context, chainID string, chain config.Chain, rpc config.RPC) {
	timer := prometheus.NewTimer(metrics.HealthCheckDuration.WithLabelValues(chainID, rpc.URL))
	defer timer.ObserveDuration()

	var healthy bool
	if chain.EVMChainID != 0 {
		healthy = c.CheckEVMHealthFunc(ctx, chain, rpc)
	} else {
		healthy = c.CheckSubstrateHealthFunc(ctx, chain, rpc)
	}

	if healthy {
		metrics.HealthCheckTotal.WithLabelValues(chainID, rpc.URL, "success").Inc()
		metrics.EndpointHealthStatus.WithLabelValues(chainID, rpc.URL).Set(1)
	} else {
		metrics.HealthCheckTotal.WithLabelValues(chainID, rpc.URL, "failure").Inc()
		metrics.EndpointHealthStatus.WithLabelValues(chainID, rpc.URL).Set(0)
	}

	if err := c.storeClient.IncrementRequestCount(ctx, chainID, rpc.URL, store.HealthRequests); err != nil {
		log.Error().Err(err).Msg("Failed to increment health request count")
	}

	c.updateHealth(ctx, chainID, rpc.URL, healthy)
}

// checkSubstrateHealth probes a substrate-style endpoint. WebSocket URLs get
// a connection probe; HTTP URLs get a system_health round trip.
func (c *Checker) checkSubstrateHealth(ctx context.Context, chain config.Chain, rpc config.RPC) bool {
	log.Info().Str("chain", chain.Name).Str("url", helpers.RedactAPIKey(rpc.URL)).Msg("Running substrate health check")

	if strings.HasPrefix(rpc.URL, "ws://") || strings.HasPrefix(rpc.URL, "wss://") {
		wsDialer := websocket.Dialer{HandshakeTimeout: c.probeTimeout}
		wsConn, _, err := wsDialer.DialContext(ctx, rpc.URL, nil)
		if err != nil {
			log.Error().
				Err(err).
				Str("chain", chain.Name).
				Str("url", helpers.RedactAPIKey(rpc.URL)).
				Msg("WebSocket health check failed: failed to establish connection")
			return false
		}
		wsConn.Close()
		return true
	}

	payload := []byte(`{"jsonrpc":"2.0","method":"system_health","params":[],"id":1}`)
	req, err := http.NewRequestWithContext(ctx, "POST", rpc.URL, bytes.NewBuffer(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: c.probeTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !healthy {
		// Read and log up to 512 bytes of the response body for debugging
		bodyBytes := make([]byte, 512)
		n, _ := io.ReadFull(resp.Body, bodyBytes)
		log.Error().
			Str("chain", chain.Name).
			Str("url", helpers.RedactAPIKey(rpc.URL)).
			Int("status_code", resp.StatusCode).
			Str("body", string(bodyBytes[:n])).
			Msg("Health check failed: endpoint returned non-2xx status")
	}
	return healthy
}

// checkEVMHealth probes an EVM endpoint via its reported chain id
func (c *Checker) checkEVMHealth(ctx context.Context, chain config.Chain, rpc config.RPC) bool {
	log.Info().Str("chain", chain.Name).Str("url", helpers.RedactAPIKey(rpc.URL)).Msg("Running EVM health check")
	return c.selector.Probe(ctx, rpc.URL, chain.EVMChainID)
}

// updateHealth writes an endpoint's health to the store
func (c *Checker) updateHealth(ctx context.Context, chainID, url string, healthy bool) {
	health, err := c.storeClient.GetEndpointHealth(ctx, chainID, url)
	if err != nil || health == nil {
		fresh := store.NewEndpointHealth(url)
		health = &fresh
	}
	health.Healthy = healthy
	health.LastChecked = time.Now()
	health.Checks++

	if err := c.storeClient.UpdateEndpointHealth(ctx, chainID, *health); err != nil {
		log.Error().Err(err).
			Str("chain", chainID).
			Str("url", helpers.RedactAPIKey(url)).
			Msg("Failed to update endpoint health")
	} else {
		log.Info().
			Str("chain", chainID).
			Str("url", helpers.RedactAPIKey(url)).
			Bool("healthy", healthy).
			Msg("Updated endpoint health")
	}
}
