// Package evm selects and pools go-ethereum clients for EVM chains. Candidate
// endpoints are probed for liveness and chain-id agreement before use, and
// transport errors are classified so the pool knows when to fail over.
package evm

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

// DefaultProbeTimeout bounds a single endpoint probe.
const DefaultProbeTimeout = 5 * time.Second

// benignErrorReasons are application-level failures that say nothing about
// endpoint health. Everything else is treated as endpoint-unhealthy.
var benignErrorReasons = []string{
	"processing response error",
	"execution reverted",
	"method not found",
}

// Selector probes EVM endpoints and picks the first live one.
type Selector struct {
	probeTimeout time.Duration

	// DialChainIDFunc dials an endpoint and returns its reported chain id.
	// Patchable for testing.
	DialChainIDFunc func(ctx context.Context, url string) (*big.Int, error)
}

// NewSelector returns a Selector probing with the default timeout.
func NewSelector() *Selector {
	return &Selector{
		probeTimeout:    DefaultProbeTimeout,
		DialChainIDFunc: dialChainID,
	}
}

// SetProbeTimeout overrides the per-probe timeout.
func (s *Selector) SetProbeTimeout(d time.Duration) {
	s.probeTimeout = d
}

func dialChainID(ctx context.Context, url string) (*big.Int, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.ChainID(ctx)
}

// Probe reports whether the endpoint answers within the timeout and its
// reported chain id matches the expected one. Errors are never propagated,
// only logged; a probe failure simply means unhealthy.
func (s *Selector) Probe(ctx context.Context, url string, expectedChainID uint64) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	reported, err := s.DialChainIDFunc(probeCtx, url)
	if err != nil {
		log.Debug().Err(err).Str("url", url).Msg("Endpoint probe failed")
		return false
	}
	if !reported.IsUint64() || reported.Uint64() != expectedChainID {
		log.Warn().Str("url", url).Uint64("expected", expectedChainID).Str("reported", reported.String()).Msg("Endpoint reports wrong chain id")
		return false
	}
	return true
}

// SelectHealthy tries candidates strictly in the given order and returns the
// first that probes healthy. The second return is false if all fail.
func (s *Selector) SelectHealthy(ctx context.Context, urls []string, expectedChainID uint64) (string, bool) {
	for _, url := range urls {
		if s.Probe(ctx, url, expectedChainID) {
			return url, true
		}
	}
	return "", false
}

// ClassifyError reports whether an error from an EVM call indicates the
// endpoint itself is unhealthy. A fixed allow-list of application-level
// failures is benign; anything else conservatively marks the endpoint down.
func ClassifyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, reason := range benignErrorReasons {
		if strings.Contains(msg, reason) {
			return false
		}
	}
	return true
}
