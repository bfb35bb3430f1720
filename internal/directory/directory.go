package directory

import (
	"context"
	"errors"
	"time"

	"chainmux/internal/cache"
	"chainmux/internal/config"
	"chainmux/internal/store"

	"github.com/rs/zerolog/log"
)

// ErrChainNotFound is returned when no chain is configured for a chain id.
var ErrChainNotFound = errors.New("chain not found")

// Endpoint is a candidate RPC endpoint annotated with its last known health.
type Endpoint struct {
	URL      string
	Provider string
	Healthy  bool
}

// Chain is the directory's view of a chain: its static definition plus the
// live health flag of every candidate endpoint.
type Chain struct {
	ID         string
	Name       string
	Testnet    bool
	EVMChainID uint64
	RPCs       []Endpoint
}

// Directory resolves chain ids to endpoint candidates. Static definitions
// come from the config file; health flags come from the store, read through
// a TTL cache. The directory never persists or reorders anything itself.
type Directory struct {
	cfg         *config.Config
	storeClient store.Client
	healthCache *cache.HealthCache
}

// New creates a Directory over the given config and health store.
func New(cfg *config.Config, storeClient store.Client, cacheTTL time.Duration) *Directory {
	return &Directory{
		cfg:         cfg,
		storeClient: storeClient,
		healthCache: cache.NewHealthCache(cacheTTL),
	}
}

// GetChain returns the chain record for a chain id, with a fresh health flag
// for every endpoint. Returns ErrChainNotFound for unknown ids. A store
// failure degrades to "healthy": a dead store must not stop dispatch.
func (d *Directory) GetChain(ctx context.Context, chainID string) (*Chain, error) {
	def, exists := d.cfg.GetChain(chainID)
	if !exists {
		return nil, ErrChainNotFound
	}

	chain := &Chain{
		ID:         chainID,
		Name:       def.Name,
		Testnet:    def.Testnet,
		EVMChainID: def.EVMChainID,
		RPCs:       make([]Endpoint, 0, len(def.RPCs)),
	}

	for _, rpc := range def.RPCs {
		chain.RPCs = append(chain.RPCs, Endpoint{
			URL:      rpc.URL,
			Provider: rpc.Provider,
			Healthy:  d.endpointHealthy(ctx, chainID, rpc.URL),
		})
	}

	return chain, nil
}

// endpointHealthy looks up the health flag for an endpoint, consulting the
// cache before the store.
func (d *Directory) endpointHealthy(ctx context.Context, chainID, url string) bool {
	if health, ok := d.healthCache.Get(chainID, url); ok {
		return health.Healthy
	}

	health, err := d.storeClient.GetEndpointHealth(ctx, chainID, url)
	if err != nil {
		log.Warn().Err(err).Str("chain", chainID).Str("url", url).Msg("Failed to read endpoint health, assuming healthy")
		return true
	}

	d.healthCache.Set(chainID, url, health)
	return health.Healthy
}

// OrderHealthyFirst returns the endpoints with every healthy endpoint before
// every unhealthy one, preserving the relative input order within each group.
func OrderHealthyFirst(rpcs []Endpoint) []Endpoint {
	ordered := make([]Endpoint, 0, len(rpcs))
	for _, rpc := range rpcs {
		if rpc.Healthy {
			ordered = append(ordered, rpc)
		}
	}
	for _, rpc := range rpcs {
		if !rpc.Healthy {
			ordered = append(ordered, rpc)
		}
	}
	return ordered
}
