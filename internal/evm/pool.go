package evm

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"chainmux/internal/directory"
	"chainmux/internal/store"
)

// ErrNoLiveEndpoints is returned when every candidate endpoint for a chain
// fails its probe.
var ErrNoLiveEndpoints = errors.New("no live EVM endpoints for chain")

// ChainDirectory resolves chain ids to endpoint candidates.
type ChainDirectory interface {
	GetChain(ctx context.Context, chainID string) (*directory.Chain, error)
}

type poolEntry struct {
	client *ethclient.Client
	url    string
}

// ClientPool lazily maintains one ethclient per EVM chain, dialed through the
// health-aware selector and failed over when an error classifies as
// endpoint-unhealthy.
type ClientPool struct {
	directory ChainDirectory
	selector  *Selector
	store     store.Client

	mu      sync.Mutex
	clients map[string]*poolEntry

	// DialFunc dials a selected endpoint. Patchable for testing.
	DialFunc func(ctx context.Context, url string) (*ethclient.Client, error)
}

// NewClientPool returns a pool resolving endpoints through dir and recording
// failover decisions in st. st may be nil for callers that do not track
// endpoint health.
func NewClientPool(dir ChainDirectory, sel *Selector, st store.Client) *ClientPool {
	return &ClientPool{
		directory: dir,
		selector:  sel,
		store:     st,
		clients:   make(map[string]*poolEntry),
		DialFunc:  ethclient.DialContext,
	}
}

// Client returns the chain's shared ethclient, dialing one on first use.
// Candidates are tried healthy-first; only an endpoint whose reported chain
// id matches the directory's expectation is accepted.
func (p *ClientPool) Client(ctx context.Context, chainID string) (*ethclient.Client, error) {
	p.mu.Lock()
	if e, ok := p.clients[chainID]; ok {
		p.mu.Unlock()
		return e.client, nil
	}
	p.mu.Unlock()

	chain, err := p.directory.GetChain(ctx, chainID)
	if err != nil {
		return nil, err
	}

	ordered := directory.OrderHealthyFirst(chain.RPCs)
	urls := make([]string, 0, len(ordered))
	for _, ep := range ordered {
		urls = append(urls, ep.URL)
	}

	url, ok := p.selector.SelectHealthy(ctx, urls, chain.EVMChainID)
	if !ok {
		return nil, ErrNoLiveEndpoints
	}

	client, err := p.DialFunc(ctx, url)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another caller may have dialed while we probed; keep theirs.
	if e, ok := p.clients[chainID]; ok {
		client.Close()
		return e.client, nil
	}
	p.clients[chainID] = &poolEntry{client: client, url: url}
	log.Info().Str("chain", chainID).Str("url", url).Msg("Connected EVM client")
	return client, nil
}

// ReportError feeds a call failure back into the pool. Errors classifying as
// endpoint-unhealthy drop the chain's client and mark the endpoint down in
// the health store so the next Client call fails over; benign errors are
// ignored.
func (p *ClientPool) ReportError(ctx context.Context, chainID string, err error) {
	if !ClassifyError(err) {
		return
	}

	p.mu.Lock()
	e, ok := p.clients[chainID]
	if ok {
		delete(p.clients, chainID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	e.client.Close()
	log.Warn().Err(err).Str("chain", chainID).Str("url", e.url).Msg("Dropping unhealthy EVM client")

	if p.store == nil {
		return
	}
	health, storeErr := p.store.GetEndpointHealth(ctx, chainID, e.url)
	if storeErr != nil || health == nil {
		fresh := store.NewEndpointHealth(e.url)
		health = &fresh
	}
	health.Healthy = false
	if storeErr := p.store.UpdateEndpointHealth(ctx, chainID, *health); storeErr != nil {
		log.Error().Err(storeErr).Str("chain", chainID).Str("url", e.url).Msg("Failed to record endpoint health")
	}
}

// Close drops every pooled client.
func (p *ClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for chainID, e := range p.clients {
		e.client.Close()
		delete(p.clients, chainID)
	}
}
