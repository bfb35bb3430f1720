package evm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/ethclient"

	"chainmux/internal/directory"
	"chainmux/internal/store"
)

type fakeDirectory struct {
	chains map[string]*directory.Chain
}

func (f *fakeDirectory) GetChain(_ context.Context, chainID string) (*directory.Chain, error) {
	chain, ok := f.chains[chainID]
	if !ok {
		return nil, directory.ErrChainNotFound
	}
	return chain, nil
}

func goerliDirectory() *fakeDirectory {
	return &fakeDirectory{chains: map[string]*directory.Chain{
		"goerli": {
			ID:         "goerli",
			EVMChainID: 5,
			RPCs: []directory.Endpoint{
				{URL: "u1", Healthy: true},
				{URL: "u2", Healthy: true},
			},
		},
	}}
}

// testClientPool wires a pool whose selector only accepts the given urls and
// whose dialer never touches the network. HTTP rpc clients connect lazily, so
// dialing a dead address still yields a usable *ethclient.Client handle.
func testClientPool(t *testing.T, st store.Client, live map[string]uint64) (*ClientPool, *int) {
	t.Helper()
	sel := NewSelector()
	sel.DialChainIDFunc = scriptedDialer(live)

	p := NewClientPool(goerliDirectory(), sel, st)
	dials := 0
	var mu sync.Mutex
	p.DialFunc = func(ctx context.Context, _ string) (*ethclient.Client, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return ethclient.DialContext(ctx, "http://127.0.0.1:1")
	}
	return p, &dials
}

func TestClientDialsFirstHealthyAndCaches(t *testing.T) {
	p, dials := testClientPool(t, nil, map[string]uint64{"u1": 5, "u2": 5})
	defer p.Close()
	ctx := context.Background()

	c1, err := p.Client(ctx, "goerli")
	if err != nil {
		t.Fatalf("Client failed: %v", err)
	}
	c2, err := p.Client(ctx, "goerli")
	if err != nil {
		t.Fatalf("Client failed: %v", err)
	}
	if c1 != c2 {
		t.Error("second call should reuse the pooled client")
	}
	if *dials != 1 {
		t.Errorf("expected 1 dial, got %d", *dials)
	}
}

func TestClientNoLiveEndpoints(t *testing.T) {
	p, _ := testClientPool(t, nil, map[string]uint64{"u1": 1})
	defer p.Close()

	_, err := p.Client(context.Background(), "goerli")
	if !errors.Is(err, ErrNoLiveEndpoints) {
		t.Fatalf("expected ErrNoLiveEndpoints, got %v", err)
	}
}

func TestClientUnknownChain(t *testing.T) {
	p, _ := testClientPool(t, nil, nil)
	defer p.Close()

	_, err := p.Client(context.Background(), "no-such-chain")
	if !errors.Is(err, directory.ErrChainNotFound) {
		t.Fatalf("expected ErrChainNotFound, got %v", err)
	}
}

func TestReportErrorBenignKeepsClient(t *testing.T) {
	p, dials := testClientPool(t, nil, map[string]uint64{"u1": 5})
	defer p.Close()
	ctx := context.Background()

	if _, err := p.Client(ctx, "goerli"); err != nil {
		t.Fatalf("Client failed: %v", err)
	}
	p.ReportError(ctx, "goerli", errors.New("execution reverted: nope"))
	if _, err := p.Client(ctx, "goerli"); err != nil {
		t.Fatalf("Client failed: %v", err)
	}
	if *dials != 1 {
		t.Errorf("benign error must not drop the client; got %d dials", *dials)
	}
}

func TestReportErrorUnhealthyFailsOver(t *testing.T) {
	st := store.NewMemoryClient()
	p, dials := testClientPool(t, st, map[string]uint64{"u1": 5, "u2": 5})
	defer p.Close()
	ctx := context.Background()

	if _, err := p.Client(ctx, "goerli"); err != nil {
		t.Fatalf("Client failed: %v", err)
	}
	p.ReportError(ctx, "goerli", errors.New("unexpected EOF"))

	health, err := st.GetEndpointHealth(ctx, "goerli", "u1")
	if err != nil {
		t.Fatalf("GetEndpointHealth failed: %v", err)
	}
	if health.Healthy {
		t.Error("reported endpoint should be marked unhealthy in the store")
	}

	if _, err := p.Client(ctx, "goerli"); err != nil {
		t.Fatalf("Client failed after failover: %v", err)
	}
	if *dials != 2 {
		t.Errorf("expected a fresh dial after failover, got %d dials", *dials)
	}
}

func TestReportErrorWithoutClientIsNoop(t *testing.T) {
	p, _ := testClientPool(t, nil, nil)
	defer p.Close()

	// Nothing pooled yet; must not panic or touch the store.
	p.ReportError(context.Background(), "goerli", errors.New("unexpected EOF"))
}
