package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chainmux/internal/directory"
	"chainmux/internal/transport"
)

// fakeTransport implements transport.Transport for pool tests.
type fakeTransport struct {
	mu          sync.Mutex
	readyCh     chan struct{}
	connected   bool
	disconnects int
	sends       []string
	sendErr     error
}

func newFakeTransport() *fakeTransport {
	ft := &fakeTransport{readyCh: make(chan struct{}), connected: true}
	close(ft.readyCh)
	return ft
}

func (f *fakeTransport) Ready() <-chan struct{} { return f.readyCh }

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Send(_ context.Context, method string, _ []interface{}, _ bool) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, method)
	return json.RawMessage(`null`), f.sendErr
}

func (f *fakeTransport) Subscribe(_ context.Context, _, _ string, _ []interface{}, _ transport.Callback) (string, error) {
	return "sub-1", nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, _, _, _ string) error { return nil }

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// fakeDirectory serves a fixed chain set.
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

// testPool builds a pool whose transport factory hands out fake transports
// and records the endpoint lists it was given.
func testPool(chains map[string]*directory.Chain) (*Pool, *struct {
	mu         sync.Mutex
	transports []*fakeTransport
	endpoints  [][]string
}) {
	created := &struct {
		mu         sync.Mutex
		transports []*fakeTransport
		endpoints  [][]string
	}{}

	p := NewPool(&fakeDirectory{chains: chains})
	p.NewTransportFunc = func(endpoints []string, _ time.Duration) (transport.Transport, error) {
		created.mu.Lock()
		defer created.mu.Unlock()
		ft := newFakeTransport()
		created.transports = append(created.transports, ft)
		created.endpoints = append(created.endpoints, endpoints)
		return ft, nil
	}
	return p, created
}

func polkadotOnly() map[string]*directory.Chain {
	return map[string]*directory.Chain{
		"polkadot": {
			ID: "polkadot",
			RPCs: []directory.Endpoint{
				{URL: "wss://rpc.polkadot.io", Healthy: true},
				{URL: "wss://backup.example", Healthy: true},
			},
		},
	}
}

func TestAcquireUnknownChain(t *testing.T) {
	p, _ := testPool(polkadotOnly())

	_, _, err := p.Acquire(context.Background(), "no-such-chain")
	if !errors.Is(err, directory.ErrChainNotFound) {
		t.Fatalf("expected ErrChainNotFound, got %v", err)
	}
}

func TestAcquireNoEndpoints(t *testing.T) {
	p, _ := testPool(map[string]*directory.Chain{
		"empty": {ID: "empty"},
	})

	_, _, err := p.Acquire(context.Background(), "empty")
	if !errors.Is(err, ErrNoHealthyEndpoints) {
		t.Fatalf("expected ErrNoHealthyEndpoints, got %v", err)
	}
	if p.HasConnection("empty") {
		t.Error("failed acquire must leave no entry behind")
	}
}

func TestSingleTransportPerChain(t *testing.T) {
	p, created := testPool(polkadotOnly())
	ctx := context.Background()

	h1, t1, err := p.Acquire(ctx, "polkadot")
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	h2, t2, err := p.Acquire(ctx, "polkadot")
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	if len(created.transports) != 1 {
		t.Fatalf("expected 1 transport, got %d", len(created.transports))
	}
	if t1 != t2 {
		t.Error("both borrowers should share one transport")
	}
	if h1 == h2 {
		t.Error("handles must be distinct")
	}
	if p.ActiveHandles("polkadot") != 2 {
		t.Errorf("expected 2 active handles, got %d", p.ActiveHandles("polkadot"))
	}

	if err := p.Release("polkadot", h1); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	if created.transports[0].disconnectCount() != 0 {
		t.Error("transport disconnected while still borrowed")
	}

	if err := p.Release("polkadot", h2); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if created.transports[0].disconnectCount() != 1 {
		t.Error("transport not disconnected after last release")
	}
	if p.HasConnection("polkadot") {
		t.Error("entry should be removed after last release")
	}
}

func TestReleaseInEitherOrder(t *testing.T) {
	for name, reversed := range map[string]bool{"forward": false, "reversed": true} {
		t.Run(name, func(t *testing.T) {
			p, created := testPool(polkadotOnly())
			ctx := context.Background()

			h1, _, _ := p.Acquire(ctx, "polkadot")
			h2, _, _ := p.Acquire(ctx, "polkadot")

			first, second := h1, h2
			if reversed {
				first, second = h2, h1
			}
			if err := p.Release("polkadot", first); err != nil {
				t.Fatalf("Release failed: %v", err)
			}
			if err := p.Release("polkadot", second); err != nil {
				t.Fatalf("Release failed: %v", err)
			}

			if p.HasConnection("polkadot") {
				t.Error("expected zero transports after both releases")
			}
			if created.transports[0].disconnectCount() != 1 {
				t.Errorf("expected exactly 1 disconnect, got %d", created.transports[0].disconnectCount())
			}
		})
	}
}

func TestReleaseAfterTeardownIsBenign(t *testing.T) {
	p, _ := testPool(polkadotOnly())
	ctx := context.Background()

	h, _, _ := p.Acquire(ctx, "polkadot")
	if err := p.Release("polkadot", h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// Second release races against an already-removed entry: warn, no error.
	if err := p.Release("polkadot", h); err != nil {
		t.Errorf("release against torn-down connection must not error, got %v", err)
	}
}

func TestReleaseStaleHandle(t *testing.T) {
	p, _ := testPool(polkadotOnly())
	ctx := context.Background()

	h, _, _ := p.Acquire(ctx, "polkadot")

	err := p.Release("polkadot", h+1)
	if !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle, got %v", err)
	}
	// The entry must be untouched by the failed release.
	if p.ActiveHandles("polkadot") != 1 {
		t.Errorf("expected 1 active handle, got %d", p.ActiveHandles("polkadot"))
	}
	if err := p.Release("polkadot", h); err != nil {
		t.Fatalf("valid Release failed: %v", err)
	}
}

func TestEndpointOrderingHealthyFirst(t *testing.T) {
	p, created := testPool(map[string]*directory.Chain{
		"polkadot": {
			ID: "polkadot",
			RPCs: []directory.Endpoint{
				{URL: "a", Healthy: false},
				{URL: "b", Healthy: true},
				{URL: "c", Healthy: true},
				{URL: "d", Healthy: false},
			},
		},
	})

	h, _, err := p.Acquire(context.Background(), "polkadot")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer p.Release("polkadot", h)

	want := []string{"b", "c", "a", "d"}
	got := created.endpoints[0]
	if len(got) != len(want) {
		t.Fatalf("expected %d endpoints, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestHandleCollisionRegenerated(t *testing.T) {
	p, _ := testPool(polkadotOnly())
	seq := []int{7, 7, 9}
	p.randInt = func(int) int {
		v := seq[0]
		if len(seq) > 1 {
			seq = seq[1:]
		}
		return v
	}
	ctx := context.Background()

	h1, _, _ := p.Acquire(ctx, "polkadot")
	h2, _, _ := p.Acquire(ctx, "polkadot")

	if h1 != 7 {
		t.Errorf("expected first handle 7, got %d", h1)
	}
	if h2 != 9 {
		t.Errorf("expected collision to regenerate to 9, got %d", h2)
	}
}

func TestTransportFactoryErrorLeavesNoEntry(t *testing.T) {
	p, _ := testPool(polkadotOnly())
	p.NewTransportFunc = func([]string, time.Duration) (transport.Transport, error) {
		return nil, errors.New("dial exploded")
	}

	_, _, err := p.Acquire(context.Background(), "polkadot")
	if err == nil {
		t.Fatal("expected an error")
	}
	if p.HasConnection("polkadot") {
		t.Error("failed connect must leave no entry behind")
	}
}

func TestConcurrentAcquireSingleTransport(t *testing.T) {
	p, created := testPool(polkadotOnly())
	ctx := context.Background()

	const borrowers = 10
	handles := make(chan Handle, borrowers)
	var wg sync.WaitGroup
	for i := 0; i < borrowers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, _, err := p.Acquire(ctx, "polkadot")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			handles <- h
		}()
	}
	wg.Wait()
	close(handles)

	if len(created.transports) != 1 {
		t.Fatalf("expected 1 transport under concurrent acquires, got %d", len(created.transports))
	}

	for h := range handles {
		if err := p.Release("polkadot", h); err != nil {
			t.Errorf("Release failed: %v", err)
		}
	}
	if p.HasConnection("polkadot") {
		t.Error("expected zero transports after all releases")
	}
	if created.transports[0].disconnectCount() != 1 {
		t.Errorf("expected exactly 1 disconnect, got %d", created.transports[0].disconnectCount())
	}
}

func TestKeepaliveProbes(t *testing.T) {
	p, created := testPool(polkadotOnly())
	p.keepaliveInterval = 10 * time.Millisecond

	h, _, err := p.Acquire(context.Background(), "polkadot")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for created.transports[0].sendCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if created.transports[0].sendCount() == 0 {
		t.Fatal("keepalive never probed the transport")
	}
	created.transports[0].mu.Lock()
	method := created.transports[0].sends[0]
	created.transports[0].mu.Unlock()
	if method != "system_health" {
		t.Errorf("expected system_health probe, got %s", method)
	}

	if err := p.Release("polkadot", h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// After teardown the keepalive loop must stop probing.
	time.Sleep(30 * time.Millisecond)
	settled := created.transports[0].sendCount()
	time.Sleep(50 * time.Millisecond)
	if created.transports[0].sendCount() != settled {
		t.Error("keepalive kept probing after the connection was torn down")
	}
}

func TestKeepaliveFailureIsSwallowed(t *testing.T) {
	p, created := testPool(polkadotOnly())
	p.keepaliveInterval = 10 * time.Millisecond

	h, _, err := p.Acquire(context.Background(), "polkadot")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer p.Release("polkadot", h)

	created.transports[0].mu.Lock()
	created.transports[0].sendErr = errors.New("probe failed")
	created.transports[0].mu.Unlock()

	// A failing probe must not tear anything down.
	deadline := time.Now().Add(2 * time.Second)
	for created.transports[0].sendCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !p.HasConnection("polkadot") {
		t.Error("keepalive failure must not close the connection")
	}
}

func TestWaitUntilReadyTimeoutIsAdvisory(t *testing.T) {
	p, _ := testPool(polkadotOnly())

	// A transport that never becomes ready.
	ft := &fakeTransport{readyCh: make(chan struct{}), connected: false}

	start := time.Now()
	p.WaitUntilReady(context.Background(), ft, 20*time.Millisecond)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("WaitUntilReady blocked past its timeout: %v", elapsed)
	}

	// Ready arriving after the timeout must not break anything; a second
	// wait returns immediately.
	close(ft.readyCh)
	p.WaitUntilReady(context.Background(), ft, time.Second)
}
