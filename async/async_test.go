package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"asyncinfer/lib/inference"
	"asyncinfer/simulate"
)

const testEndpoint = "summarizer-async"

// fakeInvoker hands out predictable output locations and can be told to fail
// specific calls.
type fakeInvoker struct {
	mu     sync.Mutex
	calls  []inference.InvokeRequest
	failOn map[int]error
	output func(n int, req inference.InvokeRequest) string
}

func (f *fakeInvoker) InvokeAsync(_ context.Context, req inference.InvokeRequest) (inference.InvokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.calls)
	f.calls = append(f.calls, req)
	if err, ok := f.failOn[n]; ok {
		return inference.InvokeResponse{}, err
	}
	out := fmt.Sprintf("output/%d.out", n)
	if f.output != nil {
		out = f.output(n, req)
	}
	return inference.InvokeResponse{OutputLocation: out}, nil
}

func (f *fakeInvoker) Calls() []inference.InvokeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]inference.InvokeRequest(nil), f.calls...)
}

// countingStore counts reads and serves NotFound for the first `missing`
// reads of every key.
type countingStore struct {
	inference.ObjectStore
	mu      sync.Mutex
	reads   map[string]int
	missing int
	err     error
}

func newCountingStore(store inference.ObjectStore, missing int) *countingStore {
	return &countingStore{ObjectStore: store, reads: map[string]int{}, missing: missing}
}

func (c *countingStore) Get(ctx context.Context, ref string) ([]byte, error) {
	c.mu.Lock()
	c.reads[ref]++
	n := c.reads[ref]
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if n <= c.missing {
		return nil, fmt.Errorf("%s: %w", ref, inference.ErrNotFound)
	}
	return c.ObjectStore.Get(ctx, ref)
}

func (c *countingStore) Reads(ref string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads[ref]
}

func fastPoller(store inference.ObjectStore, timeout time.Duration) *Poller {
	return NewPoller(store, PollerArgs{
		PollInterval:    2 * time.Millisecond,
		PollMultiplier:  1.5,
		PollMaxInterval: 10 * time.Millisecond,
		PollTimeout:     timeout,
	}, nil, nil)
}

func writeInput(t *testing.T, store inference.ObjectStore, ref, text string) {
	require.NoError(t, store.Put(context.Background(), ref, []byte(fmt.Sprintf(`{"inputs": %q}`, text))))
}

func newSimulated(t *testing.T, delay time.Duration) (*simulate.MemoryStore, *simulate.Endpoint) {
	store := simulate.NewMemoryStore("bucket")
	ep := simulate.NewEndpoint(store, simulate.Config{OutputPrefix: "output", Delay: delay}, nil, nil)
	t.Cleanup(ep.Close)
	return store, ep
}

var errBoom = errors.New("boom")
