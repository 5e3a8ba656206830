package async

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"asyncinfer/lib/inference"
	"asyncinfer/simulate"
)

func newCoordinator(t *testing.T, invoker inference.AsyncInvoker, store inference.ObjectStore, args CoordinatorArgs, timeout time.Duration) *Coordinator {
	c, err := NewCoordinator(NewSubmitter(invoker, SubmitterArgs{}, nil, nil), fastPoller(store, timeout), args, nil, nil)
	require.NoError(t, err)
	return c
}

func repeat(ref string, n int) []inference.Request {
	reqs := make([]inference.Request, n)
	for i := range reqs {
		reqs[i] = inference.Request{InputRef: ref, Target: testEndpoint}
	}
	return reqs
}

func TestCoordinator_SingleRequest(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			store, ep := newSimulated(t, 20*time.Millisecond)
			writeInput(t, store, "input/input.json", "The quick brown fox jumps over the lazy dog")
			c := newCoordinator(t, ep, store, CoordinatorArgs{Workers: workers}, time.Minute)

			report, err := c.Run(context.Background(), repeat("input/input.json", 1))
			require.NoError(t, err)
			require.Len(t, report.Results, 1)

			r := report.Results[0]
			assert.Equal(t, "input/input.json", r.Request.InputRef)
			assert.True(t, strings.HasPrefix(r.Request.OutputRef, "output/"))
			assert.True(t, strings.HasSuffix(r.Request.OutputRef, ".out"))

			expected, err := simulate.Summarize([]byte(`{"inputs": "The quick brown fox jumps over the lazy dog"}`), 12)
			require.NoError(t, err)
			assert.Equal(t, expected, r.Content)
			assert.Equal(t, []inference.Pair{{InputRef: "input/input.json", Content: expected}}, report.Contents())
			assert.Equal(t, int64(0), c.Inflight())
		})
	}
}

func TestCoordinator_IdenticalInputs(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			store, ep := newSimulated(t, 5*time.Millisecond)
			writeInput(t, store, "input/input.json", "same text every time")
			c := newCoordinator(t, ep, store, CoordinatorArgs{Workers: workers}, time.Minute)

			report, err := c.Run(context.Background(), repeat("input/input.json", 10))
			require.NoError(t, err)
			require.Len(t, report.Results, 10)

			seen := map[string]bool{}
			for _, r := range report.Results {
				assert.Equal(t, "input/input.json", r.Input.InputRef)
				assert.False(t, seen[r.Request.OutputRef], "duplicate output %s", r.Request.OutputRef)
				seen[r.Request.OutputRef] = true
				assert.NotEmpty(t, r.Content)
			}
			assert.Len(t, report.Contents(), 10)
			assert.Equal(t, int64(10), ep.Processed())
		})
	}
}

func TestCoordinator_SequentialSubmitsBeforeCollecting(t *testing.T) {
	store := simulate.NewMemoryStore("bucket")
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Put(context.Background(), fmt.Sprintf("output/%d.out", i), []byte(fmt.Sprint(i))))
	}
	counting := newCountingStore(store, 0)
	invoker := &fakeInvoker{}
	c := newCoordinator(t, &observingInvoker{invoker, counting}, counting, CoordinatorArgs{Workers: 1}, time.Minute)

	report, err := c.Run(context.Background(), repeat("input/input.json", 3))
	require.NoError(t, err)
	assert.Len(t, invoker.Calls(), 3)
	assert.Equal(t, []string{"output/0.out", "output/1.out", "output/2.out"}, report.OutputRefs())
	for i, r := range report.Results {
		assert.Equal(t, []byte(fmt.Sprint(i)), r.Content)
	}
}

// observingInvoker refuses to submit once any result has been read.
type observingInvoker struct {
	*fakeInvoker
	store *countingStore
}

func (o *observingInvoker) InvokeAsync(ctx context.Context, req inference.InvokeRequest) (inference.InvokeResponse, error) {
	o.store.mu.Lock()
	reads := len(o.store.reads)
	o.store.mu.Unlock()
	if reads > 0 {
		return inference.InvokeResponse{}, fmt.Errorf("result read before all submissions")
	}
	return o.fakeInvoker.InvokeAsync(ctx, req)
}

// delayedStore hides an output until its delay has passed since start.
type delayedStore struct {
	*simulate.MemoryStore
	delays map[string]time.Duration
	start  time.Time
}

func (d *delayedStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if time.Since(d.start) < d.delays[ref] {
		return nil, fmt.Errorf("%s: %w", ref, inference.ErrNotFound)
	}
	return d.MemoryStore.Get(ctx, ref)
}

func TestCoordinator_OrderIndependentOfCompletion(t *testing.T) {
	mem := simulate.NewMemoryStore("bucket")
	n := 5
	delays := map[string]time.Duration{}
	for i := 0; i < n; i++ {
		ref := fmt.Sprintf("output/%d.out", i)
		require.NoError(t, mem.Put(context.Background(), ref, []byte(fmt.Sprint(i))))
		// first submitted completes last
		delays[ref] = time.Duration(n-i) * 20 * time.Millisecond
	}
	store := &delayedStore{MemoryStore: mem, delays: delays, start: time.Now()}
	reqs := make([]inference.Request, n)
	for i := range reqs {
		reqs[i] = inference.Request{InputRef: fmt.Sprintf("input/%d.json", i), Target: testEndpoint}
	}
	c := newCoordinator(t, &fakeInvoker{}, store, CoordinatorArgs{Workers: n}, time.Minute)

	report, err := c.Run(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, report.Results, n)
	for i, r := range report.Results {
		assert.Equal(t, fmt.Sprintf("input/%d.json", i), r.Input.InputRef)
		assert.Equal(t, []byte(fmt.Sprint(i)), r.Content)
	}
}

func TestCoordinator_AbortOnSubmissionFailure(t *testing.T) {
	for _, workers := range []int{1, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			store, ep := newSimulated(t, 0)
			writeInput(t, store, "input/input.json", "text")
			invoker := &failingInvoker{AsyncInvoker: ep, failAt: 2}
			c := newCoordinator(t, invoker, store, CoordinatorArgs{Workers: workers}, time.Minute)

			report, err := c.Run(context.Background(), repeat("input/input.json", 5))
			assert.Nil(t, report)
			assert.ErrorIs(t, err, inference.ErrSubmission)
			assert.ErrorIs(t, err, errBoom)
			assert.Equal(t, int64(0), c.Inflight())
			if workers == 1 {
				// nothing after the failed submission is attempted
				assert.Equal(t, 3, invoker.Attempts())
			}
		})
	}
}

func TestCoordinator_AbortOnPollFailure(t *testing.T) {
	for _, workers := range []int{1, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			store, ep := newSimulated(t, 0)
			writeInput(t, store, "input/input.json", "text")
			failing := newCountingStore(store, 0)
			failing.err = errBoom
			c := newCoordinator(t, ep, failing, CoordinatorArgs{Workers: workers}, time.Minute)

			report, err := c.Run(context.Background(), repeat("input/input.json", 3))
			assert.Nil(t, report)
			assert.ErrorIs(t, err, errBoom)
			assert.NotErrorIs(t, err, inference.ErrTimeout)
			assert.Equal(t, int64(0), c.Inflight())
		})
	}
}

func TestCoordinator_AbortOnPollTimeout(t *testing.T) {
	for _, workers := range []int{1, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			store := simulate.NewMemoryStore("bucket")
			// outputs never appear
			c := newCoordinator(t, &fakeInvoker{}, store, CoordinatorArgs{Workers: workers}, 30*time.Millisecond)

			report, err := c.Run(context.Background(), repeat("input/input.json", 2))
			assert.Nil(t, report)
			assert.ErrorIs(t, err, inference.ErrTimeout)
			assert.Equal(t, int64(0), c.Inflight())
		})
	}
}

func TestCoordinator_FailedSubmissionsAreNotDuplicates(t *testing.T) {
	store, ep := newSimulated(t, 0)
	writeInput(t, store, "input/input.json", "text")
	invoker := &failingInvoker{AsyncInvoker: ep, failAt: -1, failInput: "input/bad.json"}
	reqs := repeat("input/input.json", 4)
	reqs[0].InputRef = "input/bad.json"
	reqs[2].InputRef = "input/bad.json"

	core, logs := observer.New(zapcore.WarnLevel)
	c, err := NewCoordinator(NewSubmitter(invoker, SubmitterArgs{}, nil, nil), fastPoller(store, time.Minute),
		CoordinatorArgs{Workers: 1, FailurePolicy: "continue"}, nil, zap.New(core))
	require.NoError(t, err)

	report, err := c.Run(context.Background(), reqs)
	require.NotNil(t, report)
	assert.ErrorIs(t, err, inference.ErrSubmission)
	assert.Len(t, report.Failed(), 2)
	assert.Equal(t, 0, logs.FilterMessage("endpoint returned duplicate output locations").Len())
}

func TestCoordinator_DuplicateOutputsWarn(t *testing.T) {
	store := simulate.NewMemoryStore("bucket")
	require.NoError(t, store.Put(context.Background(), "output/same.out", []byte("x")))
	invoker := &fakeInvoker{output: func(int, inference.InvokeRequest) string { return "output/same.out" }}

	core, logs := observer.New(zapcore.WarnLevel)
	c, err := NewCoordinator(NewSubmitter(invoker, SubmitterArgs{}, nil, nil), fastPoller(store, time.Minute),
		CoordinatorArgs{Workers: 1}, nil, zap.New(core))
	require.NoError(t, err)

	_, err = c.Run(context.Background(), repeat("input/input.json", 2))
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("endpoint returned duplicate output locations").Len())
}

func TestCoordinator_ContinueRecordsFailures(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			store, ep := newSimulated(t, 0)
			writeInput(t, store, "input/input.json", "text")
			invoker := &failingInvoker{AsyncInvoker: ep, failAt: -1, failInput: "input/bad.json"}
			reqs := repeat("input/input.json", 4)
			reqs[1].InputRef = "input/bad.json"
			// never produces a result
			reqs[3].InputRef = "input/missing.json"
			c := newCoordinator(t, invoker, store, CoordinatorArgs{Workers: workers, FailurePolicy: "continue"}, 50*time.Millisecond)

			report, err := c.Run(context.Background(), reqs)
			require.NotNil(t, report)
			assert.Error(t, err)
			assert.ErrorIs(t, err, inference.ErrSubmission)
			assert.ErrorIs(t, err, inference.ErrTimeout)
			require.Len(t, report.Results, 4)

			failed := report.Failed()
			require.Len(t, failed, 2)
			assert.Equal(t, "input/bad.json", failed[0].Input.InputRef)
			assert.ErrorIs(t, failed[0].Err, inference.ErrSubmission)
			assert.Equal(t, "input/missing.json", failed[1].Input.InputRef)
			assert.ErrorIs(t, failed[1].Err, inference.ErrTimeout)
			assert.Len(t, report.Contents(), 2)
			assert.Equal(t, int64(0), c.Inflight())
		})
	}
}

func TestCoordinator_CancelledContextAborts(t *testing.T) {
	store, ep := newSimulated(t, time.Hour)
	writeInput(t, store, "input/input.json", "text")
	c := newCoordinator(t, ep, store, CoordinatorArgs{Workers: 1, FailurePolicy: "continue"}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	report, err := c.Run(ctx, repeat("input/input.json", 2))
	assert.Nil(t, report)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(0), c.Inflight())
}

func TestCoordinator_EmptyBatch(t *testing.T) {
	store, ep := newSimulated(t, 0)
	c := newCoordinator(t, ep, store, CoordinatorArgs{Workers: 2}, time.Minute)
	report, err := c.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("")
	assert.NoError(t, err)
	assert.Equal(t, Abort, p)
	p, err = ParseFailurePolicy("continue")
	assert.NoError(t, err)
	assert.Equal(t, Continue, p)
	_, err = ParseFailurePolicy("retry")
	assert.Error(t, err)

	_, err = NewCoordinator(nil, nil, CoordinatorArgs{FailurePolicy: "retry"}, nil, nil)
	assert.Error(t, err)
}

// failingInvoker fails the call with index failAt and every call for
// failInput.
type failingInvoker struct {
	inference.AsyncInvoker
	failAt    int
	failInput string
	mu        sync.Mutex
	n         int
}

func (f *failingInvoker) InvokeAsync(ctx context.Context, req inference.InvokeRequest) (inference.InvokeResponse, error) {
	f.mu.Lock()
	n := f.n
	f.n++
	f.mu.Unlock()
	if n == f.failAt || (f.failInput != "" && req.InputLocation == f.failInput) {
		return inference.InvokeResponse{}, errBoom
	}
	return f.AsyncInvoker.InvokeAsync(ctx, req)
}

func (f *failingInvoker) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}
