package async

import (
	"context"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyncinfer/lib/inference"
	"asyncinfer/simulate"
)

type awaitResult struct {
	content []byte
	err     error
}

// driveAwait runs Await on p while advancing the mock clock in small steps
// until it returns.
func driveAwait(t *testing.T, p *Poller, ck *clock.Mock, ref string, step time.Duration) awaitResult {
	done := make(chan awaitResult, 1)
	go func() {
		content, err := p.Await(context.Background(), ref)
		done <- awaitResult{content, err}
	}()
	guard := time.After(10 * time.Second)
	for {
		select {
		case res := <-done:
			return res
		case <-guard:
			t.Fatal("Await did not return")
			return awaitResult{}
		default:
			ck.Add(step)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestPoller_Check(t *testing.T) {
	ctx := context.Background()
	store := simulate.NewMemoryStore("bucket")
	p := NewPoller(store, PollerArgs{}, nil, nil)

	outcome, err := p.Check(ctx, "output/a.out")
	require.NoError(t, err)
	assert.False(t, outcome.IsReady())

	require.NoError(t, store.Put(ctx, "output/a.out", []byte("done")))
	outcome, err = p.Check(ctx, "output/a.out")
	require.NoError(t, err)
	content, ok := outcome.Content()
	assert.True(t, ok)
	assert.Equal(t, []byte("done"), content)
}

func TestPoller_AwaitReturnsOnceVisible(t *testing.T) {
	store := simulate.NewMemoryStore("bucket")
	require.NoError(t, store.Put(context.Background(), "output/a.out", []byte("summary")))
	counting := newCountingStore(store, 3)
	ck := clock.NewMock()
	p := NewPoller(counting, PollerArgs{PollInterval: 2 * time.Second, PollMultiplier: 1}, ck, nil)

	res := driveAwait(t, p, ck, "output/a.out", time.Second)
	require.NoError(t, res.err)
	assert.Equal(t, []byte("summary"), res.content)
	// three misses, then the read that succeeds
	assert.Equal(t, 4, counting.Reads("output/a.out"))
}

func TestPoller_ImmediateResultDoesNotWait(t *testing.T) {
	store := simulate.NewMemoryStore("bucket")
	require.NoError(t, store.Put(context.Background(), "output/a.out", []byte("summary")))
	ck := clock.NewMock()
	p := NewPoller(store, PollerArgs{PollInterval: time.Hour}, ck, nil)

	content, err := p.Await(context.Background(), "output/a.out")
	require.NoError(t, err)
	assert.Equal(t, []byte("summary"), content)
}

func TestPoller_Backoff(t *testing.T) {
	p := NewPoller(nil, PollerArgs{PollInterval: 2 * time.Second, PollMultiplier: 2, PollMaxInterval: 30 * time.Second}, nil, nil)
	interval := p.args.PollInterval
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, interval)
		interval = p.next(interval)
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)

	// a multiplier of one polls at a fixed interval
	fixed := NewPoller(nil, PollerArgs{PollInterval: 2 * time.Second, PollMultiplier: 1}, nil, nil)
	assert.Equal(t, 2*time.Second, fixed.next(2*time.Second))
}

func TestPoller_Defaults(t *testing.T) {
	p := NewPoller(nil, PollerArgs{PollMultiplier: 0.5, PollMaxInterval: time.Millisecond}, nil, nil)
	assert.Equal(t, defaultPollInterval, p.args.PollInterval)
	assert.Equal(t, 1.0, p.args.PollMultiplier)
	assert.Equal(t, defaultPollInterval, p.args.PollMaxInterval)
	assert.Equal(t, time.Duration(0), p.args.PollTimeout)
}

func TestPoller_Timeout(t *testing.T) {
	store := simulate.NewMemoryStore("bucket")
	counting := newCountingStore(store, 0)
	ck := clock.NewMock()
	start := ck.Now()
	p := NewPoller(counting, PollerArgs{
		PollInterval:    2 * time.Second,
		PollMultiplier:  2,
		PollMaxInterval: time.Minute,
		PollTimeout:     10 * time.Second,
	}, ck, nil)

	res := driveAwait(t, p, ck, "output/never.out", time.Second)
	assert.ErrorIs(t, res.err, inference.ErrTimeout)
	assert.GreaterOrEqual(t, counting.Reads("output/never.out"), 2)
	assert.GreaterOrEqual(t, ck.Now().Sub(start), 10*time.Second)
}

func TestPoller_UnboundedWaitEndsOnlyWithContext(t *testing.T) {
	store := simulate.NewMemoryStore("bucket")
	p := NewPoller(store, PollerArgs{PollInterval: 5 * time.Millisecond, PollTimeout: 0}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.Await(ctx, "output/never.out")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, inference.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestPoller_UnexpectedStorageFailure(t *testing.T) {
	counting := newCountingStore(simulate.NewMemoryStore("bucket"), 0)
	counting.err = errBoom
	p := NewPoller(counting, PollerArgs{PollInterval: time.Millisecond}, nil, nil)

	_, err := p.Await(context.Background(), "output/a.out")
	assert.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, inference.ErrNotFound)
	// not retried
	assert.Equal(t, 1, counting.Reads("output/a.out"))
}
