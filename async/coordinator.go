package async

import (
	"context"
	"fmt"

	"github.com/raulk/clock"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"asyncinfer/lib/inference"
	"asyncinfer/lib/utils/parallel"
)

type FailurePolicy string

const (
	// Abort stops the batch at the first failed item and returns no report.
	Abort FailurePolicy = "abort"
	// Continue records per-item failures and returns a full report.
	Continue FailurePolicy = "continue"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", Abort:
		return Abort, nil
	case Continue:
		return Continue, nil
	}
	return "", fmt.Errorf("unknown failure policy %q, want %q or %q", s, Abort, Continue)
}

type CoordinatorArgs struct {
	Workers       int    `arg:"--workers,env:ASYNC_WORKERS,help:concurrent submit+await tasks; 1 submits everything then collects in order" default:"1"`
	FailurePolicy string `arg:"--failure-policy,env:ASYNC_FAILURE_POLICY,help:abort or continue" default:"abort"`
}

// Coordinator fans a batch of requests out to the endpoint and collects the
// results. Reports are always in submission order.
type Coordinator struct {
	submitter *Submitter
	poller    *Poller
	workers   int
	policy    FailurePolicy
	clock     clock.Clock
	logger    *zap.Logger
	inflight  *atomic.Int64
}

func NewCoordinator(submitter *Submitter, poller *Poller, args CoordinatorArgs, ck clock.Clock, logger *zap.Logger) (*Coordinator, error) {
	policy, err := ParseFailurePolicy(args.FailurePolicy)
	if err != nil {
		return nil, err
	}
	if ck == nil {
		ck = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		submitter: submitter,
		poller:    poller,
		workers:   args.Workers,
		policy:    policy,
		clock:     ck,
		logger:    logger,
		inflight:  atomic.NewInt64(0),
	}, nil
}

// Inflight is the number of submitted requests not yet collected.
func (c *Coordinator) Inflight() int64 {
	return c.inflight.Load()
}

// Run processes reqs. Under the Abort policy any failure returns a nil report
// and the error. Under Continue the report is always returned, together with
// the combined error of all failed items.
func (c *Coordinator) Run(ctx context.Context, reqs []inference.Request) (*inference.BatchReport, error) {
	report := &inference.BatchReport{Started: c.clock.Now()}
	var err error
	if c.workers <= 1 {
		report.Results, err = c.runSequential(ctx, reqs)
	} else {
		report.Results, err = c.runConcurrent(ctx, reqs)
	}
	if err != nil {
		return nil, err
	}
	report.Finished = c.clock.Now()

	// failed submissions have no output location
	refs := lo.Filter(report.OutputRefs(), func(ref string, _ int) bool { return ref != "" })
	if len(lo.Uniq(refs)) != len(refs) {
		c.logger.Warn("endpoint returned duplicate output locations", zap.Int("requests", len(refs)))
	}
	var errs []error
	for i, r := range report.Results {
		if r.Failed() {
			batchItems.WithLabelValues("failed").Inc()
			errs = append(errs, fmt.Errorf("request %d (%s): %w", i, r.Input.InputRef, r.Err))
		} else {
			batchItems.WithLabelValues("ok").Inc()
		}
	}
	c.logger.Info("batch finished",
		zap.Int("requests", len(reqs)),
		zap.Int("failed", len(errs)),
		zap.Duration("elapsed", report.Elapsed()),
	)
	return report, multierr.Combine(errs...)
}

// runSequential submits every request before collecting any result.
func (c *Coordinator) runSequential(ctx context.Context, reqs []inference.Request) ([]inference.Result, error) {
	results := make([]inference.Result, len(reqs))
	pending := 0
	defer func() { c.track(-int64(pending)) }()
	for i, req := range reqs {
		results[i].Input = req
		sub, err := c.submitter.Submit(ctx, req.InputRef, req.Target)
		if err != nil {
			if c.abort(ctx) {
				return nil, fmt.Errorf("request %d: %w", i, err)
			}
			results[i].Err = err
			continue
		}
		c.track(1)
		pending++
		results[i].Request = sub
		c.logger.Info("submitted",
			zap.Int("index", i),
			zap.String("input", sub.InputRef),
			zap.String("output", sub.OutputRef),
		)
	}
	for i := range results {
		if results[i].Failed() {
			continue
		}
		content, err := c.poller.Await(ctx, results[i].Request.OutputRef)
		c.track(-1)
		pending--
		if err != nil {
			if c.abort(ctx) {
				return nil, fmt.Errorf("request %d: %w", i, err)
			}
			results[i].Err = err
			continue
		}
		results[i].Content = content
	}
	return results, nil
}

// runConcurrent gives each request its own submit+await task on a bounded
// pool of workers.
func (c *Coordinator) runConcurrent(ctx context.Context, reqs []inference.Request) ([]inference.Result, error) {
	indices := make([]int, len(reqs))
	for i := range indices {
		indices[i] = i
	}
	return parallel.Process(ctx, c.workers, indices, func(ctx context.Context, i int) (inference.Result, error) {
		r := inference.Result{Input: reqs[i]}
		sub, err := c.submitter.Submit(ctx, reqs[i].InputRef, reqs[i].Target)
		if err != nil {
			if c.abort(ctx) {
				return r, fmt.Errorf("request %d: %w", i, err)
			}
			r.Err = err
			return r, nil
		}
		c.track(1)
		defer c.track(-1)
		r.Request = sub
		c.logger.Info("submitted",
			zap.Int("index", i),
			zap.String("input", sub.InputRef),
			zap.String("output", sub.OutputRef),
		)
		content, err := c.poller.Await(ctx, sub.OutputRef)
		if err != nil {
			if c.abort(ctx) {
				return r, fmt.Errorf("request %d: %w", i, err)
			}
			r.Err = err
			return r, nil
		}
		r.Content = content
		return r, nil
	})
}

func (c *Coordinator) track(n int64) {
	c.inflight.Add(n)
	inflightRequests.Add(float64(n))
}

// abort reports whether a failed item ends the batch. A cancelled context
// always does.
func (c *Coordinator) abort(ctx context.Context) bool {
	return c.policy == Abort || ctx.Err() != nil
}
