package async

import (
	"context"
	"fmt"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/zap"

	"asyncinfer/lib/inference"
	"asyncinfer/lib/tracer"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxInterval  = 30 * time.Second
)

type PollerArgs struct {
	PollInterval    time.Duration `arg:"--poll-interval,env:POLL_INTERVAL,help:wait after the first missing result" default:"2s"`
	PollMultiplier  float64       `arg:"--poll-multiplier,env:POLL_MULTIPLIER,help:growth factor of the wait between checks; 1 polls at a fixed interval" default:"1.5"`
	PollMaxInterval time.Duration `arg:"--poll-max-interval,env:POLL_MAX_INTERVAL" default:"30s"`
	PollTimeout     time.Duration `arg:"--poll-timeout,env:POLL_TIMEOUT,help:give up on a result after this long; 0 waits forever" default:"30m"`
}

// Poller waits for results to appear at output references. A missing object
// is the only condition it retries on.
type Poller struct {
	store  inference.ObjectStore
	args   PollerArgs
	clock  clock.Clock
	logger *zap.Logger
}

func NewPoller(store inference.ObjectStore, args PollerArgs, ck clock.Clock, logger *zap.Logger) *Poller {
	if args.PollInterval <= 0 {
		args.PollInterval = defaultPollInterval
	}
	if args.PollMultiplier < 1 {
		args.PollMultiplier = 1
	}
	if args.PollMaxInterval <= 0 {
		args.PollMaxInterval = defaultMaxInterval
	}
	if args.PollMaxInterval < args.PollInterval {
		args.PollMaxInterval = args.PollInterval
	}
	if ck == nil {
		ck = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:  store,
		args:   args,
		clock:  ck,
		logger: logger,
	}
}

// Check reads the output reference once.
func (p *Poller) Check(ctx context.Context, outputRef string) (inference.Outcome, error) {
	data, err := p.store.Get(ctx, outputRef)
	if inference.IsNotFound(err) {
		pollAttempts.WithLabelValues("pending").Inc()
		return inference.Pending(), nil
	}
	if err != nil {
		pollAttempts.WithLabelValues("error").Inc()
		return inference.Outcome{}, fmt.Errorf("unexpected storage failure reading %s: %w", outputRef, err)
	}
	pollAttempts.WithLabelValues("ready").Inc()
	return inference.Ready(data), nil
}

// Await blocks until outputRef holds a result and returns its content. It
// returns inference.ErrTimeout once PollTimeout has passed without a result,
// or the context's error if ctx ends first.
func (p *Poller) Await(ctx context.Context, outputRef string) ([]byte, error) {
	span := tracer.StartSpan(ctx, "async.await")
	defer span.End()
	ctx = span.Context()

	start := p.clock.Now()
	var deadline time.Time
	if p.args.PollTimeout > 0 {
		deadline = start.Add(p.args.PollTimeout)
	}
	interval := p.args.PollInterval
	for attempt := 1; ; attempt++ {
		outcome, err := p.Check(ctx, outputRef)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if content, ok := outcome.Content(); ok {
			resultLatency.Observe(p.clock.Now().Sub(start).Seconds())
			span.SetIntAttribute("attempts", attempt)
			return content, nil
		}

		wait := interval
		if !deadline.IsZero() {
			remaining := deadline.Sub(p.clock.Now())
			if remaining <= 0 {
				return nil, fmt.Errorf("%w: %s not readable after %s (%d checks)",
					inference.ErrTimeout, outputRef, p.args.PollTimeout, attempt)
			}
			if wait > remaining {
				wait = remaining
			}
		}
		p.logger.Debug("result not ready",
			zap.String("output", outputRef),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.clock.After(wait):
		}
		interval = p.next(interval)
	}
}

func (p *Poller) next(interval time.Duration) time.Duration {
	n := time.Duration(float64(interval) * p.args.PollMultiplier)
	if n > p.args.PollMaxInterval {
		return p.args.PollMaxInterval
	}
	return n
}
