package async

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"go.uber.org/zap"

	"asyncinfer/lib/inference"
	"asyncinfer/lib/timer"
	"asyncinfer/lib/tracer"
)

type SubmitterArgs struct {
	ContentType string        `arg:"--content-type,env:ASYNC_CONTENT_TYPE,help:MIME type of the input payload" default:"application/json"`
	Accept      string        `arg:"--accept,env:ASYNC_ACCEPT,help:MIME type expected for the result" default:"application/json"`
	RequestTTL  time.Duration `arg:"--request-ttl,env:ASYNC_REQUEST_TTL,help:how long a request may wait in the endpoint queue" default:"0s"`
}

// Submitter queues single requests against an async endpoint. It does not
// retry and does not check that the input exists.
type Submitter struct {
	invoker inference.AsyncInvoker
	args    SubmitterArgs
	clock   clock.Clock
	logger  *zap.Logger
}

func NewSubmitter(invoker inference.AsyncInvoker, args SubmitterArgs, ck clock.Clock, logger *zap.Logger) *Submitter {
	if ck == nil {
		ck = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		invoker: invoker,
		args:    args,
		clock:   ck,
		logger:  logger,
	}
}

func (s *Submitter) Submit(ctx context.Context, inputRef, target string) (inference.SubmittedRequest, error) {
	defer timer.Start("async.submit").Stop()
	span := tracer.StartSpan(ctx, "async.submit")
	defer span.End()
	span.SetStringAttribute("endpoint", target)

	id := uuid.NewString()
	resp, err := s.invoker.InvokeAsync(span.Context(), inference.InvokeRequest{
		EndpointName:  target,
		InputLocation: inputRef,
		ContentType:   s.args.ContentType,
		Accept:        s.args.Accept,
		InferenceID:   id,
		RequestTTL:    s.args.RequestTTL,
	})
	if err != nil {
		submissions.WithLabelValues(target, "failed").Inc()
		span.RecordError(err)
		return inference.SubmittedRequest{}, fmt.Errorf("%w: endpoint %s, input %s: %w", inference.ErrSubmission, target, inputRef, err)
	}
	if resp.OutputLocation == "" || resp.OutputLocation == inputRef {
		submissions.WithLabelValues(target, "failed").Inc()
		return inference.SubmittedRequest{}, fmt.Errorf("%w: endpoint %s returned output location %q for input %s",
			inference.ErrSubmission, target, resp.OutputLocation, inputRef)
	}
	if resp.InferenceID != "" {
		id = resp.InferenceID
	}
	submissions.WithLabelValues(target, "accepted").Inc()
	s.logger.Debug("submitted async inference request",
		zap.String("endpoint", target),
		zap.String("input", inputRef),
		zap.String("output", resp.OutputLocation),
		zap.String("inference_id", id),
	)
	return inference.SubmittedRequest{
		InputRef:    inputRef,
		OutputRef:   resp.OutputLocation,
		InferenceID: id,
		Target:      target,
		SubmittedAt: s.clock.Now(),
	}, nil
}
