package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/google/uuid"
	"github.com/raulk/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"asyncinfer/lib/inference"
)

type SimulateArgs struct {
	Simulate      bool          `arg:"--simulate,env:ASYNC_SIMULATE,help:process requests in-process instead of calling SageMaker"`
	SimulateDelay time.Duration `arg:"--simulate-delay,env:ASYNC_SIMULATE_DELAY" default:"3s"`
	SummaryWords  int           `arg:"--summary-words" default:"12"`
}

type Config struct {
	// OutputPrefix is where results are written, e.g. s3://bucket/output.
	OutputPrefix string
	Delay        time.Duration
	SummaryWords int
}

// Endpoint behaves like an async inference endpoint: it accepts a request
// immediately and writes a result to a fresh output location once the
// request has been processed in the background.
type Endpoint struct {
	store  inference.ObjectStore
	conf   Config
	clock  clock.Clock
	logger *zap.Logger

	wg        sync.WaitGroup
	stop      chan struct{}
	stopOnce  sync.Once
	processed *atomic.Int64
	failed    *atomic.Int64
}

var _ inference.AsyncInvoker = (*Endpoint)(nil)

func NewEndpoint(store inference.ObjectStore, conf Config, ck clock.Clock, logger *zap.Logger) *Endpoint {
	if conf.SummaryWords <= 0 {
		conf.SummaryWords = 12
	}
	if conf.OutputPrefix == "" {
		conf.OutputPrefix = "output"
	}
	if ck == nil {
		ck = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Endpoint{
		store:     store,
		conf:      conf,
		clock:     ck,
		logger:    logger,
		stop:      make(chan struct{}),
		processed: atomic.NewInt64(0),
		failed:    atomic.NewInt64(0),
	}
}

func (e *Endpoint) InvokeAsync(ctx context.Context, req inference.InvokeRequest) (inference.InvokeResponse, error) {
	if err := ctx.Err(); err != nil {
		return inference.InvokeResponse{}, err
	}
	if req.EndpointName == "" {
		return inference.InvokeResponse{}, fmt.Errorf("endpoint name is required")
	}
	if req.InputLocation == "" {
		return inference.InvokeResponse{}, fmt.Errorf("input location is required")
	}
	select {
	case <-e.stop:
		return inference.InvokeResponse{}, fmt.Errorf("endpoint %s is shut down", req.EndpointName)
	default:
	}
	id := req.InferenceID
	if id == "" {
		id = uuid.NewString()
	}
	output := strings.TrimSuffix(e.conf.OutputPrefix, "/") + "/" + uuid.NewString() + ".out"

	e.wg.Add(1)
	go e.process(req.InputLocation, output)
	return inference.InvokeResponse{OutputLocation: output, InferenceID: id}, nil
}

func (e *Endpoint) process(input, output string) {
	defer e.wg.Done()
	if e.conf.Delay > 0 {
		select {
		case <-e.stop:
			return
		case <-e.clock.After(e.conf.Delay):
		}
	}
	ctx := context.Background()
	payload, err := e.store.Get(ctx, input)
	if err != nil {
		// a real endpoint reports this on the error topic and writes no result
		e.failed.Inc()
		e.logger.Warn("failed to read input", zap.String("input", input), zap.Error(err))
		return
	}
	result, err := Summarize(payload, e.conf.SummaryWords)
	if err != nil {
		e.failed.Inc()
		e.logger.Warn("failed to process input", zap.String("input", input), zap.Error(err))
		return
	}
	if err := e.store.Put(ctx, output, result); err != nil {
		e.failed.Inc()
		e.logger.Warn("failed to write result", zap.String("output", output), zap.Error(err))
		return
	}
	e.processed.Inc()
}

// Processed is the number of results written so far.
func (e *Endpoint) Processed() int64 {
	return e.processed.Load()
}

func (e *Endpoint) Failed() int64 {
	return e.failed.Load()
}

// Close stops accepting requests, abandons pending delays and waits for
// in-progress work.
func (e *Endpoint) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Wait blocks until every accepted request has been processed.
func (e *Endpoint) Wait() {
	e.wg.Wait()
}

type summary struct {
	SummaryText string `json:"summary_text"`
}

// Summarize produces the result document for a payload of the form
// {"inputs": "..."}: the first maxWords words of the input text, in the
// [{"summary_text": ...}] shape summarization pipelines return.
func Summarize(payload []byte, maxWords int) ([]byte, error) {
	text, err := jsonparser.GetString(payload, "inputs")
	if err != nil {
		return nil, fmt.Errorf("payload has no inputs field: %w", err)
	}
	words := strings.Fields(text)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return json.Marshal([]summary{{SummaryText: strings.Join(words, " ")}})
}
