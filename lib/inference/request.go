package inference

import (
	"time"

	"github.com/samber/lo"
	"github.com/samber/mo"
)

// Request is one unit of batch work: an input payload reference and the
// endpoint that should process it.
type Request struct {
	InputRef string `json:"input_ref"`
	Target   string `json:"target"`
}

// SubmittedRequest is created once the endpoint accepted a request. The
// output reference is where the result will eventually be written.
type SubmittedRequest struct {
	InputRef    string    `json:"input_ref"`
	OutputRef   string    `json:"output_ref"`
	InferenceID string    `json:"inference_id"`
	Target      string    `json:"target"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Outcome is the result of a single existence check of an output reference.
type Outcome struct {
	content mo.Option[[]byte]
}

func Pending() Outcome {
	return Outcome{content: mo.None[[]byte]()}
}

func Ready(content []byte) Outcome {
	return Outcome{content: mo.Some(content)}
}

func (o Outcome) IsReady() bool {
	return o.content.IsPresent()
}

// Content returns the payload; the boolean is false while pending.
func (o Outcome) Content() ([]byte, bool) {
	return o.content.Get()
}

type Result struct {
	Input   Request          `json:"input"`
	Request SubmittedRequest `json:"request"`
	Content []byte           `json:"-"`
	Err     error            `json:"-"`
}

func (r Result) Failed() bool {
	return r.Err != nil
}

// BatchReport holds one Result per input, in submission order.
type BatchReport struct {
	Results  []Result
	Started  time.Time
	Finished time.Time
}

// Pair is an input reference with the content produced for it.
type Pair struct {
	InputRef string
	Content  []byte
}

func (b *BatchReport) Contents() []Pair {
	ok := lo.Filter(b.Results, func(r Result, _ int) bool { return !r.Failed() })
	return lo.Map(ok, func(r Result, _ int) Pair {
		return Pair{InputRef: r.Input.InputRef, Content: r.Content}
	})
}

func (b *BatchReport) Failed() []Result {
	return lo.Filter(b.Results, func(r Result, _ int) bool { return r.Failed() })
}

func (b *BatchReport) OutputRefs() []string {
	return lo.Map(b.Results, func(r Result, _ int) string { return r.Request.OutputRef })
}

func (b *BatchReport) Elapsed() time.Duration {
	return b.Finished.Sub(b.Started)
}
