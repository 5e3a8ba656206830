package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"asyncinfer/dashboard"
	"asyncinfer/env"
	"asyncinfer/lib/inference"
)

func run(ctx context.Context, e env.Env, flags Args, out io.Writer) error {
	switch {
	case flags.Deploy != nil:
		return runDeploy(ctx, e, *flags.Deploy, out)
	case flags.Upload != nil:
		return runUpload(ctx, e, *flags.Upload, out)
	case flags.Invoke != nil:
		return runInvoke(ctx, e, *flags.Invoke, out)
	case flags.Status != nil:
		return runStatus(ctx, e, *flags.Status, out)
	case flags.Batch != nil:
		return runBatch(ctx, e, *flags.Batch, out)
	case flags.Autoscale != nil:
		return runAutoscale(ctx, e, *flags.Autoscale, out)
	case flags.Metrics != nil:
		return runMetrics(ctx, e, *flags.Metrics, out)
	case flags.Teardown != nil:
		return runTeardown(ctx, e, out)
	}
	return fmt.Errorf("missing subcommand")
}

func printJSON(out io.Writer, v interface{}) error {
	return json.NewEncoder(out).Encode(v)
}

func runDeploy(ctx context.Context, e env.Env, cmd DeployCmd, out io.Writer) error {
	if err := e.Args.DeployValid(); err != nil {
		return err
	}
	controller, err := e.Controller()
	if err != nil {
		return err
	}
	plan, err := e.Plan()
	if err != nil {
		return err
	}
	if cmd.NoNotifications {
		plan.Notifications = false
	}
	if cmd.NoAutoscaling {
		plan.Scaling = nil
	}
	d, err := controller.Deploy(ctx, plan)
	if err != nil {
		return err
	}
	return printJSON(out, map[string]interface{}{
		"endpoint":          d.EndpointName,
		"status":            d.Status,
		"success_topic_arn": d.SuccessTopicArn,
		"error_topic_arn":   d.ErrorTopicArn,
		"autoscaling":       d.Autoscaling,
	})
}

// Payload is the request body summarization containers accept.
type Payload struct {
	Inputs string `json:"inputs"`
}

func runUpload(ctx context.Context, e env.Env, cmd UploadCmd, out io.Writer) error {
	var data []byte
	switch {
	case cmd.File != "" && cmd.Text != "":
		return fmt.Errorf("--file and --text are exclusive")
	case cmd.File != "":
		var err error
		if data, err = os.ReadFile(cmd.File); err != nil {
			return err
		}
	case cmd.Text != "":
		var err error
		if data, err = json.Marshal(Payload{Inputs: cmd.Text}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("one of --file or --text is required")
	}
	if err := e.Store.Put(ctx, cmd.Location, data); err != nil {
		return err
	}
	e.Logger.Info("uploaded input", zap.String("location", cmd.Location), zap.Int("bytes", len(data)))
	_, err := fmt.Fprintln(out, cmd.Location)
	return err
}

func runInvoke(ctx context.Context, e env.Env, cmd InvokeCmd, out io.Writer) error {
	req, err := e.Submitter().Submit(ctx, cmd.Input, e.Args.EndpointName)
	if err != nil {
		return err
	}
	if !cmd.Wait {
		return printJSON(out, req)
	}
	content, err := e.Poller().Await(ctx, req.OutputRef)
	if err != nil {
		return err
	}
	return printJSON(out, resultLine{
		Input:       req.InputRef,
		Output:      req.OutputRef,
		InferenceID: req.InferenceID,
		Result:      json.RawMessage(content),
	})
}

func runStatus(ctx context.Context, e env.Env, cmd StatusCmd, out io.Writer) error {
	if cmd.Output == "" {
		controller, err := e.Controller()
		if err != nil {
			return err
		}
		status, err := controller.Status(ctx, e.Args.EndpointName)
		if err != nil {
			return err
		}
		if status == "" {
			status = "NotFound"
		}
		return printJSON(out, map[string]string{"endpoint": e.Args.EndpointName, "status": status})
	}
	outcome, err := e.Poller().Check(ctx, cmd.Output)
	if err != nil {
		return err
	}
	line := resultLine{Output: cmd.Output, Status: "pending"}
	if content, ok := outcome.Content(); ok {
		line.Status = "ready"
		line.Result = json.RawMessage(content)
	}
	return printJSON(out, line)
}

type resultLine struct {
	Input       string          `json:"input,omitempty"`
	Output      string          `json:"output"`
	InferenceID string          `json:"inference_id,omitempty"`
	Status      string          `json:"status,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func requests(inputs []string, repeat int, target string) []inference.Request {
	if repeat < 1 {
		repeat = 1
	}
	reqs := make([]inference.Request, 0, len(inputs)*repeat)
	for _, input := range inputs {
		for i := 0; i < repeat; i++ {
			reqs = append(reqs, inference.Request{InputRef: input, Target: target})
		}
	}
	return reqs
}

func runBatch(ctx context.Context, e env.Env, cmd BatchCmd, out io.Writer) error {
	coordinator, err := e.Coordinator()
	if err != nil {
		return err
	}
	report, runErr := coordinator.Run(ctx, requests(cmd.Inputs, cmd.Repeat, e.Args.EndpointName))
	if report == nil {
		return runErr
	}
	for _, r := range report.Results {
		line := resultLine{
			Input:       r.Input.InputRef,
			Output:      r.Request.OutputRef,
			InferenceID: r.Request.InferenceID,
			Status:      "ready",
		}
		if r.Failed() {
			line.Status, line.Error = "failed", r.Err.Error()
		} else if json.Valid(r.Content) {
			line.Result = json.RawMessage(r.Content)
		}
		if err := printJSON(out, line); err != nil {
			return err
		}
	}
	if cmd.Report != "" {
		if err := writeWorkbook(cmd.Report, func(w *dashboard.Workbook) error { return w.AddReport(report) }); err != nil {
			return err
		}
	}
	return runErr
}

func runAutoscale(ctx context.Context, e env.Env, cmd AutoscaleCmd, out io.Writer) error {
	scaler, ok := e.Autoscaler.Get()
	if !ok {
		return fmt.Errorf("autoscaling is not available with --simulate")
	}
	if cmd.Disable {
		if err := scaler.DisableAutoscaling(ctx, e.Args.EndpointName, inference.DefaultVariantName); err != nil {
			return err
		}
		return printJSON(out, map[string]interface{}{"endpoint": e.Args.EndpointName, "autoscaling": false})
	}
	controller, err := e.Controller()
	if err != nil {
		return err
	}
	policy := scaler.Policy(e.Args.EndpointName, inference.DefaultVariantName)
	if err := controller.EnsureAutoscaling(ctx, policy); err != nil {
		return err
	}
	return printJSON(out, map[string]interface{}{
		"endpoint":        e.Args.EndpointName,
		"autoscaling":     true,
		"resource_id":     policy.ResourceID(),
		"min_capacity":    policy.MinCapacity,
		"max_capacity":    policy.MaxCapacity,
		"scale_from_zero": policy.ScaleFromZero,
	})
}

func runMetrics(ctx context.Context, e env.Env, cmd MetricsCmd, out io.Writer) error {
	reader, ok := e.Metrics.Get()
	if !ok {
		return fmt.Errorf("metrics are not available with --simulate")
	}
	return exportMetrics(ctx, reader, reader.Queries(e.Args.EndpointName, e.Clock.Now(), cmd.Metrics...), cmd.Out, out)
}

func exportMetrics(ctx context.Context, reader inference.MetricsReader, queries []inference.MetricQuery, path string, out io.Writer) error {
	series := make([]inference.Series, 0, len(queries))
	for _, q := range queries {
		s, err := reader.Series(ctx, q)
		if err != nil {
			return err
		}
		series = append(series, s)
	}
	err := writeWorkbook(path, func(w *dashboard.Workbook) error {
		for _, s := range series {
			if err := w.AddSeries(s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, s := range series {
		if err := printJSON(out, map[string]interface{}{"metric": s.MetricName, "points": len(s.Points)}); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(out, path)
	return err
}

func writeWorkbook(path string, fill func(*dashboard.Workbook) error) (err error) {
	w, err := dashboard.New()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err = fill(w); err != nil {
		return err
	}
	return w.SaveAs(path)
}

func runTeardown(ctx context.Context, e env.Env, out io.Writer) error {
	controller, err := e.Controller()
	if err != nil {
		return err
	}
	plan, err := e.Plan()
	if err != nil {
		return err
	}
	if err := controller.Teardown(ctx, plan); err != nil {
		return err
	}
	return printJSON(out, map[string]string{"endpoint": e.Args.EndpointName, "status": "deleted"})
}
