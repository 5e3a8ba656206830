package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"asyncinfer/env"
	"asyncinfer/service/common"
)

type DeployCmd struct {
	NoNotifications bool `arg:"--no-notifications,help:skip the SNS success and error topics"`
	NoAutoscaling   bool `arg:"--no-autoscaling"`
}

type UploadCmd struct {
	Location string `arg:"positional,required,help:s3://bucket/key or a key in the default bucket"`
	Text     string `arg:"--text,help:text to summarize"`
	File     string `arg:"--file,help:upload this file as is"`
}

type InvokeCmd struct {
	Input string `arg:"positional,required"`
	Wait  bool   `arg:"--wait,help:poll until the result is available and print it"`
}

type StatusCmd struct {
	Output string `arg:"positional,help:output reference; the endpoint status is shown when empty"`
}

type BatchCmd struct {
	Inputs []string `arg:"positional,required"`
	Repeat int      `arg:"--repeat,help:submit every input this many times" default:"1"`
	Report string   `arg:"--report,help:also write the report to this xlsx file"`
}

type AutoscaleCmd struct {
	Disable bool `arg:"--disable,help:remove autoscaling instead of configuring it"`
}

type MetricsCmd struct {
	Out     string   `arg:"--out" default:"metrics.xlsx"`
	Metrics []string `arg:"--metric,separate,help:metric names; defaults to the backlog metrics"`
}

type TeardownCmd struct{}

type Args struct {
	env.EnvArgs
	common.PrometheusArgs
	common.HealthCheckArgs

	Deploy    *DeployCmd    `arg:"subcommand:deploy" help:"create the model, endpoint config and endpoint"`
	Upload    *UploadCmd    `arg:"subcommand:upload" help:"store an input payload"`
	Invoke    *InvokeCmd    `arg:"subcommand:invoke" help:"submit one request"`
	Status    *StatusCmd    `arg:"subcommand:status" help:"check a result or the endpoint"`
	Batch     *BatchCmd     `arg:"subcommand:batch" help:"submit many requests and collect the results"`
	Autoscale *AutoscaleCmd `arg:"subcommand:autoscale" help:"configure backlog based autoscaling"`
	Metrics   *MetricsCmd   `arg:"subcommand:metrics" help:"export endpoint metrics to xlsx"`
	Teardown  *TeardownCmd  `arg:"subcommand:teardown" help:"delete everything deploy created"`
}

func (Args) Description() string {
	return "asyncinfer deploys a summarization model behind an asynchronous inference endpoint and runs requests against it"
}

func main() {
	var flags Args
	p := arg.MustParse(&flags)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := env.CreateFromArgs(ctx, &flags.EnvArgs)
	if err != nil {
		panic(fmt.Sprintf("Failed to setup env: %v", err))
	}

	common.StartPromMetricsServer(flags.MetricsPort)
	readiness := map[string]healthcheck.Check{}
	if registry, err := e.Registry(); err == nil {
		readiness["endpoint"] = common.EndpointReady(registry, flags.EndpointName, 5*time.Second)
	}
	common.StartHealthCheckServer(flags.HealthPort, readiness)

	err = run(ctx, e, flags, os.Stdout)
	if cerr := e.Close(context.Background()); cerr != nil {
		e.Logger.Warn("failed to close env", zap.Error(cerr))
	}
	if err != nil {
		e.Logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}
