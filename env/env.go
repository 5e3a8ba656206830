package env

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"strings"

	"github.com/alicebob/miniredis/v2"
	"github.com/raulk/clock"
	"github.com/samber/mo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"asyncinfer/async"
	"asyncinfer/autoscaling"
	"asyncinfer/cloudwatch"
	"asyncinfer/controller/deploy"
	"asyncinfer/lib/inference"
	"asyncinfer/lib/tracer"
	"asyncinfer/redis"
	"asyncinfer/s3"
	"asyncinfer/sagemaker"
	"asyncinfer/simulate"
	"asyncinfer/sns"
)

const (
	StoreS3        = "s3"
	StoreRedis     = "redis"
	StoreMiniRedis = "miniredis"
	StoreMemory    = "memory"
)

type EnvArgs struct {
	s3.S3Args
	redis.RedisArgs
	sagemaker.SagemakerArgs
	autoscaling.AutoscalingArgs
	sns.SNSArgs
	cloudwatch.CloudWatchArgs
	simulate.SimulateArgs
	async.SubmitterArgs
	async.PollerArgs
	async.CoordinatorArgs
	tracer.TracerArgs

	Region string `arg:"--aws-region,env:AWS_REGION"`
	Store  string `arg:"--store,env:ASYNC_STORE,help:s3, redis, miniredis or memory" default:"s3"`
	Dev    bool   `arg:"--dev,env:ASYNC_DEV" default:"true"`
}

func (args EnvArgs) Valid() error {
	missingFields := make([]string, 0)
	switch args.Store {
	case StoreS3:
		if args.Bucket == "" {
			missingFields = append(missingFields, "ASYNC_BUCKET")
		}
	case StoreRedis:
		if args.RedisServer == "" {
			missingFields = append(missingFields, "REDIS_SERVER_ADDRESS")
		}
	case StoreMiniRedis, StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", args.Store)
	}
	if !args.Simulate && args.Region == "" {
		missingFields = append(missingFields, "AWS_REGION")
	}
	if _, err := async.ParseFailurePolicy(args.FailurePolicy); err != nil {
		return err
	}
	if len(missingFields) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missingFields, ", "))
	}
	return nil
}

// DeployValid reports what else is needed to create an endpoint.
func (args EnvArgs) DeployValid() error {
	if err := args.Valid(); err != nil {
		return err
	}
	if args.Simulate {
		return fmt.Errorf("endpoint lifecycle commands are not available with --simulate")
	}
	missingFields := make([]string, 0)
	if args.SagemakerExecutionRole == "" {
		missingFields = append(missingFields, "SAGEMAKER_EXECUTION_ROLE")
	}
	if args.AsyncOutputPath == "" && args.Bucket == "" {
		missingFields = append(missingFields, "ASYNC_OUTPUT_PATH")
	}
	if len(missingFields) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missingFields, ", "))
	}
	return nil
}

// OutputPath is the prefix async results are written under.
func (args EnvArgs) OutputPath() string {
	if args.AsyncOutputPath != "" {
		return strings.TrimSuffix(args.AsyncOutputPath, "/")
	}
	bucket := args.Bucket
	if bucket == "" {
		bucket = redis.DefaultBucket
	}
	return inference.Location{Bucket: bucket, Key: "output"}.String()
}

// Env holds every client a command needs. It is built once per process
// from EnvArgs.
type Env struct {
	Args    EnvArgs
	Logger  *zap.Logger
	Clock   clock.Clock
	Store   inference.ObjectStore
	Invoker inference.AsyncInvoker

	Sagemaker   mo.Option[sagemaker.SMClient]
	Simulator   mo.Option[*simulate.Endpoint]
	Notifier    mo.Option[sns.Client]
	Autoscaler  mo.Option[autoscaling.Client]
	Metrics     mo.Option[cloudwatch.Client]
	closers     []func() error
	tracerClose func(context.Context) error
}

func NewLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	return config.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	)
}

func CreateFromArgs(ctx context.Context, args *EnvArgs) (env Env, err error) {
	if err = args.Valid(); err != nil {
		return env, err
	}
	if args.Region != "" {
		args.S3Args.Region = args.Region
		args.SagemakerArgs.Region = args.Region
		args.AutoscalingArgs.Region = args.Region
		args.SNSArgs.Region = args.Region
		args.CloudWatchArgs.Region = args.Region
	}

	log.Print("Creating logger")
	logger, err := NewLogger(args.Dev)
	if err != nil {
		return env, fmt.Errorf("failed to construct logger: %v", err)
	}
	_ = zap.ReplaceGlobals(logger)

	env = Env{
		Args:   *args,
		Logger: logger,
		Clock:  clock.New(),
	}
	defer func() {
		if err != nil {
			_ = env.Close(ctx)
		}
	}()

	logger.Info("Creating object store", zap.String("store", args.Store))
	if err = env.createStore(); err != nil {
		return env, err
	}

	if args.Simulate {
		logger.Info("Starting simulated endpoint", zap.Duration("delay", args.SimulateDelay))
		sim := simulate.NewEndpoint(env.Store, simulate.Config{
			OutputPrefix: args.OutputPath(),
			Delay:        args.SimulateDelay,
			SummaryWords: args.SummaryWords,
		}, env.Clock, logger)
		env.Simulator = mo.Some(sim)
		env.Invoker = sim
		env.closers = append(env.closers, func() error {
			sim.Close()
			return nil
		})
	} else {
		logger.Info("Connecting to sagemaker")
		smclient, err := sagemaker.NewClient(args.SagemakerArgs)
		if err != nil {
			return env, fmt.Errorf("failed to create sagemaker client: %v", err)
		}
		env.Sagemaker = mo.Some(smclient)
		env.Invoker = smclient

		logger.Info("Creating AWS clients for SNS, Application Auto Scaling, and CloudWatch")
		env.Notifier = mo.Some(sns.NewClient(args.SNSArgs))
		env.Autoscaler = mo.Some(autoscaling.NewClient(args.AutoscalingArgs))
		env.Metrics = mo.Some(cloudwatch.NewClient(args.CloudWatchArgs))
	}

	// Setup tracer provider (which exports remotely) if an endpoint is defined. Otherwise a default tracer is used.
	if len(args.OtlpEndpoint) > 0 {
		env.tracerClose, err = tracer.InitProvider(ctx, args.OtlpEndpoint)
		if err != nil {
			return env, fmt.Errorf("failed to init tracer: %w", err)
		}
	}
	return env, nil
}

func (env *Env) createStore() error {
	args := env.Args
	switch args.Store {
	case StoreS3:
		env.Store = s3.NewClient(args.S3Args)
	case StoreRedis:
		conf := redis.ClientConfig{
			Addr:   args.RedisServer,
			Bucket: args.Bucket,
			TTL:    args.RedisTTL,
		}
		if args.RedisTLS {
			conf.TLSConfig = &tls.Config{InsecureSkipVerify: true}
		}
		client, err := conf.Materialize()
		if err != nil {
			return fmt.Errorf("failed to create redis client: %v", err)
		}
		env.Store = client
		env.closers = append(env.closers, client.Close)
	case StoreMiniRedis:
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("failed to start miniredis: %v", err)
		}
		client, err := redis.MiniRedisConfig{MiniRedis: mr, Bucket: args.Bucket}.Materialize()
		if err != nil {
			mr.Close()
			return err
		}
		env.Store = client
		env.closers = append(env.closers, client.Close)
	case StoreMemory:
		bucket := args.Bucket
		if bucket == "" {
			bucket = redis.DefaultBucket
		}
		env.Store = simulate.NewMemoryStore(bucket)
	}
	return nil
}

// Registry returns the endpoint registry, which only exists when talking to
// SageMaker.
func (env Env) Registry() (inference.EndpointRegistry, error) {
	smclient, ok := env.Sagemaker.Get()
	if !ok {
		return nil, fmt.Errorf("no endpoint registry with --simulate")
	}
	return smclient, nil
}

func (env Env) Submitter() *async.Submitter {
	return async.NewSubmitter(env.Invoker, env.Args.SubmitterArgs, env.Clock, env.Logger)
}

func (env Env) Poller() *async.Poller {
	return async.NewPoller(env.Store, env.Args.PollerArgs, env.Clock, env.Logger)
}

func (env Env) Coordinator() (*async.Coordinator, error) {
	return async.NewCoordinator(env.Submitter(), env.Poller(), env.Args.CoordinatorArgs, env.Clock, env.Logger)
}

// Controller wires the endpoint lifecycle controller. Notifications and
// autoscaling are optional there, so missing clients are passed as nil.
func (env Env) Controller() (deploy.Controller, error) {
	registry, err := env.Registry()
	if err != nil {
		return deploy.Controller{}, err
	}
	var notifier inference.Notifier
	if n, ok := env.Notifier.Get(); ok {
		notifier = n
	}
	var autoscaler inference.Autoscaler
	if a, ok := env.Autoscaler.Get(); ok {
		autoscaler = a
	}
	return deploy.NewController(registry, notifier, autoscaler, env.Logger), nil
}

// Plan describes the endpoint configured by the args.
func (env Env) Plan() (deploy.Plan, error) {
	smclient, ok := env.Sagemaker.Get()
	if !ok {
		return deploy.Plan{}, fmt.Errorf("no endpoint plan with --simulate")
	}
	args := env.Args
	model, err := smclient.Model("")
	if err != nil {
		return deploy.Plan{}, err
	}
	plan := deploy.NewPlan(args.EndpointName, model, inference.EndpointConfig{
		VariantName:   inference.DefaultVariantName,
		InstanceType:  args.SagemakerInstanceType,
		InstanceCount: args.SagemakerInstanceCount,
		Async: inference.AsyncConfig{
			OutputPath:               args.OutputPath(),
			MaxConcurrentInvocations: args.MaxConcurrentInvocations,
		},
	})
	plan.Notifications = env.Notifier.IsPresent()
	plan.NotificationEmail = args.NotificationEmail
	if a, ok := env.Autoscaler.Get(); ok {
		policy := a.Policy(args.EndpointName, inference.DefaultVariantName)
		plan.Scaling = &policy
	}
	return plan, nil
}

// Close releases resources in reverse order of creation, so the simulated
// endpoint drains before the store it writes to goes away.
func (env Env) Close(ctx context.Context) error {
	var errs error
	for i := len(env.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, env.closers[i]())
	}
	if env.tracerClose != nil {
		errs = multierr.Append(errs, env.tracerClose(ctx))
	}
	if env.Logger != nil {
		_ = env.Logger.Sync()
	}
	return errs
}
