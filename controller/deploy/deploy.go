package deploy

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"asyncinfer/lib/inference"
)

// Plan names every resource backing one async endpoint.
type Plan struct {
	Model    inference.Model
	Config   inference.EndpointConfig
	Endpoint inference.Endpoint
	// Notifications creates success and error topics and wires them into
	// the endpoint config. NotificationEmail, when set, is subscribed to both.
	Notifications     bool
	NotificationEmail string
	// Scaling is applied after the endpoint is in service.
	Scaling *inference.ScalingPolicy
}

// NewPlan derives resource names from the endpoint name.
func NewPlan(endpointName string, model inference.Model, cfg inference.EndpointConfig) Plan {
	model.Name = endpointName + "-model"
	cfg.Name = endpointName + "-config"
	cfg.ModelName = model.Name
	if cfg.VariantName == "" {
		cfg.VariantName = inference.DefaultVariantName
	}
	return Plan{
		Model:    model,
		Config:   cfg,
		Endpoint: inference.Endpoint{Name: endpointName, EndpointConfigName: cfg.Name},
	}
}

func (p Plan) successTopic() string { return p.Endpoint.Name + "-success" }
func (p Plan) errorTopic() string   { return p.Endpoint.Name + "-error" }

type Deployment struct {
	EndpointName    string
	Status          string
	SuccessTopicArn string
	ErrorTopicArn   string
	Autoscaling     bool
}

type Controller struct {
	registry   inference.EndpointRegistry
	notifier   inference.Notifier
	autoscaler inference.Autoscaler
	logger     *zap.Logger
}

// NewController takes an optional notifier and autoscaler; nil disables the
// matching steps.
func NewController(registry inference.EndpointRegistry, notifier inference.Notifier, autoscaler inference.Autoscaler, logger *zap.Logger) Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Controller{registry: registry, notifier: notifier, autoscaler: autoscaler, logger: logger}
}

// Deploy brings the endpoint up, reusing whatever already exists, and
// blocks until it is in service.
func (c Controller) Deploy(ctx context.Context, plan Plan) (Deployment, error) {
	d := Deployment{EndpointName: plan.Endpoint.Name}
	if plan.Notifications {
		if c.notifier == nil {
			return d, fmt.Errorf("notifications requested without a notifier")
		}
		var err error
		if d.SuccessTopicArn, d.ErrorTopicArn, err = c.ensureTopics(ctx, plan); err != nil {
			return d, err
		}
		plan.Config.Async.SuccessTopicArn = d.SuccessTopicArn
		plan.Config.Async.ErrorTopicArn = d.ErrorTopicArn
	}
	if err := c.EnsureEndpointExists(ctx, plan); err != nil {
		return d, err
	}
	c.logger.Info("waiting for endpoint", zap.String("endpoint", plan.Endpoint.Name))
	if err := c.registry.WaitUntilInService(ctx, plan.Endpoint.Name); err != nil {
		return d, fmt.Errorf("endpoint %s did not come up: %w", plan.Endpoint.Name, err)
	}
	d.Status = inference.EndpointInService

	if plan.Scaling != nil {
		if err := c.EnsureAutoscaling(ctx, *plan.Scaling); err != nil {
			return d, err
		}
		d.Autoscaling = true
	}
	return d, nil
}

func (c Controller) ensureTopics(ctx context.Context, plan Plan) (string, string, error) {
	success, err := c.notifier.CreateTopic(ctx, plan.successTopic())
	if err != nil {
		return "", "", err
	}
	failure, err := c.notifier.CreateTopic(ctx, plan.errorTopic())
	if err != nil {
		return "", "", err
	}
	if plan.NotificationEmail == "" {
		return success, failure, nil
	}
	for _, arn := range []string{success, failure} {
		if _, err := c.notifier.Subscribe(ctx, arn, "email", plan.NotificationEmail); err != nil {
			return "", "", err
		}
	}
	c.logger.Info("subscribed to endpoint notifications",
		zap.String("email", plan.NotificationEmail), zap.String("success_topic", success), zap.String("error_topic", failure))
	return success, failure, nil
}

// EnsureEndpointExists creates the model, endpoint config and endpoint when
// they are missing. It does not wait for the endpoint.
func (c Controller) EnsureEndpointExists(ctx context.Context, plan Plan) error {
	exists, err := c.registry.ModelExists(ctx, plan.Model.Name)
	if err != nil {
		return fmt.Errorf("failed to check if model exists on sagemaker: %w", err)
	}
	if !exists {
		if err = c.registry.CreateModel(ctx, plan.Model); err != nil {
			return err
		}
		c.logger.Info("created model", zap.String("model", plan.Model.Name), zap.String("model_id", plan.Model.ModelID))
	}

	exists, err = c.registry.EndpointConfigExists(ctx, plan.Config.Name)
	if err != nil {
		return fmt.Errorf("failed to check if endpoint config exists on sagemaker: %w", err)
	}
	if !exists {
		if err = c.registry.CreateEndpointConfig(ctx, plan.Config); err != nil {
			return err
		}
		c.logger.Info("created endpoint config", zap.String("endpoint_config", plan.Config.Name))
	}

	exists, err = c.registry.EndpointExists(ctx, plan.Endpoint.Name)
	if err != nil {
		return fmt.Errorf("failed to check if endpoint exists on sagemaker: %w", err)
	}
	if exists {
		return nil
	}
	if err = c.registry.CreateEndpoint(ctx, plan.Endpoint); err != nil {
		return err
	}
	c.logger.Info("created endpoint", zap.String("endpoint", plan.Endpoint.Name))
	return nil
}

func (c Controller) EnsureAutoscaling(ctx context.Context, policy inference.ScalingPolicy) error {
	if c.autoscaler == nil {
		return fmt.Errorf("autoscaling requested without an autoscaler")
	}
	configured, err := c.autoscaler.IsAutoscalingConfigured(ctx, policy.EndpointName, policy.VariantName)
	if err != nil {
		return err
	}
	if configured {
		c.logger.Info("autoscaling already configured", zap.String("resource", policy.ResourceID()))
		return nil
	}
	if err = c.autoscaler.EnableAutoscaling(ctx, policy); err != nil {
		return err
	}
	c.logger.Info("enabled autoscaling",
		zap.String("resource", policy.ResourceID()),
		zap.Int64("min", policy.MinCapacity),
		zap.Int64("max", policy.MaxCapacity),
		zap.Bool("scale_from_zero", policy.ScaleFromZero))
	return nil
}

// Status reports the endpoint's current status, or an empty string when it
// does not exist.
func (c Controller) Status(ctx context.Context, endpointName string) (string, error) {
	exists, err := c.registry.EndpointExists(ctx, endpointName)
	if err != nil || !exists {
		return "", err
	}
	return c.registry.GetEndpointStatus(ctx, endpointName)
}

// Teardown removes everything Deploy may have created. Missing resources are
// skipped and the remaining steps still run when one fails.
func (c Controller) Teardown(ctx context.Context, plan Plan) error {
	var errs error
	if c.autoscaler != nil {
		errs = multierr.Append(errs, c.autoscaler.DisableAutoscaling(ctx, plan.Endpoint.Name, plan.Config.VariantName))
	}

	exists, err := c.registry.EndpointExists(ctx, plan.Endpoint.Name)
	switch {
	case err != nil:
		errs = multierr.Append(errs, err)
	case exists:
		errs = multierr.Append(errs, c.registry.DeleteEndpoint(ctx, plan.Endpoint.Name))
	}

	exists, err = c.registry.EndpointConfigExists(ctx, plan.Config.Name)
	switch {
	case err != nil:
		errs = multierr.Append(errs, err)
	case exists:
		errs = multierr.Append(errs, c.registry.DeleteEndpointConfig(ctx, plan.Config.Name))
	}

	exists, err = c.registry.ModelExists(ctx, plan.Model.Name)
	switch {
	case err != nil:
		errs = multierr.Append(errs, err)
	case exists:
		errs = multierr.Append(errs, c.registry.DeleteModel(ctx, plan.Model.Name))
	}

	if plan.Notifications && c.notifier != nil {
		// CreateTopic returns the existing ARN for a known name.
		for _, name := range []string{plan.successTopic(), plan.errorTopic()} {
			arn, err := c.notifier.CreateTopic(ctx, name)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			errs = multierr.Append(errs, c.notifier.DeleteTopic(ctx, arn))
		}
	}
	if errs == nil {
		c.logger.Info("tore down endpoint", zap.String("endpoint", plan.Endpoint.Name))
	}
	return errs
}
