package aws

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/openfroyo/govframe/pkg/engine"
)

// verifySubscription checks that the notification topic has at least one
// confirmed subscription. Until then the dependency is not ready.
func (p *Provider) verifySubscription(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	topic := inv.StringParam("topicArn")
	if topic == "" {
		return nil, engine.NewConfigurationError("topicArn is required", nil)
	}

	c, err := p.clients(ctx, inv.Account, inv.Region)
	if err != nil {
		return nil, err
	}

	total, confirmed := 0, 0
	input := &sns.ListSubscriptionsByTopicInput{TopicArn: aws.String(topic)}
	for {
		out, err := c.SNS.ListSubscriptionsByTopic(ctx, input)
		if err != nil {
			return nil, wrapAWSError(err, "failed to list topic subscriptions").WithResource(topic)
		}
		for _, s := range out.Subscriptions {
			total++
			if aws.ToString(s.SubscriptionArn) != "PendingConfirmation" {
				confirmed++
			}
		}
		if out.NextToken == nil {
			break
		}
		input.NextToken = out.NextToken
	}

	if total == 0 {
		return nil, engine.NewTransientDependencyError("topic has no subscriptions", nil).WithResource(topic)
	}
	if confirmed == 0 {
		return nil, engine.NewTransientDependencyError("topic subscriptions are pending confirmation", nil).
			WithResource(topic)
	}
	return &engine.CapabilityResult{
		Data: map[string]interface{}{"subscriptions": confirmed},
	}, nil
}

// verifyCredentials checks the caller identity and that every required
// parameter holds a value.
func (p *Provider) verifyCredentials(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	c, err := p.clients(ctx, inv.Account, inv.Region)
	if err != nil {
		return nil, err
	}

	identity, err := c.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, wrapAWSError(err, "failed to get caller identity")
	}

	for _, name := range inv.StringSliceParam("parameters") {
		out, err := c.SSM.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(name),
			WithDecryption: aws.Bool(true),
		})
		if hasCode(err, "ParameterNotFound") {
			return nil, engine.NewConfigurationError("credential parameter not found", err).
				WithResource(name).
				WithCode(engine.ErrCodeNotFound)
		}
		if err != nil {
			return nil, wrapAWSError(err, "failed to read credential parameter").WithResource(name)
		}
		if out.Parameter == nil || strings.TrimSpace(aws.ToString(out.Parameter.Value)) == "" {
			return nil, engine.NewConfigurationError("credential parameter is empty", nil).
				WithResource(name).
				WithCode(engine.ErrCodeNotFound)
		}
	}

	return &engine.CapabilityResult{
		Outputs: map[string]string{
			"account": aws.ToString(identity.Account),
			"arn":     aws.ToString(identity.Arn),
		},
	}, nil
}

// getParameters reads each Items entry {Name, OutputVariable} into the
// output named by OutputVariable.
func (p *Provider) getParameters(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	c, err := p.clients(ctx, inv.Account, inv.Region)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]string)
	for _, item := range inv.MapSliceParam("Items") {
		name, variable := item["Name"], item["OutputVariable"]
		if name == "" || variable == "" {
			return nil, engine.NewConfigurationError("parameter items need Name and OutputVariable", nil).
				WithResource(inv.TaskID)
		}
		out, err := c.SSM.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(name),
			WithDecryption: aws.Bool(true),
		})
		if hasCode(err, "ParameterNotFound") {
			return nil, engine.NewExecutionError("parameter not found", err).
				WithResource(name).
				WithCode(engine.ErrCodeNotFound)
		}
		if err != nil {
			return nil, wrapAWSError(err, "failed to read parameter").WithResource(name)
		}
		outputs[variable] = aws.ToString(out.Parameter.Value)
	}
	return &engine.CapabilityResult{Outputs: outputs}, nil
}
