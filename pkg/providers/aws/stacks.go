package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/openfroyo/govframe/pkg/engine"
)

// ssmParameterPathKey names the optional parameter holding a JSON object of
// extra stack parameters stored in SSM.
const ssmParameterPathKey = "ssmParameterPath"

var stackFailureStatuses = map[string]bool{
	"UPDATE_ROLLBACK_COMPLETE": true,
	"ROLLBACK_COMPLETE":        true,
	"CREATE_FAILED":            true,
	"ROLLBACK_FAILED":          true,
	"DELETE_FAILED":            true,
	"UPDATE_ROLLBACK_FAILED":   true,
}

// deployStack creates or updates a stack in the task's account and region
// and returns the stack outputs. Delegated deploys run the same way; the
// proxy region is only logged.
func (p *Provider) deployStack(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	spec := inv.Deploy
	if spec == nil || spec.StackName == "" {
		return nil, engine.NewConfigurationError("deploy task without stack description", nil).
			WithResource(inv.TaskID)
	}

	c, err := p.clients(ctx, inv.Account, inv.Region)
	if err != nil {
		return nil, err
	}

	params := make(map[string]interface{}, len(inv.Parameters))
	for k, v := range inv.Parameters {
		if k != ssmParameterPathKey {
			params[k] = v
		}
	}
	if path := inv.StringParam(ssmParameterPathKey); path != "" {
		central, err := p.centralClients(ctx, inv.Region)
		if err != nil {
			return nil, err
		}
		if err := mergeSSMParameters(ctx, central.SSM, path, params); err != nil {
			return nil, err
		}
	}

	cfParams, err := stackParameters(params)
	if err != nil {
		return nil, err
	}
	var caps []cftypes.Capability
	if spec.Capabilities != "" {
		caps = []cftypes.Capability{cftypes.Capability(spec.Capabilities)}
	}
	templateURL := fmt.Sprintf("https://%s/%s/%s", spec.BucketRegionalDomainName, spec.TemplatePrefix, spec.TemplatePath)

	log := p.logger.With().
		Str("stack", spec.StackName).
		Str("account", inv.Account).
		Str("region", inv.Region).
		Logger()
	if spec.ProxyRegion != "" {
		log = log.With().Str("proxy_region", spec.ProxyRegion).Logger()
	}

	stack, err := p.describeStack(ctx, c.CloudFormation, spec.StackName)
	if err != nil {
		return nil, err
	}

	if stack != nil && string(stack.StackStatus) == "ROLLBACK_COMPLETE" {
		log.Warn().Msg("Deleting stack left in ROLLBACK_COMPLETE")
		if _, err := c.CloudFormation.DeleteStack(ctx, &cloudformation.DeleteStackInput{
			StackName: aws.String(spec.StackName),
		}); err != nil {
			return nil, wrapAWSError(err, "failed to delete stack").WithResource(spec.StackName)
		}
		if err := p.poll(ctx, "delete stack "+spec.StackName, func() (bool, error) {
			s, err := p.describeStack(ctx, c.CloudFormation, spec.StackName)
			if err != nil {
				return false, err
			}
			return s == nil || string(s.StackStatus) == "DELETE_COMPLETE", nil
		}); err != nil {
			return nil, err
		}
		stack = nil
	}

	if stack != nil {
		_, err := c.CloudFormation.UpdateStack(ctx, &cloudformation.UpdateStackInput{
			StackName:    aws.String(spec.StackName),
			TemplateURL:  aws.String(templateURL),
			Parameters:   cfParams,
			Capabilities: caps,
		})
		if hasMessage(err, "ValidationError", "No updates are to be performed") {
			log.Info().Msg("Stack is up to date")
			return stackResult(stack), nil
		}
		if err != nil {
			return nil, wrapAWSError(err, "failed to update stack").WithResource(spec.StackName)
		}
		log.Info().Msg("Updating stack")
	} else {
		_, err := c.CloudFormation.CreateStack(ctx, &cloudformation.CreateStackInput{
			StackName:    aws.String(spec.StackName),
			TemplateURL:  aws.String(templateURL),
			Parameters:   cfParams,
			Capabilities: caps,
		})
		if err != nil {
			return nil, wrapAWSError(err, "failed to create stack").WithResource(spec.StackName)
		}
		log.Info().Msg("Creating stack")
	}

	var final *cftypes.Stack
	err = p.poll(ctx, "deploy stack "+spec.StackName, func() (bool, error) {
		s, err := p.describeStack(ctx, c.CloudFormation, spec.StackName)
		if err != nil {
			return false, err
		}
		if s == nil {
			return false, engine.NewExecutionError("stack disappeared", nil).
				WithResource(spec.StackName).
				WithCode(engine.ErrCodeNotFound)
		}
		status := string(s.StackStatus)
		if stackFailureStatuses[status] {
			return false, engine.NewExecutionError("stack deployment failed with status "+status, nil).
				WithResource(spec.StackName).
				WithDetail("status", status).
				WithDetail("reason", aws.ToString(s.StackStatusReason))
		}
		if status == "CREATE_COMPLETE" || status == "UPDATE_COMPLETE" {
			final = s
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("status", string(final.StackStatus)).Msg("Stack deployed")
	return stackResult(final), nil
}

// describeStack returns nil when the stack does not exist.
func (p *Provider) describeStack(ctx context.Context, client CloudFormationAPI, name string) (*cftypes.Stack, error) {
	out, err := client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)})
	if hasMessage(err, "ValidationError", "does not exist") {
		return nil, nil
	}
	if err != nil {
		return nil, wrapAWSError(err, "failed to describe stack").WithResource(name)
	}
	if len(out.Stacks) == 0 {
		return nil, nil
	}
	return &out.Stacks[0], nil
}

func stackResult(stack *cftypes.Stack) *engine.CapabilityResult {
	outputs := make(map[string]string, len(stack.Outputs))
	for _, o := range stack.Outputs {
		outputs[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return &engine.CapabilityResult{
		Outputs: outputs,
		Data: map[string]interface{}{
			"stackId": aws.ToString(stack.StackId),
			"status":  string(stack.StackStatus),
		},
	}
}

// stackParameters converts task parameters into stack parameters. Strings
// pass through, maps are JSON encoded and anything else is formatted.
func stackParameters(params map[string]interface{}) ([]cftypes.Parameter, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]cftypes.Parameter, 0, len(keys))
	for _, k := range keys {
		var value string
		switch v := params[k].(type) {
		case string:
			value = v
		case map[string]string, map[string]interface{}:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, engine.NewConfigurationError("failed to encode stack parameter", err).WithResource(k)
			}
			value = string(b)
		default:
			value = fmt.Sprint(v)
		}
		out = append(out, cftypes.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(value),
		})
	}
	return out, nil
}

// mergeSSMParameters adds the JSON object stored at path to params without
// replacing keys already present.
func mergeSSMParameters(ctx context.Context, client SSMAPI, path string, params map[string]interface{}) error {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		if hasCode(err, "ParameterNotFound") {
			return engine.NewConfigurationError("stack parameter path not found", err).
				WithResource(path).
				WithCode(engine.ErrCodeNotFound)
		}
		return wrapAWSError(err, "failed to read stack parameters").WithResource(path)
	}
	if out.Parameter == nil {
		return nil
	}

	var extra map[string]interface{}
	if err := json.Unmarshal([]byte(aws.ToString(out.Parameter.Value)), &extra); err != nil {
		return engine.NewConfigurationError("stack parameters are not a JSON object", err).WithResource(path)
	}
	for k, v := range extra {
		if _, ok := params[k]; !ok {
			params[k] = v
		}
	}
	return nil
}

// stackSet creates or updates a service managed stack set targeting one
// organizational unit in one region, and waits for the operation.
func (p *Provider) stackSet(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	name := inv.StringParam("stackSetName")
	ouName := inv.StringParam("ouName")
	templateURL := inv.StringParam("templateUrl")
	region := inv.StringParam("region")
	if region == "" {
		region = inv.Region
	}
	if name == "" || ouName == "" || templateURL == "" {
		return nil, engine.NewConfigurationError("stackSetName, ouName and templateUrl are required", nil).
			WithResource(inv.TaskID)
	}

	c, err := p.centralClients(ctx, inv.Region)
	if err != nil {
		return nil, err
	}

	root, err := rootID(ctx, c.Organizations)
	if err != nil {
		return nil, err
	}
	ouID, err := findOU(ctx, c.Organizations, root, ouName)
	if err != nil {
		return nil, err
	}
	if ouID == "" {
		return nil, engine.NewExecutionError("organizational unit not found", nil).
			WithResource(ouName).
			WithCode(engine.ErrCodeNotFound)
	}

	params := make(map[string]interface{})
	for k, v := range inv.StringMapParam("parameters") {
		params[k] = v
	}
	if path := inv.StringParam(ssmParameterPathKey); path != "" {
		if err := mergeSSMParameters(ctx, c.SSM, path, params); err != nil {
			return nil, err
		}
	}
	cfParams, err := stackParameters(params)
	if err != nil {
		return nil, err
	}

	var caps []cftypes.Capability
	for _, cp := range inv.StringSliceParam("capabilities") {
		caps = append(caps, cftypes.Capability(cp))
	}
	tags := inv.StringMapParam("tags")
	tagKeys := make([]string, 0, len(tags))
	for k := range tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)
	var cfTags []cftypes.Tag
	for _, k := range tagKeys {
		cfTags = append(cfTags, cftypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}

	autoDeploy := &cftypes.AutoDeployment{
		Enabled:                      aws.Bool(true),
		RetainStacksOnAccountRemoval: aws.Bool(true),
	}
	targets := &cftypes.DeploymentTargets{OrganizationalUnitIds: []string{ouID}}

	var operationID string
	_, err = c.CloudFormation.DescribeStackSet(ctx, &cloudformation.DescribeStackSetInput{
		StackSetName: aws.String(name),
	})
	switch {
	case hasCode(err, "StackSetNotFoundException"):
		if _, err := c.CloudFormation.CreateStackSet(ctx, &cloudformation.CreateStackSetInput{
			StackSetName:    aws.String(name),
			TemplateURL:     aws.String(templateURL),
			Parameters:      cfParams,
			Capabilities:    caps,
			Tags:            cfTags,
			PermissionModel: cftypes.PermissionModelsServiceManaged,
			AutoDeployment:  autoDeploy,
		}); err != nil {
			return nil, wrapAWSError(err, "failed to create stack set").WithResource(name)
		}
		out, err := c.CloudFormation.CreateStackInstances(ctx, &cloudformation.CreateStackInstancesInput{
			StackSetName:      aws.String(name),
			DeploymentTargets: targets,
			Regions:           []string{region},
		})
		if err != nil {
			return nil, wrapAWSError(err, "failed to create stack instances").WithResource(name)
		}
		operationID = aws.ToString(out.OperationId)
	case err != nil:
		return nil, wrapAWSError(err, "failed to describe stack set").WithResource(name)
	default:
		out, err := c.CloudFormation.UpdateStackSet(ctx, &cloudformation.UpdateStackSetInput{
			StackSetName:      aws.String(name),
			TemplateURL:       aws.String(templateURL),
			Parameters:        cfParams,
			Capabilities:      caps,
			Tags:              cfTags,
			PermissionModel:   cftypes.PermissionModelsServiceManaged,
			AutoDeployment:    autoDeploy,
			DeploymentTargets: targets,
			Regions:           []string{region},
		})
		if err != nil {
			return nil, wrapAWSError(err, "failed to update stack set").WithResource(name)
		}
		operationID = aws.ToString(out.OperationId)
	}

	p.logger.Info().Str("stack_set", name).Str("operation_id", operationID).Msg("Waiting for stack set operation")

	err = p.poll(ctx, "stack set "+name, func() (bool, error) {
		out, err := c.CloudFormation.DescribeStackSetOperation(ctx, &cloudformation.DescribeStackSetOperationInput{
			StackSetName: aws.String(name),
			OperationId:  aws.String(operationID),
		})
		if err != nil {
			return false, err
		}
		status := string(out.StackSetOperation.Status)
		switch status {
		case "SUCCEEDED":
			return true, nil
		case "FAILED", "STOPPED":
			return false, engine.NewExecutionError("stack set operation "+status, nil).
				WithResource(name).
				WithDetail("operation_id", operationID)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	return &engine.CapabilityResult{
		Outputs: map[string]string{"operationId": operationID},
	}, nil
}
