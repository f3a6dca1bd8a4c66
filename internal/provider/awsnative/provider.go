package awsnative

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skystack/engine/internal/provider"
	"github.com/skystack/engine/internal/relay"
	appErr "github.com/skystack/engine/pkg/errors"
	"github.com/skystack/engine/pkg/logger"
)

// api is the CloudFormation surface the provider uses. The SDK waiters and
// paginators accept the same method sets, so one interface serves both the
// real client and test doubles.
type api interface {
	ValidateTemplate(ctx context.Context, params *cloudformation.ValidateTemplateInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ValidateTemplateOutput, error)
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	CreateChangeSet(ctx context.Context, params *cloudformation.CreateChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateChangeSetOutput, error)
	DescribeChangeSet(ctx context.Context, params *cloudformation.DescribeChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error)
	ExecuteChangeSet(ctx context.Context, params *cloudformation.ExecuteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ExecuteChangeSetOutput, error)
	DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	ListStackResources(ctx context.Context, params *cloudformation.ListStackResourcesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStackResourcesOutput, error)
}

// Options tunes the provider; zero values fall back to sane defaults.
type Options struct {
	// WaitTimeout bounds each changeset/stack waiter.
	WaitTimeout time.Duration
}

// Provider deploys CloudFormation templates through the AWS SDK instead of
// an external tool. Groups map to stacks.
type Provider struct {
	client api
	region string
	waitFn time.Duration
}

var _ provider.Provider = (*Provider)(nil)

const (
	defaultWaitTimeout = 30 * time.Minute
	managedByTag       = "managed-by"
	managedByValue     = "skystack-engine"
)

// placeholderTemplate backs group stacks: CloudFormation refuses an empty
// stack, a WaitConditionHandle is the cheapest no-op resource.
const placeholderTemplate = `{"Resources":{"Placeholder":{"Type":"AWS::CloudFormation::WaitConditionHandle"}}}`

// New builds the provider for one job from its Context.
func New(pc provider.Context) (*Provider, error) {
	region := pc.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		return nil, appErr.New(appErr.CodeConfiguration, "aws region is required for native-aws")
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeConfiguration, "load aws config failed")
	}
	return &Provider{
		client: cloudformation.NewFromConfig(cfg),
		region: region,
		waitFn: defaultWaitTimeout,
	}, nil
}

// Register wires the provider under the native-aws identifier.
func Register() {
	provider.Register("native-aws", func(pc provider.Context) (provider.Provider, error) {
		return New(pc)
	})
}

func (p *Provider) Type() provider.Type { return provider.TypeNative }

func (p *Provider) SupportedLocations() []string {
	return []string{
		"us-east-1", "us-east-2", "us-west-1", "us-west-2",
		"eu-west-1", "eu-west-2", "eu-central-1", "eu-north-1",
		"ap-southeast-1", "ap-southeast-2", "ap-northeast-1", "ap-south-1",
		"sa-east-1", "ca-central-1",
	}
}

func stackName(groupName string, deploymentID uuid.UUID) string {
	if groupName != "" {
		return groupName
	}
	return "deploy-" + strings.Split(deploymentID.String(), "-")[0]
}

func toParameters(params map[string]any) []cfntypes.Parameter {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]cfntypes.Parameter, 0, len(params))
	for _, k := range keys {
		out = append(out, cfntypes.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(fmt.Sprintf("%v", params[k])),
		})
	}
	return out
}

func (p *Provider) publish(sink relay.Sink, id uuid.UUID, phase, line string, percent int) {
	if percent > 0 {
		sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeProgress, Phase: phase, Percent: percent})
	}
	if line != "" {
		sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeLog, Phase: phase, Line: line})
	}
}

func (p *Provider) stackExists(ctx context.Context, name string) (bool, error) {
	out, err := p.client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)})
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return false, nil
		}
		return false, appErr.Execution(err, appErr.ReasonExit, "describe stack failed")
	}
	return len(out.Stacks) > 0, nil
}

func classify(ctx context.Context, err error, phase string) error {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return appErr.Wrap(err, appErr.CodeCancelled, fmt.Sprintf("cloudformation %s cancelled", phase))
	}
	if strings.Contains(err.Error(), "exceeded max wait time") {
		return appErr.Execution(err, appErr.ReasonTimeout,
			fmt.Sprintf("cloudformation %s did not stabilize in time", phase)).WithMeta("phase", phase)
	}
	return appErr.Execution(err, appErr.ReasonExit,
		fmt.Sprintf("cloudformation %s failed", phase)).WithMeta("phase", phase)
}

// Deploy runs the changeset workflow: validate, create changeset, execute,
// collect stack outputs. The same phase names and events flow to observers
// as for the terraform family.
func (p *Provider) Deploy(ctx context.Context, req provider.DeployRequest) (*provider.DeployResult, error) {
	sink := req.Events
	if sink == nil {
		sink = relay.Discard
	}
	name := stackName(req.GroupName, req.DeploymentID)

	body, err := os.ReadFile(req.TemplatePath)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeConfiguration, "read template failed")
	}
	p.publish(sink, req.DeploymentID, "init", "validating template with CloudFormation", 10)

	if _, err := p.client.ValidateTemplate(ctx, &cloudformation.ValidateTemplateInput{
		TemplateBody: aws.String(string(body)),
	}); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeValidation, "template rejected by CloudFormation")
	}

	exists, err := p.stackExists(ctx, name)
	if err != nil {
		return nil, err
	}
	changeSetType := cfntypes.ChangeSetTypeCreate
	if exists {
		changeSetType = cfntypes.ChangeSetTypeUpdate
	}

	changeSetName := fmt.Sprintf("deploy-%s", req.DeploymentID)
	p.publish(sink, req.DeploymentID, "plan",
		fmt.Sprintf("creating changeset %s (%s) for stack %s", changeSetName, changeSetType, name), 35)

	if _, err := p.client.CreateChangeSet(ctx, &cloudformation.CreateChangeSetInput{
		StackName:     aws.String(name),
		ChangeSetName: aws.String(changeSetName),
		ChangeSetType: changeSetType,
		TemplateBody:  aws.String(string(body)),
		Parameters:    toParameters(req.Parameters),
		Capabilities:  []cfntypes.Capability{cfntypes.CapabilityCapabilityIam, cfntypes.CapabilityCapabilityNamedIam},
		Tags: []cfntypes.Tag{
			{Key: aws.String(managedByTag), Value: aws.String(managedByValue)},
			{Key: aws.String("deployment-id"), Value: aws.String(req.DeploymentID.String())},
		},
	}); err != nil {
		return nil, classify(ctx, err, "plan")
	}

	csWaiter := cloudformation.NewChangeSetCreateCompleteWaiter(p.client)
	describeCS := &cloudformation.DescribeChangeSetInput{
		StackName:     aws.String(name),
		ChangeSetName: aws.String(changeSetName),
	}
	if err := csWaiter.Wait(ctx, describeCS, p.waitFn); err != nil {
		return nil, classify(ctx, err, "plan")
	}

	cs, err := p.client.DescribeChangeSet(ctx, describeCS)
	if err != nil {
		return nil, classify(ctx, err, "plan")
	}
	for _, ch := range cs.Changes {
		if ch.ResourceChange == nil {
			continue
		}
		p.publish(sink, req.DeploymentID, "plan", fmt.Sprintf("%s %s (%s)",
			ch.ResourceChange.Action,
			aws.ToString(ch.ResourceChange.LogicalResourceId),
			aws.ToString(ch.ResourceChange.ResourceType)), 0)
	}

	p.publish(sink, req.DeploymentID, "apply", "executing changeset", 60)
	if _, err := p.client.ExecuteChangeSet(ctx, &cloudformation.ExecuteChangeSetInput{
		StackName:     aws.String(name),
		ChangeSetName: aws.String(changeSetName),
	}); err != nil {
		return nil, classify(ctx, err, "apply")
	}

	describeStack := &cloudformation.DescribeStacksInput{StackName: aws.String(name)}
	if exists {
		err = cloudformation.NewStackUpdateCompleteWaiter(p.client).Wait(ctx, describeStack, p.waitFn)
	} else {
		err = cloudformation.NewStackCreateCompleteWaiter(p.client).Wait(ctx, describeStack, p.waitFn)
	}
	if err != nil {
		return nil, classify(ctx, err, "apply")
	}

	p.publish(sink, req.DeploymentID, "outputs", "collecting stack outputs", 95)
	desc, err := p.client.DescribeStacks(ctx, describeStack)
	if err != nil || len(desc.Stacks) == 0 {
		return nil, classify(ctx, err, "outputs")
	}
	outputs := decodeStackOutputs(desc.Stacks[0].Outputs)

	logger.L().Info("cloudformation deploy finished",
		zap.String("deployment_id", req.DeploymentID.String()),
		zap.String("stack", name))

	return &provider.DeployResult{
		Outputs: outputs,
		Metadata: map[string]any{
			"tool":   "cloudformation",
			"stack":  name,
			"region": p.region,
		},
	}, nil
}

// Destroy deletes the deployment's stack.
func (p *Provider) Destroy(ctx context.Context, req provider.DestroyRequest) error {
	sink := req.Events
	if sink == nil {
		sink = relay.Discard
	}
	name := stackName(req.GroupName, req.DeploymentID)

	exists, err := p.stackExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return appErr.New(appErr.CodeNotFound, "stack "+name+" not found")
	}

	p.publish(sink, req.DeploymentID, "destroy", "deleting stack "+name, 50)
	if _, err := p.client.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: aws.String(name)}); err != nil {
		return classify(ctx, err, "destroy")
	}
	waiter := cloudformation.NewStackDeleteCompleteWaiter(p.client)
	if err := waiter.Wait(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)}, p.waitFn); err != nil {
		return classify(ctx, err, "destroy")
	}
	return nil
}

// Validate checks the template body against the CloudFormation service.
// Parameters are not evaluated here; the service validates structure only.
func (p *Provider) Validate(ctx context.Context, templatePath string, parameters map[string]any) (bool, string, error) {
	body, err := os.ReadFile(templatePath)
	if err != nil {
		return false, "", appErr.Wrap(err, appErr.CodeConfiguration, "read template failed")
	}
	if _, err := p.client.ValidateTemplate(ctx, &cloudformation.ValidateTemplateInput{
		TemplateBody: aws.String(string(body)),
	}); err != nil {
		if errors.Is(err, context.Canceled) {
			return false, "", appErr.Wrap(err, appErr.CodeCancelled, "validate cancelled")
		}
		return false, err.Error(), nil
	}
	return true, "", nil
}

// ListGroups returns the stacks this engine manages in the region.
func (p *Provider) ListGroups(ctx context.Context) ([]provider.Group, error) {
	paginator := cloudformation.NewDescribeStacksPaginator(p.client, &cloudformation.DescribeStacksInput{})
	var groups []provider.Group
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, appErr.Execution(err, appErr.ReasonExit, "list stacks failed")
		}
		for _, stack := range page.Stacks {
			if stack.StackStatus == cfntypes.StackStatusDeleteComplete {
				continue
			}
			g := provider.Group{
				Name:        aws.ToString(stack.StackName),
				Location:    p.region,
				ProviderRef: aws.ToString(stack.StackId),
				Tags:        map[string]string{},
			}
			for _, tag := range stack.Tags {
				g.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			groups = append(groups, g)
		}
	}
	return groups, nil
}

// CreateGroup creates an empty placeholder stack to anchor a group.
func (p *Provider) CreateGroup(ctx context.Context, name, location string, tags map[string]string) (*provider.Group, error) {
	cfnTags := []cfntypes.Tag{{Key: aws.String(managedByTag), Value: aws.String(managedByValue)}}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cfnTags = append(cfnTags, cfntypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}

	out, err := p.client.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:    aws.String(name),
		TemplateBody: aws.String(placeholderTemplate),
		Tags:         cfnTags,
	})
	if err != nil {
		if strings.Contains(err.Error(), "AlreadyExists") {
			return nil, appErr.Wrap(err, appErr.CodeAlreadyExists, "stack "+name+" already exists")
		}
		return nil, classify(ctx, err, "create-group")
	}
	waiter := cloudformation.NewStackCreateCompleteWaiter(p.client)
	if err := waiter.Wait(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)}, p.waitFn); err != nil {
		return nil, classify(ctx, err, "create-group")
	}
	return &provider.Group{
		Name:        name,
		Location:    p.region,
		Tags:        tags,
		ProviderRef: aws.ToString(out.StackId),
	}, nil
}

// DeleteGroup deletes the group's stack and everything in it.
func (p *Provider) DeleteGroup(ctx context.Context, name string) error {
	return p.Destroy(ctx, provider.DestroyRequest{GroupName: name})
}

// ListResources lists the stack's resources.
func (p *Provider) ListResources(ctx context.Context, groupName string) ([]provider.Resource, error) {
	var resources []provider.Resource
	var next *string
	for {
		out, err := p.client.ListStackResources(ctx, &cloudformation.ListStackResourcesInput{
			StackName: aws.String(groupName),
			NextToken: next,
		})
		if err != nil {
			if strings.Contains(err.Error(), "does not exist") {
				return nil, appErr.Wrap(err, appErr.CodeNotFound, "stack "+groupName+" not found")
			}
			return nil, appErr.Execution(err, appErr.ReasonExit, "list stack resources failed")
		}
		for _, summary := range out.StackResourceSummaries {
			resources = append(resources, provider.Resource{
				ID:       aws.ToString(summary.PhysicalResourceId),
				Name:     aws.ToString(summary.LogicalResourceId),
				Type:     aws.ToString(summary.ResourceType),
				Location: p.region,
				Group:    groupName,
				Properties: map[string]any{
					"status": string(summary.ResourceStatus),
				},
			})
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}
	return resources, nil
}

func decodeStackOutputs(outs []cfntypes.Output) map[string]any {
	outputs := make(map[string]any, len(outs))
	for _, o := range outs {
		outputs[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return outputs
}
