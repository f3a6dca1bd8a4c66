package provider

import (
	"context"

	"github.com/google/uuid"

	"github.com/skystack/engine/internal/relay"
)

// Type identifies a provider implementation family.
type Type string

const (
	TypeTerraform Type = "terraform"
	TypeNative    Type = "native"
)

// Context is the immutable configuration bound to one deployment's
// execution. It is owned exclusively by the provider instance created for
// that job and is never shared across jobs.
type Context struct {
	SubscriptionID string // subscription / account / project identifier
	Region         string
	CloudFamily    string // aws, gcp, azure
	Credentials    map[string]string
}

// Group is the cloud-agnostic view of a resource-grouping concept
// (resource group, stack, project folder).
type Group struct {
	Name          string            `json:"name"`
	Location      string            `json:"location"`
	Tags          map[string]string `json:"tags,omitempty"`
	ResourceCount int               `json:"resource_count"`
	ProviderRef   string            `json:"provider_ref,omitempty"`
}

// Resource is one managed cloud resource.
type Resource struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Location   string            `json:"location"`
	Group      string            `json:"group"`
	Properties map[string]any    `json:"properties,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// DeployRequest carries everything a provider needs for one full
// create-or-update.
type DeployRequest struct {
	DeploymentID uuid.UUID
	TemplatePath string
	Parameters   map[string]any
	GroupName    string
	Location     string

	// Events receives live progress; never nil (use relay.Discard when no
	// observer path exists).
	Events relay.Sink
}

// DeployResult is the success payload of a deployment.
type DeployResult struct {
	Outputs  map[string]any
	Metadata map[string]any

	// WorkspaceDir is the attempt's working directory, reported so the
	// caller can persist it for destroy/forensics.
	WorkspaceDir string
}

// DestroyRequest tears down what a previous deployment created.
type DestroyRequest struct {
	DeploymentID uuid.UUID
	TemplatePath string
	Parameters   map[string]any
	GroupName    string
	Location     string
	WorkspaceDir string // existing workspace from the apply, if retained
	Events       relay.Sink
}

// Provider is the uniform capability interface implemented once per cloud
// family. Deploy and Destroy are long-running and run only on the worker;
// group operations are administrative and may be served synchronously.
type Provider interface {
	Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error)
	Destroy(ctx context.Context, req DestroyRequest) error

	// Validate dry-runs a template with parameters. It must not mutate
	// cloud state and is safe to call any number of times.
	Validate(ctx context.Context, templatePath string, parameters map[string]any) (bool, string, error)

	ListGroups(ctx context.Context) ([]Group, error)
	CreateGroup(ctx context.Context, name, location string, tags map[string]string) (*Group, error)
	DeleteGroup(ctx context.Context, name string) error
	ListResources(ctx context.Context, groupName string) ([]Resource, error)

	// Static metadata, no I/O.
	SupportedLocations() []string
	Type() Type
}
