package terraform

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skystack/engine/internal/provider"
	"github.com/skystack/engine/internal/relay"
	"github.com/skystack/engine/internal/tool"
	"github.com/skystack/engine/internal/workspace"
	appErr "github.com/skystack/engine/pkg/errors"
	"github.com/skystack/engine/pkg/logger"
)

const groupMarker = "group.json"

// Deps is the shared infrastructure every terraform provider instance runs
// on. One Deps value is built at process start and reused across jobs.
type Deps struct {
	Workspaces   *workspace.Manager
	Binary       string
	PhaseTimeout time.Duration
}

// Provider drives any cloud through the terraform binary. Cloud specifics
// come from the adapter; everything else is shared.
type Provider struct {
	adapter CloudAdapter
	pc      provider.Context
	deps    Deps
}

var _ provider.Provider = (*Provider)(nil)

// New builds a terraform provider for one job, failing fast when the job's
// Context cannot authenticate against the adapter's cloud.
func New(adapter CloudAdapter, pc provider.Context, deps Deps) (*Provider, error) {
	if err := adapter.CheckCredentials(pc); err != nil {
		return nil, err
	}
	return &Provider{adapter: adapter, pc: pc, deps: deps}, nil
}

// RegisterAll registers the terraform provider family: terraform-aws,
// terraform-gcp and terraform-azure.
func RegisterAll(deps Deps) {
	for _, adapter := range []CloudAdapter{AWSAdapter{}, GCPAdapter{}, AzureAdapter{}} {
		a := adapter
		provider.Register("terraform-"+a.Family(), func(pc provider.Context) (provider.Provider, error) {
			return New(a, pc, deps)
		})
	}
}

func (p *Provider) Type() provider.Type { return provider.TypeTerraform }

func (p *Provider) SupportedLocations() []string { return p.adapter.SupportedLocations() }

func (p *Provider) runner(ws *workspace.Workspace, deploymentID uuid.UUID, events relay.Sink) (*tool.Runner, error) {
	return tool.NewRunner(tool.Options{
		Dir:          ws.Dir,
		Binary:       p.deps.Binary,
		PhaseTimeout: p.deps.PhaseTimeout,
		DeploymentID: deploymentID,
		Events:       events,
	})
}

// prepare stages template, variables and provider config into ws.
func (p *Provider) prepare(ws *workspace.Workspace, templatePath string, params map[string]any, groupName, location string) error {
	if err := ws.StageTemplate(templatePath); err != nil {
		return err
	}
	merged := p.adapter.MergeParameters(params, groupName, location)
	if err := ws.WriteVars(merged); err != nil {
		return err
	}
	pcfg, err := p.adapter.ProviderConfig(p.pc)
	if err != nil {
		return err
	}
	return ws.WriteProviderConfig(pcfg)
}

// Deploy runs the full stage/init/plan/apply/output sequence in a fresh
// workspace. On failure the workspace is retained for forensics and a later
// destroy; on success it is released.
func (p *Provider) Deploy(ctx context.Context, req provider.DeployRequest) (*provider.DeployResult, error) {
	ws, err := p.deps.Workspaces.Create(req.DeploymentID)
	if err != nil {
		return nil, err
	}

	outputs, err := func() (map[string]any, error) {
		if err := p.prepare(ws, req.TemplatePath, req.Parameters, req.GroupName, req.Location); err != nil {
			return nil, err
		}
		r, err := p.runner(ws, req.DeploymentID, req.Events)
		if err != nil {
			return nil, err
		}
		return r.Deploy(ctx)
	}()
	if err != nil {
		ws.Retain()
		if relErr := ws.Release(); relErr != nil {
			logger.L().Warn("workspace release failed", zap.Error(relErr))
		}
		// Report where the retained workspace lives so the caller can
		// persist it for destroy and forensics.
		if ae, ok := err.(*appErr.AppError); ok {
			ae.WithMeta("workspace_dir", ws.Dir)
		}
		return nil, err
	}

	result := &provider.DeployResult{
		Outputs: outputs,
		Metadata: map[string]any{
			"tool":   "terraform",
			"family": p.adapter.Family(),
		},
		WorkspaceDir: ws.Dir,
	}
	if ws.Retained() {
		// Debug flag keeps the workspace; report it so destroy can reuse it.
		if err := ws.Release(); err != nil {
			logger.L().Warn("workspace release failed", zap.Error(err))
		}
		return result, nil
	}
	result.WorkspaceDir = ""
	if err := ws.Release(); err != nil {
		logger.L().Warn("workspace release failed", zap.Error(err))
	}
	return result, nil
}

// Destroy unwinds a deployment. It reuses the retained apply workspace when
// one exists, otherwise it re-stages the template and relies on the remote
// state the backend tracks.
func (p *Provider) Destroy(ctx context.Context, req provider.DestroyRequest) error {
	var ws *workspace.Workspace
	var err error
	if req.WorkspaceDir != "" {
		ws, err = p.deps.Workspaces.Open(req.DeploymentID, req.WorkspaceDir)
	} else {
		ws, err = p.deps.Workspaces.Create(req.DeploymentID)
		if err == nil {
			err = p.prepare(ws, req.TemplatePath, req.Parameters, req.GroupName, req.Location)
		}
	}
	if err != nil {
		return err
	}

	r, err := p.runner(ws, req.DeploymentID, req.Events)
	if err != nil {
		ws.Retain()
		_ = ws.Release()
		return err
	}
	if err := r.Destroy(ctx); err != nil {
		ws.Retain()
		_ = ws.Release()
		return err
	}
	// Nothing left to manage; remove the workspace even if it was retained.
	return ws.Purge()
}

// Validate dry-runs a template in a throwaway workspace. The workspace is
// always released; cloud state is never touched.
func (p *Provider) Validate(ctx context.Context, templatePath string, parameters map[string]any) (bool, string, error) {
	ws, err := p.deps.Workspaces.Create(uuid.New())
	if err != nil {
		return false, "", err
	}
	defer func() {
		if err := ws.Purge(); err != nil {
			logger.L().Warn("validate workspace purge failed", zap.Error(err))
		}
	}()

	if err := p.prepare(ws, templatePath, parameters, "", ""); err != nil {
		return false, "", err
	}
	r, err := p.runner(ws, uuid.Nil, relay.Discard)
	if err != nil {
		return false, "", err
	}
	return r.Validate(ctx)
}

type groupRecord struct {
	Name      string            `json:"name"`
	Location  string            `json:"location"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// CreateGroup provisions the cloud's grouping resource in a long-lived
// group workspace and records its metadata alongside the state.
func (p *Provider) CreateGroup(ctx context.Context, name, location string, tags map[string]string) (*provider.Group, error) {
	ws, err := p.deps.Workspaces.OpenOrCreateGroup(p.adapter.Family(), name)
	if err != nil {
		return nil, err
	}
	if err := ws.WriteMain(p.adapter.GroupConfig(name, location, tags)); err != nil {
		return nil, err
	}
	pcfg, err := p.adapter.ProviderConfig(p.pc)
	if err != nil {
		return nil, err
	}
	if err := ws.WriteProviderConfig(pcfg); err != nil {
		return nil, err
	}

	r, err := p.runner(ws, uuid.Nil, relay.Discard)
	if err != nil {
		return nil, err
	}
	if _, err := r.Deploy(ctx); err != nil {
		return nil, err
	}

	rec := groupRecord{Name: name, Location: location, Tags: tags, CreatedAt: time.Now().UTC()}
	body, _ := json.Marshal(rec)
	if err := os.WriteFile(filepath.Join(ws.Dir, groupMarker), body, 0o644); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "write group record failed")
	}

	return &provider.Group{
		Name:        name,
		Location:    location,
		Tags:        tags,
		ProviderRef: p.adapter.GroupResourceType(),
	}, nil
}

// DeleteGroup destroys the grouping resource and removes its workspace.
func (p *Provider) DeleteGroup(ctx context.Context, name string) error {
	ws, err := p.groupWorkspace(name)
	if err != nil {
		return err
	}
	r, err := p.runner(ws, uuid.Nil, relay.Discard)
	if err != nil {
		return err
	}
	if err := r.Destroy(ctx); err != nil {
		return err
	}
	return ws.Purge()
}

// ListGroups reads the group records this engine has created for the
// adapter's cloud family.
func (p *Provider) ListGroups(ctx context.Context) ([]provider.Group, error) {
	dirs, err := p.deps.Workspaces.GroupDirs(p.adapter.Family())
	if err != nil {
		return nil, err
	}
	groups := make([]provider.Group, 0, len(dirs))
	for _, dir := range dirs {
		body, err := os.ReadFile(filepath.Join(dir, groupMarker))
		if err != nil {
			continue
		}
		var rec groupRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			logger.L().Warn("skipping unreadable group record", zap.String("dir", dir), zap.Error(err))
			continue
		}
		groups = append(groups, provider.Group{
			Name:        rec.Name,
			Location:    rec.Location,
			Tags:        rec.Tags,
			ProviderRef: p.adapter.GroupResourceType(),
		})
	}
	return groups, nil
}

// ListResources returns the resources tracked by the group's state.
func (p *Provider) ListResources(ctx context.Context, groupName string) ([]provider.Resource, error) {
	ws, err := p.groupWorkspace(groupName)
	if err != nil {
		return nil, err
	}
	r, err := p.runner(ws, uuid.Nil, relay.Discard)
	if err != nil {
		return nil, err
	}
	stateResources, err := r.StateResources(ctx)
	if err != nil {
		return nil, err
	}
	resources := make([]provider.Resource, 0, len(stateResources))
	for _, sr := range stateResources {
		res := provider.Resource{
			ID:         sr.Address,
			Name:       sr.Name,
			Type:       sr.Type,
			Group:      groupName,
			Properties: sr.Values,
		}
		if loc, ok := sr.Values["location"].(string); ok {
			res.Location = loc
		}
		resources = append(resources, res)
	}
	return resources, nil
}

func (p *Provider) groupWorkspace(name string) (*workspace.Workspace, error) {
	dirs, err := p.deps.Workspaces.GroupDirs(p.adapter.Family())
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if filepath.Base(dir) == name {
			return p.deps.Workspaces.Open(uuid.Nil, dir)
		}
	}
	return nil, appErr.New(appErr.CodeNotFound, "group "+name+" not found")
}
