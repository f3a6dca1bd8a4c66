package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/skystack/engine/internal/provider"
	"github.com/skystack/engine/pkg/config"
	"github.com/skystack/engine/pkg/logger"
)

// CreateGroupInput is the request to create a resource group or stack.
type CreateGroupInput struct {
	Name     string            `json:"name" validate:"required"`
	Location string            `json:"location"`
	Tags     map[string]string `json:"tags"`
}

// GroupService exposes the providers' resource-group operations. Unlike
// deployments these are served synchronously; they are administrative calls,
// not tracked jobs.
type GroupService interface {
	List(ctx context.Context, providerID, location string) ([]provider.Group, error)
	Create(ctx context.Context, providerID string, input *CreateGroupInput) (*provider.Group, error)
	Delete(ctx context.Context, providerID, name, location string) error
	Resources(ctx context.Context, providerID, name, location string) ([]provider.Resource, error)
}

type groupService struct {
	cfg *config.Config
}

func NewGroupService(cfg *config.Config) GroupService {
	return &groupService{cfg: cfg}
}

var _ GroupService = (*groupService)(nil)

func (s *groupService) resolve(providerID, location string) (provider.Provider, error) {
	pc := ProviderContext(s.cfg, providerID, location)
	return provider.New(providerID, pc)
}

func (s *groupService) List(ctx context.Context, providerID, location string) ([]provider.Group, error) {
	p, err := s.resolve(providerID, location)
	if err != nil {
		return nil, err
	}
	return p.ListGroups(ctx)
}

func (s *groupService) Create(ctx context.Context, providerID string, input *CreateGroupInput) (*provider.Group, error) {
	p, err := s.resolve(providerID, input.Location)
	if err != nil {
		return nil, err
	}
	logger.L().Info("creating resource group",
		zap.String("provider_id", providerID),
		zap.String("group", input.Name))
	return p.CreateGroup(ctx, input.Name, input.Location, input.Tags)
}

func (s *groupService) Delete(ctx context.Context, providerID, name, location string) error {
	p, err := s.resolve(providerID, location)
	if err != nil {
		return err
	}
	logger.L().Info("deleting resource group",
		zap.String("provider_id", providerID),
		zap.String("group", name))
	return p.DeleteGroup(ctx, name)
}

func (s *groupService) Resources(ctx context.Context, providerID, name, location string) ([]provider.Resource, error) {
	p, err := s.resolve(providerID, location)
	if err != nil {
		return nil, err
	}
	return p.ListResources(ctx, name)
}
