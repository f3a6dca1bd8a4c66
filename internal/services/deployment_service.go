package services

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/skystack/engine/internal/catalog"
	"github.com/skystack/engine/internal/models"
	"github.com/skystack/engine/internal/provider"
	"github.com/skystack/engine/internal/repository"
	"github.com/skystack/engine/pkg/config"
	appErr "github.com/skystack/engine/pkg/errors"
	"github.com/skystack/engine/pkg/logger"
)

// Task types shared by the service (enqueue side) and the worker handlers.
const (
	TaskProvision = "deployment:provision"
	TaskDestroy   = "deployment:destroy"
)

// TaskPayload is the payload of provision and destroy tasks.
type TaskPayload struct {
	DeploymentID string `json:"deployment_id"`
}

// Enqueuer is the slice of asynq.Client the service uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Canceler cancels an in-flight task by id. *asynq.Inspector satisfies it.
type Canceler interface {
	CancelProcessing(id string) error
}

// AcceptInput is the request to start a deployment.
type AcceptInput struct {
	ProviderID   string         `json:"provider_id" validate:"required"`
	TemplateName string         `json:"template_name" validate:"required"`
	GroupName    string         `json:"group_name"`
	Location     string         `json:"location"`
	Parameters   map[string]any `json:"parameters"`
}

// DeploymentService is the boundary between request handling and deployment
// work. Accept is O(1) with respect to the deployment itself: it validates,
// persists a pending row and enqueues, nothing more.
type DeploymentService interface {
	Accept(ctx context.Context, input *AcceptInput) (*models.Deployment, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Deployment, error)
	List(ctx context.Context, status models.Status) ([]models.Deployment, error)
	Logs(ctx context.Context, id uuid.UUID) (string, error)

	Cancel(ctx context.Context, id uuid.UUID) error
	Destroy(ctx context.Context, id uuid.UUID) error

	Providers() []string
	Locations(providerID string) ([]string, error)
	Templates(providerID string) []catalog.Template
}

type deploymentService struct {
	repo     repository.DeploymentRepository
	catalog  catalog.Catalog
	enqueuer Enqueuer
	canceler Canceler
	cfg      *config.Config
}

func NewDeploymentService(repo repository.DeploymentRepository, cat catalog.Catalog, enqueuer Enqueuer, canceler Canceler, cfg *config.Config) DeploymentService {
	return &deploymentService{repo: repo, catalog: cat, enqueuer: enqueuer, canceler: canceler, cfg: cfg}
}

var _ DeploymentService = (*deploymentService)(nil)

// ProviderContext resolves the per-job provider Context for a deployment
// from the engine configuration.
func ProviderContext(cfg *config.Config, providerID, location string) provider.Context {
	family := catalog.CloudFamily(providerID)
	pc := provider.Context{CloudFamily: family, Region: location}
	switch family {
	case "aws":
		if pc.Region == "" {
			pc.Region = cfg.AWSRegion
		}
	case "azure":
		pc.SubscriptionID = cfg.AzureSubscriptionID
	case "gcp":
		pc.SubscriptionID = cfg.GoogleProjectID
	}
	return pc
}

func (s *deploymentService) Accept(ctx context.Context, input *AcceptInput) (*models.Deployment, error) {
	logger.L().Info("deployment requested",
		zap.String("provider_id", input.ProviderID),
		zap.String("template", input.TemplateName))

	// Fail fast on an unregistered provider or unusable credentials before
	// anything is persisted.
	pc := ProviderContext(s.cfg, input.ProviderID, input.Location)
	if _, err := provider.New(input.ProviderID, pc); err != nil {
		return nil, err
	}

	tmpl, err := s.catalog.Lookup(input.ProviderID, input.TemplateName)
	if err != nil {
		return nil, err
	}
	params, err := tmpl.Schema.Apply(input.Parameters)
	if err != nil {
		return nil, err
	}

	pb, err := json.Marshal(params)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "marshal parameters failed")
	}

	d := &models.Deployment{
		ProviderID:   input.ProviderID,
		CloudFamily:  catalog.CloudFamily(input.ProviderID),
		TemplateName: input.TemplateName,
		GroupName:    input.GroupName,
		Location:     input.Location,
		Parameters:   datatypes.JSON(pb),
		Status:       models.StatusPending,
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, err
	}

	if err := s.enqueue(ctx, d.ID, TaskProvision); err != nil {
		// The row exists but nothing will pick it up; fail it right away.
		_ = s.repo.Transition(ctx, d.ID, models.StatusFailed,
			map[string]any{"error_message": "enqueue failed: " + err.Error()})
		return nil, err
	}

	logger.L().Info("deployment accepted", zap.String("deployment_id", d.ID.String()))
	return d, nil
}

func (s *deploymentService) enqueue(ctx context.Context, id uuid.UUID, taskType string) error {
	pb, _ := json.Marshal(TaskPayload{DeploymentID: id.String()})
	opts := []asynq.Option{asynq.MaxRetry(s.cfg.DeployMaxRetry)}
	info, err := s.enqueuer.EnqueueContext(ctx, asynq.NewTask(taskType, pb), opts...)
	if err != nil {
		logger.L().Error("enqueue failed", zap.String("task", taskType), zap.Error(err))
		return appErr.Wrap(err, appErr.CodeUnavailable, "enqueue "+taskType+" failed")
	}
	if err := s.repo.SetJobID(ctx, id, info.ID); err != nil {
		logger.L().Warn("store job id failed", zap.Error(err))
	}
	return nil
}

func (s *deploymentService) Get(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	var d models.Deployment
	if err := s.repo.GetByID(ctx, id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *deploymentService) List(ctx context.Context, status models.Status) ([]models.Deployment, error) {
	return s.repo.List(ctx, status)
}

func (s *deploymentService) Logs(ctx context.Context, id uuid.UUID) (string, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return d.Logs, nil
}

// Cancel moves the deployment to cancelled (guarded, so a terminal row is a
// conflict) and then asks the dispatcher to stop the in-flight task. The
// worker observes the context cancellation and tears the subprocess down.
func (s *deploymentService) Cancel(ctx context.Context, id uuid.UUID) error {
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.Transition(ctx, id, models.StatusCancelled,
		map[string]any{"error_message": "cancelled by user"}); err != nil {
		return err
	}

	if d.JobID != "" && s.canceler != nil {
		if err := s.canceler.CancelProcessing(d.JobID); err != nil {
			// Row is already cancelled; the worker's guarded transitions
			// will refuse any late completion.
			logger.L().Warn("cancel in-flight task failed",
				zap.String("deployment_id", id.String()),
				zap.String("job_id", d.JobID),
				zap.Error(err))
		}
	}
	logger.L().Info("deployment cancelled", zap.String("deployment_id", id.String()))
	return nil
}

// Destroy enqueues teardown for a finished deployment.
func (s *deploymentService) Destroy(ctx context.Context, id uuid.UUID) error {
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	switch d.Status {
	case models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
	default:
		return appErr.New(appErr.CodeConflict,
			"deployment is still "+string(d.Status)+", cancel it before destroying")
	}
	return s.enqueue(ctx, id, TaskDestroy)
}

func (s *deploymentService) Providers() []string {
	return provider.Registered()
}

func (s *deploymentService) Locations(providerID string) ([]string, error) {
	pc := ProviderContext(s.cfg, providerID, "")
	p, err := provider.New(providerID, pc)
	if err != nil {
		if appErr.IsCode(err, appErr.CodeConfiguration) {
			// Unregistered id vs unusable credentials look the same here;
			// locations are static, so fall back to the registry check.
			ids := provider.Registered()
			if i := sort.SearchStrings(ids, providerID); i >= len(ids) || ids[i] != providerID {
				return nil, appErr.New(appErr.CodeNotFound, "provider "+providerID+" is not registered")
			}
		}
		return nil, err
	}
	return p.SupportedLocations(), nil
}

func (s *deploymentService) Templates(providerID string) []catalog.Template {
	return s.catalog.List(providerID)
}
