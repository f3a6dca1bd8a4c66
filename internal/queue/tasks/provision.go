package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/skystack/engine/internal/catalog"
	"github.com/skystack/engine/internal/models"
	"github.com/skystack/engine/internal/provider"
	"github.com/skystack/engine/internal/relay"
	"github.com/skystack/engine/internal/repository"
	"github.com/skystack/engine/internal/services"
	"github.com/skystack/engine/pkg/config"
	appErr "github.com/skystack/engine/pkg/errors"
	"github.com/skystack/engine/pkg/logger"
)

// ProviderFactory resolves a provider id to a fresh instance; provider.New
// in production, a stub in tests.
type ProviderFactory func(id string, pc provider.Context) (provider.Provider, error)

// DeployTaskHandler owns the deployment state machine on the worker side.
// One handler invocation drives one deployment end-to-end; phases are
// strictly sequential and every transition is persisted before the next
// phase starts.
type DeployTaskHandler struct {
	repo        repository.DeploymentRepository
	catalog     catalog.Catalog
	hub         relay.Sink
	cfg         *config.Config
	newProvider ProviderFactory
}

func NewDeployTaskHandler(repo repository.DeploymentRepository, cat catalog.Catalog, hub relay.Sink, cfg *config.Config) *DeployTaskHandler {
	return &DeployTaskHandler{repo: repo, catalog: cat, hub: hub, cfg: cfg, newProvider: provider.New}
}

// persistingSink forwards every event to live observers and writes log
// lines through to the durable log column as they arrive.
type persistingSink struct {
	repo relay.Sink
	db   repository.DeploymentRepository
	id   uuid.UUID
}

func (s *persistingSink) Publish(ev relay.Event) {
	s.repo.Publish(ev)
	if ev.Type == relay.TypeLog {
		line := ev.Line
		if ev.Phase != "" {
			line = "[" + ev.Phase + "] " + line
		}
		if err := s.db.AppendLog(context.Background(), s.id, line+"\n"); err != nil {
			logger.L().Warn("persist log line failed", zap.String("deployment_id", s.id.String()), zap.Error(err))
		}
	}
}

func parsePayload(t *asynq.Task) (uuid.UUID, error) {
	var p services.TaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return uuid.Nil, fmt.Errorf("invalid task payload: %v: %w", err, asynq.SkipRetry)
	}
	id, err := uuid.Parse(p.DeploymentID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid deployment id: %v: %w", err, asynq.SkipRetry)
	}
	return id, nil
}

// cleanupCtx returns a context for persistence after the task context was
// cancelled; writes still have to land even though the job is being torn
// down.
func (h *DeployTaskHandler) cleanupCtx() (context.Context, context.CancelFunc) {
	grace := h.cfg.CancelGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), grace)
}

func (h *DeployTaskHandler) HandleProvision(ctx context.Context, t *asynq.Task) error {
	id, err := parsePayload(t)
	if err != nil {
		return err
	}
	log := logger.L().With(zap.String("deployment_id", id.String()))

	var d models.Deployment
	if err := h.repo.GetByID(ctx, id, &d); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return fmt.Errorf("deployment vanished: %v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	// Guarded entry into RUNNING. A retry attempt finds the row already
	// running and proceeds; a cancelled row means there is nothing to do.
	if err := h.repo.Transition(ctx, id, models.StatusRunning, nil); err != nil {
		if !appErr.IsCode(err, appErr.CodeConflict) {
			return err
		}
		var cur models.Deployment
		if err := h.repo.GetByID(ctx, id, &cur); err != nil {
			return err
		}
		switch cur.Status {
		case models.StatusRunning:
			// retry attempt after lock contention
		case models.StatusCancelled:
			log.Info("skipping provision of cancelled deployment")
			return nil
		default:
			return fmt.Errorf("deployment is %s: %w", cur.Status, asynq.SkipRetry)
		}
	}

	sink := &persistingSink{repo: h.hub, db: h.repo, id: id}
	sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeStatus, Status: string(models.StatusRunning)})

	result, err := h.runDeploy(ctx, &d, sink)
	if err != nil {
		return h.finishFailed(ctx, id, err, sink, log)
	}

	outputs, jerr := repository.OutputsJSON(result.Outputs)
	if jerr != nil {
		return h.finishFailed(ctx, id, jerr, sink, log)
	}
	extra := map[string]any{"outputs": outputs}
	if result.WorkspaceDir != "" {
		extra["workspace_dir"] = result.WorkspaceDir
		extra["retain_workspace"] = true
	} else {
		extra["workspace_dir"] = ""
		extra["retain_workspace"] = false
	}
	if err := h.repo.Transition(ctx, id, models.StatusCompleted, extra); err != nil {
		// Lost the race against a cancel; the run's effects stand but the
		// terminal status does not change.
		log.Warn("completion transition refused", zap.Error(err))
		sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeDone})
		return nil
	}

	sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeProgress, Percent: 100})
	sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeComplete, Outputs: result.Outputs})
	sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeStatus, Status: string(models.StatusCompleted)})
	sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeDone})
	log.Info("deployment completed")
	return nil
}

func (h *DeployTaskHandler) runDeploy(ctx context.Context, d *models.Deployment, sink relay.Sink) (*provider.DeployResult, error) {
	pc := services.ProviderContext(h.cfg, d.ProviderID, d.Location)
	p, err := h.newProvider(d.ProviderID, pc)
	if err != nil {
		return nil, err
	}
	tmpl, err := h.catalog.Lookup(d.ProviderID, d.TemplateName)
	if err != nil {
		return nil, err
	}

	var params map[string]any
	if len(d.Parameters) > 0 {
		if err := json.Unmarshal(d.Parameters, &params); err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInternal, "unmarshal parameters failed")
		}
	}

	return p.Deploy(ctx, provider.DeployRequest{
		DeploymentID: d.ID,
		TemplatePath: tmpl.Path,
		Parameters:   params,
		GroupName:    d.GroupName,
		Location:     d.Location,
		Events:       sink,
	})
}

// finishFailed persists the failure according to its kind and decides the
// dispatcher's retry behavior.
func (h *DeployTaskHandler) finishFailed(ctx context.Context, id uuid.UUID, cause error, sink relay.Sink, log *zap.Logger) error {
	// Cancellation: the row is already CANCELLED by the service's guarded
	// transition; record the partial state and stop without retrying.
	if appErr.IsCode(cause, appErr.CodeCancelled) || ctx.Err() == context.Canceled {
		cctx, cancel := h.cleanupCtx()
		defer cancel()
		h.persistWorkspace(cctx, id, cause)
		sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeStatus,
			Status: string(models.StatusCancelled), Message: "deployment cancelled"})
		sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeDone})
		log.Info("deployment cancelled mid-run")
		return nil
	}

	if appErr.Retryable(cause) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, ok := asynq.GetMaxRetry(ctx)
		if !ok {
			maxRetry = h.cfg.DeployMaxRetry
		}
		if retried < maxRetry {
			h.persistWorkspace(ctx, id, cause)
			sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeError,
				Message: fmt.Sprintf("state lock contention, attempt %d of %d will retry", retried+1, maxRetry+1)})
			log.Warn("retryable failure, returning task to the queue", zap.Error(cause))
			return cause
		}
		// Retries exhausted; fall through and fail the row.
	}

	h.persistWorkspace(ctx, id, cause)
	if err := h.repo.Transition(ctx, id, models.StatusFailed,
		map[string]any{"error_message": cause.Error()}); err != nil {
		log.Warn("failure transition refused", zap.Error(err))
	}
	sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeError, Message: cause.Error()})
	sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeStatus, Status: string(models.StatusFailed)})
	sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeDone})
	log.Error("deployment failed", zap.Error(cause))
	return fmt.Errorf("%v: %w", cause, asynq.SkipRetry)
}

func (h *DeployTaskHandler) persistWorkspace(ctx context.Context, id uuid.UUID, cause error) {
	dir, _ := appErr.MetaValue(cause, "workspace_dir").(string)
	if dir == "" {
		return
	}
	if err := h.repo.SetWorkspace(ctx, id, dir, true); err != nil {
		logger.L().Warn("persist workspace dir failed", zap.String("deployment_id", id.String()), zap.Error(err))
	}
}

// HandleDestroy tears down what a finished deployment created. The row's
// terminal status does not change; teardown progress is visible through the
// log field and the event stream.
func (h *DeployTaskHandler) HandleDestroy(ctx context.Context, t *asynq.Task) error {
	id, err := parsePayload(t)
	if err != nil {
		return err
	}
	log := logger.L().With(zap.String("deployment_id", id.String()))

	var d models.Deployment
	if err := h.repo.GetByID(ctx, id, &d); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return fmt.Errorf("deployment vanished: %v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if !d.Status.Terminal() {
		return fmt.Errorf("deployment is %s, not destroyable: %w", d.Status, asynq.SkipRetry)
	}

	pc := services.ProviderContext(h.cfg, d.ProviderID, d.Location)
	p, err := h.newProvider(d.ProviderID, pc)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	var params map[string]any
	if len(d.Parameters) > 0 {
		_ = json.Unmarshal(d.Parameters, &params)
	}
	var templatePath string
	if tmpl, err := h.catalog.Lookup(d.ProviderID, d.TemplateName); err == nil {
		templatePath = tmpl.Path
	}

	sink := &persistingSink{repo: h.hub, db: h.repo, id: id}
	sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeStatus, Status: "destroying"})

	err = p.Destroy(ctx, provider.DestroyRequest{
		DeploymentID: id,
		TemplatePath: templatePath,
		Parameters:   params,
		GroupName:    d.GroupName,
		Location:     d.Location,
		WorkspaceDir: d.WorkspaceDir,
		Events:       sink,
	})
	if err != nil {
		sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeError, Message: err.Error()})
		sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeDone})
		if appErr.Retryable(err) {
			return err
		}
		log.Error("destroy failed", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if err := h.repo.SetWorkspace(ctx, id, "", false); err != nil {
		log.Warn("clear workspace failed", zap.Error(err))
	}
	sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeLog, Phase: "destroy", Line: "destroy complete"})
	sink.Publish(relay.Event{DeploymentID: id, Type: relay.TypeDone})
	log.Info("deployment destroyed")
	return nil
}
