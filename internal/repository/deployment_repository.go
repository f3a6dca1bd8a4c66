package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/skystack/engine/internal/models"
	appErr "github.com/skystack/engine/pkg/errors"
)

type DeploymentRepository interface {
	BaseRepository[models.Deployment]

	// List returns deployments newest first, optionally filtered by status.
	List(ctx context.Context, status models.Status) ([]models.Deployment, error)

	// Transition performs the guarded status update. The row moves to the
	// target status only when its current status is a legal predecessor;
	// a zero-row update surfaces as a conflict. StartedAt and CompletedAt
	// are stamped by the transition itself so they are set exactly once.
	Transition(ctx context.Context, id uuid.UUID, to models.Status, extra map[string]any) error

	SetJobID(ctx context.Context, id uuid.UUID, jobID string) error
	SetWorkspace(ctx context.Context, id uuid.UUID, dir string, retain bool) error

	// AppendLog appends a chunk to the durable log field.
	AppendLog(ctx context.Context, id uuid.UUID, chunk string) error
}

type deploymentRepository struct {
	BaseRepository[models.Deployment]
	db *gorm.DB
}

func NewDeploymentRepository(db *gorm.DB) DeploymentRepository {
	return &deploymentRepository{BaseRepository: NewBaseRepository[models.Deployment](db), db: db}
}

func (r *deploymentRepository) List(ctx context.Context, status models.Status) ([]models.Deployment, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.Deployment
	if err := q.Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list deployments failed")
	}
	return out, nil
}

func (r *deploymentRepository) Transition(ctx context.Context, id uuid.UUID, to models.Status, extra map[string]any) error {
	preds := models.Predecessors(to)
	if len(preds) == 0 {
		return appErr.New(appErr.CodeConflict, fmt.Sprintf("status %s is not reachable", to))
	}

	now := time.Now().UTC()
	updates := map[string]any{"status": to}
	if to == models.StatusRunning {
		updates["started_at"] = now
	}
	if to.Terminal() {
		updates["completed_at"] = now
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := r.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("id = ? AND status IN ?", id, preds).
		Updates(updates)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "transition deployment failed")
	}
	if res.RowsAffected == 0 {
		// Either the row is gone or it already left the predecessor set.
		var current models.Deployment
		if err := r.GetByID(ctx, id, &current); err != nil {
			return err
		}
		return appErr.New(appErr.CodeConflict,
			fmt.Sprintf("deployment %s is %s, cannot move to %s", id, current.Status, to))
	}
	return nil
}

func (r *deploymentRepository) SetJobID(ctx context.Context, id uuid.UUID, jobID string) error {
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).Where("id = ?", id).Update("job_id", jobID)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "set job id failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	return nil
}

func (r *deploymentRepository) SetWorkspace(ctx context.Context, id uuid.UUID, dir string, retain bool) error {
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).Where("id = ?", id).
		Updates(map[string]any{"workspace_dir": dir, "retain_workspace": retain})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "set workspace failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	return nil
}

func (r *deploymentRepository) AppendLog(ctx context.Context, id uuid.UUID, chunk string) error {
	if chunk == "" {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).Where("id = ?", id).
		Update("logs", gorm.Expr("COALESCE(logs, '') || ?", chunk))
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "append log failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	return nil
}

// OutputsJSON converts a provider output map into the jsonb column type.
func OutputsJSON(outputs map[string]any) (datatypes.JSON, error) {
	if outputs == nil {
		return nil, nil
	}
	b, err := json.Marshal(outputs)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "marshal outputs failed")
	}
	return datatypes.JSON(b), nil
}
