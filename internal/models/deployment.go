package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Status is the deployment lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions is the directed edge set of the deployment state machine.
// Terminal states have no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from→to is a legal state-machine edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns the states from which the given state is reachable.
// Used by the repository to build guarded transition updates.
func Predecessors(to Status) []Status {
	var out []Status
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// Terminal reports whether a status has no outgoing transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Deployment is one tracked attempt to provision infrastructure from a
// template against a cloud account.
type Deployment struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ProviderID   string         `gorm:"type:varchar(64);index;not null" json:"provider_id" validate:"required"`
	CloudFamily  string         `gorm:"type:varchar(32);index" json:"cloud_family"`
	TemplateName string         `gorm:"type:varchar(128);not null" json:"template_name" validate:"required"`
	GroupName    string         `gorm:"type:varchar(128);index" json:"group_name"`
	Location     string         `gorm:"type:varchar(64)" json:"location"`
	Parameters   datatypes.JSON `gorm:"type:jsonb" json:"parameters"`

	Status      Status     `gorm:"type:varchar(32);index;not null" json:"status" validate:"required,oneof=pending running completed failed cancelled"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	Outputs      datatypes.JSON `gorm:"type:jsonb" json:"outputs"`
	ErrorMessage string         `gorm:"type:text" json:"error_message,omitempty"`
	Logs         string         `gorm:"type:text" json:"-"`

	// JobID is the dispatcher's handle for the running job, used for
	// cancellation lookups.
	JobID string `gorm:"type:varchar(64);index" json:"job_id,omitempty"`

	// WorkspaceDir is the attempt's working directory while non-terminal,
	// or after a failure/cancellation when retained for inspection.
	WorkspaceDir    string `gorm:"type:text" json:"-"`
	RetainWorkspace bool   `gorm:"not null;default:false" json:"-"`
}
