package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of an evaluation run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunStatuses lists every status in lifecycle order.
var RunStatuses = []RunStatus{
	RunStatusPending,
	RunStatusRunning,
	RunStatusCompleted,
	RunStatusFailed,
	RunStatusCancelled,
}

func ParseRunStatus(raw string) (RunStatus, error) {
	status := RunStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown run status %q", raw)
	}
	return status, nil
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	case RunStatusPending, RunStatusRunning:
		return false
	default:
		return false
	}
}

// RunEvent is a lifecycle signal applied to a run.
type RunEvent string

const (
	RunEventStart    RunEvent = "start"
	RunEventComplete RunEvent = "complete"
	RunEventFail     RunEvent = "fail"
	RunEventCancel   RunEvent = "cancel"
)

// Target is the status a run holds after the event succeeds.
func (e RunEvent) Target() RunStatus {
	switch e {
	case RunEventStart:
		return RunStatusRunning
	case RunEventComplete:
		return RunStatusCompleted
	case RunEventFail:
		return RunStatusFailed
	case RunEventCancel:
		return RunStatusCancelled
	default:
		return ""
	}
}

// AllowedFrom lists the statuses from which the event is legal. Complete and
// fail are accepted from pending so a run that never reached a worker can
// still be closed out.
func (e RunEvent) AllowedFrom() []RunStatus {
	switch e {
	case RunEventStart:
		return []RunStatus{RunStatusPending}
	case RunEventComplete, RunEventFail, RunEventCancel:
		return []RunStatus{RunStatusPending, RunStatusRunning}
	default:
		return nil
	}
}

// AuditAction is the audit_events action recorded for the event.
func (e RunEvent) AuditAction() string {
	switch e {
	case RunEventStart:
		return "run.started"
	case RunEventComplete:
		return "run.completed"
	case RunEventFail:
		return "run.failed"
	case RunEventCancel:
		return "run.cancelled"
	default:
		return "run.unknown"
	}
}

func CanTransition(from RunStatus, event RunEvent) bool {
	for _, allowed := range event.AllowedFrom() {
		if allowed == from {
			return true
		}
	}
	return false
}

var ErrInvalidTransition = errors.New("invalid run state transition")

// TransitionError reports an operation rejected because of the run's
// current status. Op is a lifecycle event or "delete".
type TransitionError struct {
	RunID string
	Op    string
	From  RunStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s run with status: %s", e.Op, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Run is one evaluation of a model and prompt against an optional dataset.
type Run struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	DatasetID   string     `json:"dataset_id,omitempty"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	ModelName   string     `json:"model_name"`
	Prompt      string     `json:"prompt"`
	Parameters  Metadata   `json:"parameters"`
	Status      RunStatus  `json:"status"`
	Metrics     Metadata   `json:"metrics"`
	Error       string     `json:"error,omitempty"`
	WorkerID    string     `json:"worker_id,omitempty"`
	CreatedBy   string     `json:"created_by"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DisplayName falls back to a short id when the run has no name.
func (r Run) DisplayName() string {
	if strings.TrimSpace(r.Name) != "" {
		return r.Name
	}
	return "Run " + shortID(r.ID)
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("run name is required")
	}
	if len(r.Name) > 255 {
		return errors.New("run name must be at most 255 characters")
	}
	if strings.TrimSpace(r.ModelName) == "" {
		return errors.New("model name is required")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.New("prompt is required")
	}
	if strings.TrimSpace(r.CreatedBy) == "" {
		return errors.New("run creator is required")
	}
	return nil
}

// RunTransition carries the fields written together with a status change.
type RunTransition struct {
	RunID     string
	Event     RunEvent
	WorkerID  string
	Metrics   Metadata
	Error     string
	At        time.Time
	Actor     string
	RequestID string
}

// Apply returns run with the transition's fields set. It does not check
// legality; callers use CanTransition first.
func (t RunTransition) Apply(run Run) Run {
	at := t.At.UTC()
	run.Status = t.Event.Target()
	run.UpdatedAt = at
	switch t.Event {
	case RunEventStart:
		run.StartedAt = &at
		run.WorkerID = t.WorkerID
	case RunEventComplete:
		run.CompletedAt = &at
		run.Metrics = t.Metrics.Clone()
	case RunEventFail:
		run.CompletedAt = &at
		run.Error = t.Error
	case RunEventCancel:
		run.CompletedAt = &at
	}
	return run
}
