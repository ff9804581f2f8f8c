package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/taskvault/server/vault"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTask       = errors.New("invalid task")
	ErrInvalidTransition = errors.New("invalid transition")
)

// InvalidTransitionError names the stage a task was in and the stage a
// caller tried to move it to.
type InvalidTransitionError struct {
	TaskID string
	From   Stage
	To     Stage
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s for task %s: %s → %s", ErrInvalidTransition, e.TaskID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

type Stage string

const (
	StageWatch   Stage = "WATCH"
	StageWrite   Stage = "WRITE"
	StageReason  Stage = "REASON"
	StagePlan    Stage = "PLAN"
	StageApprove Stage = "APPROVE"
	StageAct     Stage = "ACT"
	StageLog     Stage = "LOG"
	StageClose   Stage = "CLOSE"
)

type Source string

const (
	SourceEmail      Source = "email"
	SourceMessaging  Source = "messaging"
	SourceFinance    Source = "finance"
	SourceFilesystem Source = "filesystem"
	SourceManual     Source = "manual"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// CompletionStatus selects the terminal location of a completed task.
type CompletionStatus string

const (
	CompletionDone    CompletionStatus = "done"
	CompletionFailed  CompletionStatus = "failed"
	CompletionInvalid CompletionStatus = "invalid"
)

var completionLocations = map[CompletionStatus]vault.Location{
	CompletionDone:    vault.DoneSuccess,
	CompletionFailed:  vault.DoneFailed,
	CompletionInvalid: vault.DoneInvalid,
}

// Task is the metadata header of a task document. Body holds the free-form
// text; Location and Path describe where the document was read from.
type Task struct {
	ID               string           `yaml:"id" json:"id"`
	Title            string           `yaml:"title" json:"title"`
	Source           Source           `yaml:"source" json:"source"`
	CreatedAt        time.Time        `yaml:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `yaml:"updated_at,omitempty" json:"updated_at"`
	Stage            Stage            `yaml:"current_state" json:"current_state"`
	Priority         Priority         `yaml:"priority" json:"priority"`
	RequiresApproval bool             `yaml:"requires_approval" json:"requires_approval"`
	ApprovalReasons  []string         `yaml:"approval_reasons,omitempty" json:"approval_reasons,omitempty"`
	PlanRef          string           `yaml:"plan_reference,omitempty" json:"plan_reference,omitempty"`
	ErrorCount       int              `yaml:"error_count" json:"error_count"`
	LastError        string           `yaml:"last_error,omitempty" json:"last_error,omitempty"`
	Notes            string           `yaml:"notes,omitempty" json:"notes,omitempty"`
	CompletedAt      *time.Time       `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	CompletionStatus CompletionStatus `yaml:"completion_status,omitempty" json:"completion_status,omitempty"`
	CompletionNotes  string           `yaml:"completion_notes,omitempty" json:"completion_notes,omitempty"`

	Body     string         `yaml:"-" json:"body,omitempty"`
	Location vault.Location `yaml:"-" json:"location"`
	Path     string         `yaml:"-" json:"-"`
}

// IsTerminal reports whether the task document sits in a completed location.
func (t Task) IsTerminal() bool {
	switch t.Location {
	case vault.DoneSuccess, vault.DoneFailed, vault.DoneInvalid:
		return true
	default:
		return false
	}
}

// Outcome is the result of the work done in the current stage. A non-empty
// Error marks a failure.
type Outcome struct {
	Error    string
	Rejected bool
	PlanRef  string
	Notes    string
}

func (o Outcome) Failed() bool { return o.Error != "" }

// CreateOptions are optional overrides for Create.
type CreateOptions struct {
	Title    string
	Priority Priority
}

type Operation string

const (
	OperationCreate   Operation = "create"
	OperationUpdate   Operation = "update"
	OperationComplete Operation = "complete"
	OperationDelete   Operation = "delete"
)

type ChangeEvent struct {
	Op   Operation
	Task Task
}

// OnChangeListener receives notifications when task documents change.
//
// OnTaskChange is called after the document lock is released. Listeners
// that call back into the store should do so from another goroutine.
type OnChangeListener interface {
	OnTaskChange(event ChangeEvent)
}
