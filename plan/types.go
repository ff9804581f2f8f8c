package plan

import (
	"errors"
	"time"

	"github.com/taskvault/server/vault"
)

var (
	ErrNotFound     = errors.New("plan not found")
	ErrStepNotFound = errors.New("plan step not found")
	ErrInvalidPlan  = errors.New("invalid plan")
)

type ApprovalStatus string

const (
	StatusPending     ApprovalStatus = "pending"
	StatusApproved    ApprovalStatus = "approved"
	StatusRejected    ApprovalStatus = "rejected"
	StatusNotRequired ApprovalStatus = "not_required"
)

// AllowsAct reports whether a task owning a plan in this status may enter ACT.
func (s ApprovalStatus) AllowsAct() bool {
	return s == StatusApproved || s == StatusNotRequired
}

// probeOrder is the priority in which plan locations are checked. The first
// location holding the plan decides its approval status.
var probeOrder = []vault.Location{
	vault.PlansApproved, vault.PlansRejected, vault.PlansPending, vault.PlansGeneral,
}

var locationStatus = map[vault.Location]ApprovalStatus{
	vault.PlansApproved: StatusApproved,
	vault.PlansRejected: StatusRejected,
	vault.PlansPending:  StatusPending,
	vault.PlansGeneral:  StatusNotRequired,
}

// StatusOf derives the approval status from a plan location.
func StatusOf(loc vault.Location) (ApprovalStatus, bool) {
	s, ok := locationStatus[loc]
	return s, ok
}

type Step struct {
	Number      int        `yaml:"number" json:"number"`
	Description string     `yaml:"description" json:"description"`
	Completed   bool       `yaml:"completed" json:"completed"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	Outcome     string     `yaml:"outcome,omitempty" json:"outcome,omitempty"`
}

// Plan is the metadata header of a plan document. ApprovalStatus is always
// derived from Location when the document is read.
type Plan struct {
	TaskID          string         `yaml:"task_id" json:"task_id"`
	Title           string         `yaml:"title" json:"title"`
	Steps           []Step         `yaml:"steps" json:"steps"`
	ApprovalStatus  ApprovalStatus `yaml:"approval_status" json:"approval_status"`
	CreatedAt       time.Time      `yaml:"created_at" json:"created_at"`
	ApprovedAt      *time.Time     `yaml:"approved_at,omitempty" json:"approved_at,omitempty"`
	ApprovedBy      string         `yaml:"approved_by,omitempty" json:"approved_by,omitempty"`
	CompletedAt     *time.Time     `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	RejectionReason string         `yaml:"rejection_reason,omitempty" json:"rejection_reason,omitempty"`

	Body     string         `yaml:"-" json:"-"`
	Location vault.Location `yaml:"-" json:"location"`
	Path     string         `yaml:"-" json:"-"`
}

type Progress struct {
	Done    int `json:"done"`
	Total   int `json:"total"`
	Percent int `json:"percent"`
}

// Reminder flags a plan that has waited in the pending area too long.
type Reminder struct {
	TaskID string        `json:"task_id"`
	Title  string        `json:"title"`
	Path   string        `json:"path"`
	Age    time.Duration `json:"age"`
}
