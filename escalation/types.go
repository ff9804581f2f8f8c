package escalation

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("error report not found")
	ErrInvalidInput = errors.New("invalid error report")
	ErrNotOpen      = errors.New("error report is not open")
)

type ErrorType string

const (
	CommunicationFailure  ErrorType = "communication_failure"
	FilesystemError       ErrorType = "filesystem_error"
	StateMachineViolation ErrorType = "state_machine_violation"
	ProcessingError       ErrorType = "processing_error"
	ValidationError       ErrorType = "validation_error"
	ExecutionFailure      ErrorType = "execution_failure"
	PaymentFailure        ErrorType = "payment_failure"
	IdentityFailure       ErrorType = "identity_failure"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow: 0, SeverityMedium: 1, SeverityHigh: 2, SeverityCritical: 3,
}

// Status is the resolution status of a report. Only open → resolved is
// performed by this package; acknowledged and ignored are accepted when
// read but never written.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusIgnored      Status = "ignored"
)

// FallbackOption pads reports that come with fewer than two options.
const FallbackOption = "Contact an administrator for manual review"

const minOptions = 2

type typeInfo struct {
	severity Severity
	options  []string
}

var types = map[ErrorType]typeInfo{
	CommunicationFailure: {SeverityMedium, []string{
		"Retry once the remote service is reachable",
		"Check network connectivity and credentials",
	}},
	FilesystemError: {SeverityHigh, []string{
		"Check permissions and free space in the vault",
		"Restore the affected document from backup",
	}},
	StateMachineViolation: {SeverityHigh, []string{
		"Inspect the task history in the audit log",
		"Reopen the task to restart it from WATCH",
	}},
	ProcessingError: {SeverityMedium, []string{
		"Review the task content and reopen it",
	}},
	ValidationError: {SeverityLow, []string{
		"Fix the document header and move it back to Needs_Action",
	}},
	ExecutionFailure: {SeverityHigh, []string{
		"Verify whether the action partially ran before retrying by hand",
		"Reopen the task once the cause is fixed",
	}},
	PaymentFailure: {SeverityCritical, []string{
		"Confirm with the bank whether the payment went through",
	}},
	IdentityFailure: {SeverityCritical, []string{
		"Re-authenticate the affected account",
	}},
}

func ValidateType(t ErrorType) bool {
	_, ok := types[t]
	return ok
}

func ValidateSeverity(s Severity) bool {
	_, ok := severityRank[s]
	return ok
}

// DefaultSeverity returns the severity a report of type t gets when the
// caller does not choose one.
func DefaultSeverity(t ErrorType) Severity {
	if info, ok := types[t]; ok {
		return info.severity
	}
	return SeverityMedium
}

// forcedCritical lists types that concern money or identity.
func forcedCritical(t ErrorType) bool {
	return t == PaymentFailure || t == IdentityFailure
}

// Report is the metadata header of an error report document.
type Report struct {
	ID               string     `yaml:"id" json:"id"`
	Timestamp        time.Time  `yaml:"timestamp" json:"timestamp"`
	TaskID           string     `yaml:"task_id,omitempty" json:"task_id,omitempty"`
	ErrorType        ErrorType  `yaml:"error_type" json:"error_type"`
	Severity         Severity   `yaml:"severity" json:"severity"`
	Details          string     `yaml:"details" json:"details"`
	Context          string     `yaml:"context,omitempty" json:"context,omitempty"`
	SuggestedOptions []string   `yaml:"suggested_options" json:"suggested_options"`
	ResolutionStatus Status     `yaml:"resolution_status" json:"resolution_status"`
	ResolvedAt       *time.Time `yaml:"resolved_at,omitempty" json:"resolved_at,omitempty"`
	ResolutionNotes  string     `yaml:"resolution_notes,omitempty" json:"resolution_notes,omitempty"`

	Path string `yaml:"-" json:"path,omitempty"`
}

// Input describes a failure to escalate. Severity and options are optional.
type Input struct {
	TaskID           string
	ErrorType        ErrorType
	Severity         Severity
	Details          string
	Context          string
	SuggestedOptions []string
}
