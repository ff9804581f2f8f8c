package task

import "fmt"

// stageOrder is the fixed lifecycle order. APPROVE is skipped for tasks that
// do not require approval.
var stageOrder = []Stage{
	StageWatch, StageWrite, StageReason, StagePlan,
	StageApprove, StageAct, StageLog, StageClose,
}

// Stages returns the lifecycle stages in order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Rank returns the position of s in the lifecycle, or -1.
func Rank(s Stage) int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

func ValidateStage(s Stage) bool { return Rank(s) >= 0 }

// AtLeast reports whether s is at or after other in the lifecycle.
func (s Stage) AtLeast(other Stage) bool {
	return Rank(s) >= Rank(other)
}

// NextStage computes the single legal successor of from. The only fork is
// after PLAN (APPROVE iff approval is required) and after APPROVE (CLOSE
// when rejected, ACT otherwise).
func NextStage(from Stage, requiresApproval bool, o Outcome) (Stage, error) {
	switch from {
	case StageWatch:
		return StageWrite, nil
	case StageWrite:
		return StageReason, nil
	case StageReason:
		return StagePlan, nil
	case StagePlan:
		if requiresApproval {
			return StageApprove, nil
		}
		return StageAct, nil
	case StageApprove:
		if o.Rejected {
			return StageClose, nil
		}
		return StageAct, nil
	case StageAct:
		return StageLog, nil
	case StageLog:
		return StageClose, nil
	case StageClose:
		return "", fmt.Errorf("%w: %s is final", ErrInvalidTransition, from)
	default:
		return "", fmt.Errorf("%w: unknown stage %q", ErrInvalidTask, from)
	}
}

func ValidateSource(s Source) bool {
	switch s {
	case SourceEmail, SourceMessaging, SourceFinance, SourceFilesystem, SourceManual:
		return true
	default:
		return false
	}
}

func ValidatePriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Validate checks a task read from disk. Missing optional enums are filled
// with defaults since intake adapters may omit them.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	if t.Stage == "" {
		t.Stage = StageWatch
	}
	if !ValidateStage(t.Stage) {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTask, t.Stage)
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if !ValidatePriority(t.Priority) {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, t.Priority)
	}
	if t.Source == "" {
		t.Source = SourceFilesystem
	}
	if !ValidateSource(t.Source) {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidTask, t.Source)
	}
	return nil
}
