package task

import (
	"errors"
	"testing"
)

func TestNextStage(t *testing.T) {
	tests := []struct {
		from     Stage
		approval bool
		outcome  Outcome
		want     Stage
	}{
		{StageWatch, false, Outcome{}, StageWrite},
		{StageWrite, false, Outcome{}, StageReason},
		{StageReason, false, Outcome{}, StagePlan},
		{StagePlan, false, Outcome{}, StageAct},
		{StagePlan, true, Outcome{}, StageApprove},
		{StageApprove, true, Outcome{}, StageAct},
		{StageApprove, true, Outcome{Rejected: true}, StageClose},
		{StageAct, false, Outcome{}, StageLog},
		{StageLog, false, Outcome{}, StageClose},
	}
	for _, tt := range tests {
		got, err := NextStage(tt.from, tt.approval, tt.outcome)
		if err != nil {
			t.Errorf("NextStage(%s, %v) error: %v", tt.from, tt.approval, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NextStage(%s, %v, %+v) = %s, want %s", tt.from, tt.approval, tt.outcome, got, tt.want)
		}
	}
}

func TestNextStage_Close(t *testing.T) {
	if _, err := NextStage(StageClose, false, Outcome{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
	if _, err := NextStage("BOGUS", false, Outcome{}); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("err = %v, want ErrInvalidTask", err)
	}
}

func TestStageAtLeast(t *testing.T) {
	if !StageAct.AtLeast(StagePlan) {
		t.Error("ACT should be at least PLAN")
	}
	if StageReason.AtLeast(StagePlan) {
		t.Error("REASON should not be at least PLAN")
	}
}

func TestValidate_Defaults(t *testing.T) {
	tk := Task{ID: "x"}
	if err := tk.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if tk.Stage != StageWatch || tk.Priority != PriorityNormal || tk.Source != SourceFilesystem {
		t.Errorf("defaults = %q %q %q", tk.Stage, tk.Priority, tk.Source)
	}

	bad := Task{ID: "x", Stage: "LATER"}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("err = %v, want ErrInvalidTask", err)
	}
	if err := (&Task{}).Validate(); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("missing id err = %v", err)
	}
}
