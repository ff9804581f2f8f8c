package plan

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/taskvault/server/lock"
	"github.com/taskvault/server/task"
	"github.com/taskvault/server/vault"
)

func newTestStore(t *testing.T) (*FileStore, *vault.Vault) {
	t.Helper()
	v, err := vault.New(t.TempDir())
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	if _, err := v.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return NewFileStore(v, lock.New(v.Dir(vault.Locks))), v
}

func testTask(id string, approval bool) task.Task {
	return task.Task{ID: id, Title: "Task " + id, RequiresApproval: approval}
}

func generate(t *testing.T, s *FileStore, tk task.Task, steps ...string) Plan {
	t.Helper()
	p, err := s.Generate(context.Background(), tk, steps)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return p
}

func moveFile(t *testing.T, v *vault.Vault, from, to vault.Location, name string) {
	t.Helper()
	if err := os.Rename(v.Path(from, name), v.Path(to, name)); err != nil {
		t.Fatalf("move %s: %v", name, err)
	}
}

func TestGenerate_Location(t *testing.T) {
	tests := []struct {
		name     string
		approval bool
		wantLoc  vault.Location
		want     ApprovalStatus
	}{
		{"no approval", false, vault.PlansGeneral, StatusNotRequired},
		{"needs approval", true, vault.PlansPending, StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, v := newTestStore(t)
			p := generate(t, s, testTask("t1", tt.approval), "collect", "sort")

			if p.Location != tt.wantLoc {
				t.Errorf("Location = %q, want %q", p.Location, tt.wantLoc)
			}
			if p.ApprovalStatus != tt.want {
				t.Errorf("ApprovalStatus = %q, want %q", p.ApprovalStatus, tt.want)
			}
			if _, err := os.Stat(v.Path(tt.wantLoc, FileName("t1"))); err != nil {
				t.Errorf("plan document missing: %v", err)
			}
			if len(p.Steps) != 2 || p.Steps[1].Number != 2 || p.Steps[1].Description != "sort" {
				t.Errorf("Steps = %+v", p.Steps)
			}
			if !strings.Contains(p.Body, "- [ ] collect") {
				t.Errorf("Body missing checklist:\n%s", p.Body)
			}
		})
	}
}

func TestGenerate_RequiresSteps(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Generate(context.Background(), testTask("t1", false), []string{" ", ""})
	if !errors.Is(err, ErrInvalidPlan) {
		t.Errorf("err = %v, want ErrInvalidPlan", err)
	}
}

func TestGenerate_ReplacesEarlierPlan(t *testing.T) {
	s, v := newTestStore(t)
	generate(t, s, testTask("t1", true), "a")
	generate(t, s, testTask("t1", false), "b")

	if _, err := os.Stat(v.Path(vault.PlansPending, FileName("t1"))); !os.IsNotExist(err) {
		t.Errorf("stale pending plan left behind: %v", err)
	}
	st, err := s.CheckApprovalStatus("t1")
	if err != nil || st != StatusNotRequired {
		t.Errorf("status = %q, %v", st, err)
	}
}

func TestProgress_TwoOfThree(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	generate(t, s, testTask("t1", false), "one", "two", "three")

	if _, err := s.CompleteStep(ctx, "t1", 1, "ok"); err != nil {
		t.Fatal(err)
	}
	p, err := s.CompleteStep(ctx, "t1", 2, "ok")
	if err != nil {
		t.Fatal(err)
	}
	if p.CompletedAt != nil {
		t.Error("CompletedAt set before all steps done")
	}

	pr, err := s.Progress("t1")
	if err != nil {
		t.Fatal(err)
	}
	if pr != (Progress{Done: 2, Total: 3, Percent: 67}) {
		t.Errorf("Progress = %+v, want 2/3 (67%%)", pr)
	}
	done, _ := s.IsComplete("t1")
	if done {
		t.Error("IsComplete = true with a pending step")
	}

	p, err = s.CompleteStep(ctx, "t1", 3, "ok")
	if err != nil {
		t.Fatal(err)
	}
	if p.CompletedAt == nil {
		t.Fatal("CompletedAt not set after last step")
	}
	first := *p.CompletedAt

	s.Now = func() time.Time { return first.Add(time.Hour) }
	p, err = s.CompleteStep(ctx, "t1", 3, "again")
	if err != nil {
		t.Fatal(err)
	}
	if !p.CompletedAt.Equal(first) {
		t.Errorf("CompletedAt restamped: %v, want %v", p.CompletedAt, first)
	}
	done, _ = s.IsComplete("t1")
	if !done {
		t.Error("IsComplete = false after all steps done")
	}
}

func TestCompleteStep_UnknownStep(t *testing.T) {
	s, _ := newTestStore(t)
	generate(t, s, testTask("t1", false), "one")

	_, err := s.CompleteStep(context.Background(), "t1", 5, "")
	if !errors.Is(err, ErrStepNotFound) {
		t.Errorf("err = %v, want ErrStepNotFound", err)
	}
	if _, err := s.CompleteStep(context.Background(), "nope", 1, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCheckboxIsAuthoritative(t *testing.T) {
	s, _ := newTestStore(t)
	p := generate(t, s, testTask("t1", false), "one", "two")

	data, err := os.ReadFile(p.Path)
	if err != nil {
		t.Fatal(err)
	}
	edited := strings.Replace(string(data), "- [ ] two", "- [x] two", 1)
	if err := os.WriteFile(p.Path, []byte(edited), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Steps[0].Completed || !got.Steps[1].Completed {
		t.Errorf("Steps = %+v, want only step 2 done", got.Steps)
	}
}

func editBody(t *testing.T, path, old, new string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(strings.Replace(string(data), old, new, 1)), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestHandTickedPlanIsStampedComplete(t *testing.T) {
	s, _ := newTestStore(t)
	p := generate(t, s, testTask("t1", false), "one", "two")
	editBody(t, p.Path, "- [ ] one", "- [x] one")
	editBody(t, p.Path, "- [ ] two", "- [x] two")

	got, err := s.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsComplete() || got.CompletedAt == nil {
		t.Fatalf("IsComplete = %v, CompletedAt = %v", got.IsComplete(), got.CompletedAt)
	}
	for _, st := range got.Steps {
		if st.CompletedAt == nil {
			t.Errorf("step %d has no completion time", st.Number)
		}
	}

	// The next write persists the derived time.
	stamped := *got.CompletedAt
	s.Now = func() time.Time { return stamped.Add(time.Hour) }
	if _, err := s.CompleteStep(context.Background(), "t1", 2, ""); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(got.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "completed_at:") {
		t.Errorf("completed_at not persisted:\n%s", data)
	}
	again, _ := s.Get("t1")
	if again.CompletedAt == nil || !again.CompletedAt.Equal(stamped) {
		t.Errorf("CompletedAt = %v, want %v", again.CompletedAt, stamped)
	}
}

func TestUntickedPlanLosesCompletion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	generate(t, s, testTask("t1", false), "one", "two")
	s.CompleteStep(ctx, "t1", 1, "ok")
	p, err := s.CompleteStep(ctx, "t1", 2, "ok")
	if err != nil || p.CompletedAt == nil {
		t.Fatalf("CompleteStep: %v, CompletedAt = %v", err, p.CompletedAt)
	}

	editBody(t, p.Path, "- [x] two", "- [ ] two")

	got, err := s.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.IsComplete() || got.CompletedAt != nil {
		t.Errorf("IsComplete = %v, CompletedAt = %v, want incomplete with no time", got.IsComplete(), got.CompletedAt)
	}
	if got.Steps[1].Completed || got.Steps[1].CompletedAt != nil {
		t.Errorf("step 2 = %+v, want open with no time", got.Steps[1])
	}
	if got.Steps[0].CompletedAt == nil {
		t.Error("step 1 lost its completion time")
	}
}

func TestCheckApprovalStatus_LocationIsAuthoritative(t *testing.T) {
	s, v := newTestStore(t)
	generate(t, s, testTask("t1", true), "pay")
	name := FileName("t1")

	st, _ := s.CheckApprovalStatus("t1")
	if st != StatusPending {
		t.Fatalf("status = %q, want pending", st)
	}

	// The header still says pending; only the location changes.
	moveFile(t, v, vault.PlansPending, vault.PlansApproved, name)
	st, _ = s.CheckApprovalStatus("t1")
	if st != StatusApproved {
		t.Errorf("status = %q, want approved", st)
	}
	got, _ := s.Get("t1")
	if got.ApprovalStatus != StatusApproved {
		t.Errorf("Get().ApprovalStatus = %q, want approved", got.ApprovalStatus)
	}

	moveFile(t, v, vault.PlansApproved, vault.PlansRejected, name)
	st, _ = s.CheckApprovalStatus("t1")
	if st != StatusRejected {
		t.Errorf("status = %q, want rejected", st)
	}

	if _, err := s.CheckApprovalStatus("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCheckApprovalStatus_ApprovedWinsOverDuplicates(t *testing.T) {
	s, v := newTestStore(t)
	p := generate(t, s, testTask("t1", true), "pay")

	data, _ := os.ReadFile(p.Path)
	os.WriteFile(v.Path(vault.PlansApproved, FileName("t1")), data, 0644)

	st, _ := s.CheckApprovalStatus("t1")
	if st != StatusApproved {
		t.Errorf("status = %q, want approved", st)
	}
}

func TestMarkApprovedAndRejected(t *testing.T) {
	s, v := newTestStore(t)
	ctx := context.Background()
	generate(t, s, testTask("t1", true), "pay")

	p, err := s.MarkApproved(ctx, "t1", "dana")
	if err != nil {
		t.Fatalf("MarkApproved: %v", err)
	}
	if p.Location != vault.PlansApproved || p.ApprovedBy != "dana" || p.ApprovedAt == nil {
		t.Errorf("plan = %+v", p)
	}
	if _, err := os.Stat(v.Path(vault.PlansPending, FileName("t1"))); !os.IsNotExist(err) {
		t.Errorf("pending copy still present: %v", err)
	}

	p, err = s.MarkRejected(ctx, "t1", "too expensive")
	if err != nil {
		t.Fatalf("MarkRejected: %v", err)
	}
	if p.ApprovalStatus != StatusRejected || p.RejectionReason != "too expensive" {
		t.Errorf("plan = %+v", p)
	}

	p, err = s.SubmitForApproval(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if p.ApprovalStatus != StatusPending {
		t.Errorf("ApprovalStatus = %q", p.ApprovalStatus)
	}
}

func TestCheckStalePending(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	s.Now = func() time.Time { return base }
	generate(t, s, testTask("old", true), "pay")
	s.Now = func() time.Time { return base.Add(20 * time.Hour) }
	generate(t, s, testTask("new", true), "pay")
	generate(t, s, testTask("free", false), "sort")

	s.Now = func() time.Time { return base.Add(30 * time.Hour) }
	rem, err := s.CheckStalePending(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(rem) != 1 || rem[0].TaskID != "old" {
		t.Fatalf("reminders = %+v, want only old", rem)
	}
	if rem[0].Age != 30*time.Hour {
		t.Errorf("Age = %v, want 30h", rem[0].Age)
	}
}

func TestTaskIDFromFileName(t *testing.T) {
	id, ok := TaskIDFromFileName("/x/Plans/PLAN_abc.md")
	if !ok || id != "abc" {
		t.Errorf("got %q, %v", id, ok)
	}
	if _, ok := TaskIDFromFileName("TASK_abc.md"); ok {
		t.Error("accepted a task file name")
	}
}
