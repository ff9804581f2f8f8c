package plan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskvault/server/document"
	"github.com/taskvault/server/lock"
	"github.com/taskvault/server/task"
	"github.com/taskvault/server/vault"
)

const filePrefix = "PLAN_"

// DefaultStaleThreshold is how long a plan may wait for a decision before a
// reminder is raised.
const DefaultStaleThreshold = 24 * time.Hour

// FileName returns the plan document name for a task id.
func FileName(taskID string) string { return filePrefix + taskID + ".md" }

// TaskIDFromFileName extracts the task id from a plan document name.
func TaskIDFromFileName(name string) (string, bool) {
	name = filepath.Base(name)
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".md") {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".md"), true
}

// Store provides persistence and the location-based approval protocol for
// plan documents.
type Store interface {
	Generate(ctx context.Context, t task.Task, steps []string) (Plan, error)
	Get(taskID string) (Plan, error)
	CompleteStep(ctx context.Context, taskID string, number int, outcome string) (Plan, error)
	Progress(taskID string) (Progress, error)
	IsComplete(taskID string) (bool, error)

	CheckApprovalStatus(taskID string) (ApprovalStatus, error)
	SubmitForApproval(ctx context.Context, taskID string) (Plan, error)
	MarkApproved(ctx context.Context, taskID, by string) (Plan, error)
	MarkRejected(ctx context.Context, taskID, reason string) (Plan, error)
	CheckStalePending(threshold time.Duration) ([]Reminder, error)

	AddOnChangeListener(listener OnChangeListener)
}

// FileStore keeps one plan document per task under the plans area. The
// directory a plan sits in is its approval status; humans decide by moving
// the file, so every operation re-probes the locations.
type FileStore struct {
	vault  *vault.Vault
	locker *lock.Locker

	// Now is the clock used for timestamps.
	Now func() time.Time

	mu        sync.Mutex
	listeners []OnChangeListener
}

func NewFileStore(v *vault.Vault, l *lock.Locker) *FileStore {
	return &FileStore{vault: v, locker: l, Now: time.Now}
}

// --- Read operations ---

func (s *FileStore) locate(taskID string) (vault.Location, string, error) {
	if taskID == "" {
		return "", "", fmt.Errorf("%w: task id is required", ErrInvalidPlan)
	}
	loc, path, ok := s.vault.Find(FileName(taskID), probeOrder...)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return loc, path, nil
}

func (s *FileStore) load(loc vault.Location, path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Plan{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Plan{}, err
	}
	var p Plan
	doc, err := document.Decode(data, &p)
	if err != nil {
		return Plan{}, err
	}
	p.Body = doc.Body
	p.Location = loc
	p.Path = path
	p.ApprovalStatus, _ = StatusOf(loc)

	editedAt := s.Now().UTC()
	if info, err := os.Stat(path); err == nil {
		editedAt = info.ModTime().UTC()
	}
	syncCheckboxes(&p, editedAt)
	return p, nil
}

// syncCheckboxes makes the body's checkbox state authoritative for step
// completion. Boxes are matched to steps by position. Completion times
// follow the boxes: a box ticked by hand gets editedAt, an unticked box
// loses its time, and the plan's completed_at is set only while every
// step is done.
func syncCheckboxes(p *Plan, editedAt time.Time) {
	boxes := document.ParseCheckboxes(p.Body)
	for i := range p.Steps {
		st := &p.Steps[i]
		if i < len(boxes) {
			st.Completed = boxes[i].Checked
		}
		switch {
		case st.Completed && st.CompletedAt == nil:
			st.CompletedAt = &editedAt
		case !st.Completed:
			st.CompletedAt = nil
		}
	}

	switch {
	case p.IsComplete() && p.CompletedAt == nil:
		p.CompletedAt = &editedAt
	case !p.IsComplete():
		p.CompletedAt = nil
	}
}

func (s *FileStore) Get(taskID string) (Plan, error) {
	loc, path, err := s.locate(taskID)
	if err != nil {
		return Plan{}, err
	}
	return s.load(loc, path)
}

// CheckApprovalStatus reports the approval status implied by where the plan
// document currently is, ignoring whatever the header claims.
func (s *FileStore) CheckApprovalStatus(taskID string) (ApprovalStatus, error) {
	loc, _, err := s.locate(taskID)
	if err != nil {
		return "", err
	}
	st, _ := StatusOf(loc)
	return st, nil
}

func (s *FileStore) Progress(taskID string) (Progress, error) {
	p, err := s.Get(taskID)
	if err != nil {
		return Progress{}, err
	}
	return p.Progress(), nil
}

func (s *FileStore) IsComplete(taskID string) (bool, error) {
	p, err := s.Get(taskID)
	if err != nil {
		return false, err
	}
	return p.IsComplete(), nil
}

func (p Plan) Progress() Progress {
	done := 0
	for _, st := range p.Steps {
		if st.Completed {
			done++
		}
	}
	pr := Progress{Done: done, Total: len(p.Steps)}
	if pr.Total > 0 {
		pr.Percent = int(math.Round(float64(done) * 100 / float64(pr.Total)))
	}
	return pr
}

func (p Plan) IsComplete() bool {
	if len(p.Steps) == 0 {
		return false
	}
	for _, st := range p.Steps {
		if !st.Completed {
			return false
		}
	}
	return true
}

// CheckStalePending returns reminders for pending plans created more than
// threshold ago, oldest first.
func (s *FileStore) CheckStalePending(threshold time.Duration) ([]Reminder, error) {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	names, err := s.vault.List(vault.PlansPending, filePrefix)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	var out []Reminder
	for _, name := range names {
		p, err := s.load(vault.PlansPending, s.vault.Path(vault.PlansPending, name))
		if err != nil {
			continue
		}
		age := now.Sub(p.CreatedAt)
		if age <= threshold {
			continue
		}
		out = append(out, Reminder{TaskID: p.TaskID, Title: p.Title, Path: p.Path, Age: age})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Age > out[j].Age })
	return out, nil
}

// --- Write operations ---

// Generate writes a new plan for t. Plans for tasks that need approval go to
// the pending area; the rest go to the general plans area. Any earlier plan
// for the same task is replaced.
func (s *FileStore) Generate(ctx context.Context, t task.Task, steps []string) (Plan, error) {
	var descs []string
	for _, d := range steps {
		if d = strings.TrimSpace(d); d != "" {
			descs = append(descs, d)
		}
	}
	if len(descs) == 0 {
		return Plan{}, fmt.Errorf("%w: at least one step is required", ErrInvalidPlan)
	}

	p := Plan{
		TaskID:    t.ID,
		Title:     t.Title,
		CreatedAt: s.Now().UTC(),
	}
	for i, d := range descs {
		p.Steps = append(p.Steps, Step{Number: i + 1, Description: d})
	}
	p.Body = renderBody(p)

	dst := vault.PlansGeneral
	if t.RequiresApproval {
		dst = vault.PlansPending
	}

	name := FileName(t.ID)
	err := s.locker.WithLock(ctx, name, func() error {
		if err := s.write(&p, dst); err != nil {
			return err
		}
		for _, loc := range probeOrder {
			if loc == dst {
				continue
			}
			if err := os.Remove(s.vault.Path(loc, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Plan{}, err
	}
	s.notify(ChangeEvent{Op: OperationGenerate, Plan: p})
	return p, nil
}

func renderBody(p Plan) string {
	items := make([]string, len(p.Steps))
	for i, st := range p.Steps {
		items[i] = st.Description
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan: %s\n\n", p.Title)
	fmt.Fprintf(&b, "Task: %s\n\n", p.TaskID)
	b.WriteString("## Steps\n\n")
	b.WriteString(document.RenderCheckboxes(items))
	return b.String()
}

// CompleteStep marks step number as done. When it was the last open step
// the plan's completion time is stamped; it is never restamped.
func (s *FileStore) CompleteStep(ctx context.Context, taskID string, number int, outcome string) (Plan, error) {
	return s.update(ctx, taskID, OperationStep, func(p *Plan) (vault.Location, error) {
		idx := -1
		for i, st := range p.Steps {
			if st.Number == number {
				idx = i
				break
			}
		}
		if idx < 0 {
			return "", fmt.Errorf("%w: step %d of plan %s", ErrStepNotFound, number, taskID)
		}

		now := s.Now().UTC()
		st := &p.Steps[idx]
		if !st.Completed || st.CompletedAt == nil {
			st.CompletedAt = &now
		}
		st.Completed = true
		if outcome != "" {
			st.Outcome = outcome
		}
		if body, err := document.SetCheckbox(p.Body, idx, true); err == nil {
			p.Body = body
		}
		if p.IsComplete() && p.CompletedAt == nil {
			p.CompletedAt = &now
		}
		return p.Location, nil
	})
}

func (s *FileStore) SubmitForApproval(ctx context.Context, taskID string) (Plan, error) {
	return s.update(ctx, taskID, OperationRelocate, func(p *Plan) (vault.Location, error) {
		return vault.PlansPending, nil
	})
}

// MarkApproved records who approved the plan and moves it to the approved
// area. Calling it on a plan a human already moved there fills in the
// missing fields.
func (s *FileStore) MarkApproved(ctx context.Context, taskID, by string) (Plan, error) {
	return s.update(ctx, taskID, OperationRelocate, func(p *Plan) (vault.Location, error) {
		if p.ApprovedAt == nil {
			now := s.Now().UTC()
			p.ApprovedAt = &now
		}
		if by != "" {
			p.ApprovedBy = by
		}
		p.RejectionReason = ""
		return vault.PlansApproved, nil
	})
}

func (s *FileStore) MarkRejected(ctx context.Context, taskID, reason string) (Plan, error) {
	return s.update(ctx, taskID, OperationRelocate, func(p *Plan) (vault.Location, error) {
		if reason != "" {
			p.RejectionReason = reason
		}
		return vault.PlansRejected, nil
	})
}

func (s *FileStore) update(ctx context.Context, taskID string, op Operation, fn func(p *Plan) (vault.Location, error)) (Plan, error) {
	name := FileName(taskID)
	var out Plan
	err := s.locker.WithLock(ctx, name, func() error {
		loc, path, err := s.locate(taskID)
		if err != nil {
			return err
		}
		p, err := s.load(loc, path)
		if err != nil {
			return err
		}
		dst, err := fn(&p)
		if err != nil {
			return err
		}
		src := p.Path
		if err := s.write(&p, dst); err != nil {
			return err
		}
		if filepath.Clean(src) != filepath.Clean(p.Path) {
			if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove %s after relocation: %w", src, err)
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return Plan{}, err
	}
	s.notify(ChangeEvent{Op: op, Plan: out})
	return out, nil
}

// write stores p at dst with its approval status rewritten to match.
func (s *FileStore) write(p *Plan, dst vault.Location) error {
	p.ApprovalStatus, _ = StatusOf(dst)
	data, err := document.Encode(p, p.Body)
	if err != nil {
		return err
	}
	path := s.vault.Path(dst, FileName(p.TaskID))
	if err := vault.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write plan %s: %w", p.TaskID, err)
	}
	p.Location = dst
	p.Path = path
	return nil
}

// --- Listener management ---

type Operation string

const (
	OperationGenerate Operation = "generate"
	OperationStep     Operation = "step"
	OperationRelocate Operation = "relocate"
)

type ChangeEvent struct {
	Op   Operation
	Plan Plan
}

// OnChangeListener receives notifications for plan writes made through the
// store. Moves made by hand are reported by the watcher instead.
type OnChangeListener interface {
	OnPlanChange(event ChangeEvent)
}

func (s *FileStore) AddOnChangeListener(listener OnChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *FileStore) notify(event ChangeEvent) {
	s.mu.Lock()
	listeners := make([]OnChangeListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l.OnPlanChange(event)
	}
}
