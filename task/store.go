package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskvault/server/document"
	"github.com/taskvault/server/lock"
	"github.com/taskvault/server/vault"
)

const filePrefix = "TASK_"

// scanLocations are the places a task document can live, in lookup order.
var scanLocations = []vault.Location{
	vault.Intake, vault.DoneSuccess, vault.DoneFailed, vault.DoneInvalid,
}

// FileName returns the canonical document name for a task id.
func FileName(id string) string { return filePrefix + id + ".md" }

// IsTaskFile reports whether name in the intake area is a candidate task
// document. Error reports share the directory and are excluded.
func IsTaskFile(name string) bool {
	return strings.HasSuffix(name, ".md") &&
		!strings.HasPrefix(name, "ERROR_") &&
		!vault.IsTemp(name)
}

// Store provides persistence and lifecycle bookkeeping for task documents.
type Store interface {
	Create(ctx context.Context, content string, source Source, opts CreateOptions) (Task, error)
	Get(id string) (Task, error)
	Load(path string) (Task, error)
	List() ([]Task, error)
	ListByStage(stage Stage) ([]Task, error)

	Transition(ctx context.Context, id string, to Stage, o Outcome) (Task, error)
	ForceStage(ctx context.Context, id string, to Stage, reason string) (Task, error)
	Complete(ctx context.Context, id string, status CompletionStatus, notes string) (Task, error)
	Reopen(ctx context.Context, id string) (Task, error)
	Delete(ctx context.Context, id string) error
	Quarantine(ctx context.Context, path, reason string) (string, error)

	AddOnChangeListener(listener OnChangeListener)
}

// FileStore keeps each task as a markdown document with a YAML header.
// Writes go through the per-document lock and an atomic rename.
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

// Load parses the task document at path.
func (s *FileStore) Load(path string) (Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Task{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Task{}, err
	}
	var t Task
	doc, err := document.Decode(data, &t)
	if err != nil {
		return Task{}, err
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	t.Body = doc.Body
	t.Path = path
	if loc, ok := s.vault.LocationOf(filepath.Dir(path)); ok {
		t.Location = loc
	}
	return t, nil
}

func (s *FileStore) Get(id string) (Task, error) {
	_, path, err := s.locate(id)
	if err != nil {
		return Task{}, err
	}
	return s.Load(path)
}

// locate finds the document for id. Canonically named files are found
// directly; files dropped by intake adapters under other names are matched
// by their header id.
func (s *FileStore) locate(id string) (vault.Location, string, error) {
	if id == "" {
		return "", "", fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	if loc, path, ok := s.vault.Find(FileName(id), scanLocations...); ok {
		return loc, path, nil
	}
	for _, loc := range scanLocations {
		names, err := s.vault.List(loc, "")
		if err != nil {
			return "", "", err
		}
		for _, name := range names {
			if !IsTaskFile(name) {
				continue
			}
			path := s.vault.Path(loc, name)
			t, err := s.Load(path)
			if err != nil {
				continue
			}
			if t.ID == id {
				return loc, path, nil
			}
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns every readable task document in the vault. Documents that
// fail to parse are skipped and logged.
func (s *FileStore) List() ([]Task, error) {
	var out []Task
	for _, loc := range scanLocations {
		names, err := s.vault.List(loc, "")
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if !IsTaskFile(name) {
				continue
			}
			t, err := s.Load(s.vault.Path(loc, name))
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					slog.Warn("skipping unreadable task document", "file", name, "error", err)
				}
				continue
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *FileStore) ListByStage(stage Stage) ([]Task, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range all {
		if t.Stage == stage {
			out = append(out, t)
		}
	}
	return out, nil
}

// --- Write operations ---

func (s *FileStore) Create(ctx context.Context, content string, source Source, opts CreateOptions) (Task, error) {
	if !ValidateSource(source) {
		return Task{}, fmt.Errorf("%w: unknown source %q", ErrInvalidTask, source)
	}
	if strings.TrimSpace(content) == "" && strings.TrimSpace(opts.Title) == "" {
		return Task{}, fmt.Errorf("%w: content or title is required", ErrInvalidTask)
	}
	if opts.Priority != "" && !ValidatePriority(opts.Priority) {
		return Task{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, opts.Priority)
	}

	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = DeriveTitle(content)
	}
	priority := opts.Priority
	if priority == "" {
		priority = ClassifyPriority(title + "\n" + content)
	}
	reasons := ClassifyApproval(title + "\n" + content)

	now := s.Now().UTC()
	t := Task{
		ID:               uuid.Must(uuid.NewV7()).String(),
		Title:            title,
		Source:           source,
		CreatedAt:        now,
		UpdatedAt:        now,
		Stage:            StageWatch,
		Priority:         priority,
		RequiresApproval: len(reasons) > 0,
		ApprovalReasons:  reasons,
		Body:             renderBody(title, content),
		Location:         vault.Intake,
	}
	t.Path = s.vault.Path(vault.Intake, FileName(t.ID))

	err := s.locker.WithLock(ctx, FileName(t.ID), func() error {
		return s.write(t)
	})
	if err != nil {
		return Task{}, err
	}

	s.notify(ChangeEvent{Op: OperationCreate, Task: t})
	return t, nil
}

func renderBody(title, content string) string {
	content = strings.TrimSpace(content)
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", title)
	if content != "" {
		b.WriteString("\n")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

// Transition moves a task to its single legal successor stage. A failed
// outcome is recorded against the task and leaves the stage where it is.
// An illegal target returns an *InvalidTransitionError and writes nothing.
func (s *FileStore) Transition(ctx context.Context, id string, to Stage, o Outcome) (Task, error) {
	return s.update(ctx, id, OperationUpdate, func(t *Task) (vault.Location, error) {
		next, err := NextStage(t.Stage, t.RequiresApproval, o)
		if err != nil || next != to {
			return "", &InvalidTransitionError{TaskID: t.ID, From: t.Stage, To: to}
		}
		if o.Failed() {
			t.ErrorCount++
			t.LastError = o.Error
			return t.Location, nil
		}
		if o.PlanRef != "" {
			t.PlanRef = o.PlanRef
		}
		if next.AtLeast(StagePlan) && t.PlanRef == "" {
			return "", fmt.Errorf("%w: task %s needs a plan reference to enter %s", ErrInvalidTask, t.ID, next)
		}
		if o.Notes != "" {
			t.Notes = o.Notes
		}
		t.Stage = next
		return t.Location, nil
	})
}

// ForceStage sets the stage without consulting the transition rules. It
// exists for recovery and is not used by the normal pipeline.
func (s *FileStore) ForceStage(ctx context.Context, id string, to Stage, reason string) (Task, error) {
	if !ValidateStage(to) {
		return Task{}, fmt.Errorf("%w: unknown state %q", ErrInvalidTask, to)
	}
	return s.update(ctx, id, OperationUpdate, func(t *Task) (vault.Location, error) {
		slog.Warn("forcing task stage", "taskId", t.ID, "from", t.Stage, "to", to, "reason", reason)
		t.Stage = to
		if reason != "" {
			t.Notes = "forced: " + reason
		}
		return t.Location, nil
	})
}

// Complete stamps completion fields and moves the document to the terminal
// location for status.
func (s *FileStore) Complete(ctx context.Context, id string, status CompletionStatus, notes string) (Task, error) {
	dst, ok := completionLocations[status]
	if !ok {
		return Task{}, fmt.Errorf("%w: unknown completion status %q", ErrInvalidTask, status)
	}
	return s.update(ctx, id, OperationComplete, func(t *Task) (vault.Location, error) {
		now := s.Now().UTC()
		t.CompletedAt = &now
		t.CompletionStatus = status
		t.CompletionNotes = notes
		return dst, nil
	})
}

// Reopen puts a task back at WATCH in the intake area.
func (s *FileStore) Reopen(ctx context.Context, id string) (Task, error) {
	return s.update(ctx, id, OperationUpdate, func(t *Task) (vault.Location, error) {
		t.Stage = StageWatch
		t.PlanRef = ""
		t.Notes = ""
		t.CompletedAt = nil
		t.CompletionStatus = ""
		t.CompletionNotes = ""
		return vault.Intake, nil
	})
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	_, path, err := s.locate(id)
	if err != nil {
		return err
	}
	var deleted Task
	err = s.locker.WithLock(ctx, filepath.Base(path), func() error {
		t, err := s.Load(path)
		if err != nil {
			return err
		}
		deleted = t
		return os.Remove(path)
	})
	if err != nil {
		return err
	}
	s.notify(ChangeEvent{Op: OperationDelete, Task: deleted})
	return nil
}

// Quarantine moves an unreadable document to the invalid area as-is and
// returns its new path. The bytes are not rewritten since they could not
// be parsed.
func (s *FileStore) Quarantine(ctx context.Context, path, reason string) (string, error) {
	name := filepath.Base(path)
	dst := s.vault.Path(vault.DoneInvalid, name)
	err := s.locker.WithLock(ctx, name, func() error {
		if err := os.MkdirAll(s.vault.Dir(vault.DoneInvalid), 0755); err != nil {
			return err
		}
		if err := os.Rename(path, dst); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	slog.Warn("quarantined task document", "file", name, "reason", reason)
	return dst, nil
}

// update runs fn against the freshly read document while holding its lock,
// then writes the result to the location fn returns.
func (s *FileStore) update(ctx context.Context, id string, op Operation, fn func(t *Task) (vault.Location, error)) (Task, error) {
	_, path, err := s.locate(id)
	if err != nil {
		return Task{}, err
	}
	name := filepath.Base(path)

	var out Task
	err = s.locker.WithLock(ctx, name, func() error {
		t, err := s.Load(path)
		if errors.Is(err, ErrNotFound) {
			// Moved between locate and lock; the name is stable.
			_, path, err = s.locate(id)
			if err != nil {
				return err
			}
			t, err = s.Load(path)
		}
		if err != nil {
			return err
		}

		dst, err := fn(&t)
		if err != nil {
			return err
		}
		t.UpdatedAt = s.Now().UTC()

		data, err := document.Encode(t, t.Body)
		if err != nil {
			return err
		}
		target := s.vault.Path(dst, name)
		if err := vault.Relocate(t.Path, target, data); err != nil {
			return fmt.Errorf("write task %s: %w", t.ID, err)
		}
		t.Location = dst
		t.Path = target
		out = t
		return nil
	})
	if err != nil {
		return Task{}, err
	}

	s.notify(ChangeEvent{Op: op, Task: out})
	return out, nil
}

func (s *FileStore) write(t Task) error {
	data, err := document.Encode(t, t.Body)
	if err != nil {
		return err
	}
	return vault.WriteFileAtomic(t.Path, data)
}

// --- Listener management ---

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
		l.OnTaskChange(event)
	}
}
