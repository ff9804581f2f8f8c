package escalation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskvault/server/document"
	"github.com/taskvault/server/lock"
	"github.com/taskvault/server/vault"
)

const (
	filePrefix  = "ERROR_"
	stampLayout = "20060102T150405.000Z"
	shortIDLen  = 8
)

// Store creates, lists and resolves error reports.
type Store interface {
	Create(ctx context.Context, in Input) (Report, error)
	CreateFromError(ctx context.Context, err error, errContext, taskID string) (Report, error)
	Get(id string) (Report, error)
	List() ([]Report, error)
	ListOpen() ([]Report, error)
	Resolve(ctx context.Context, id, notes string) (Report, error)
}

// FileStore keeps error reports as documents in the intake area, next to
// the tasks they concern, so a human sees both in one place.
type FileStore struct {
	vault  *vault.Vault
	locker *lock.Locker

	// Now is the clock used for timestamps.
	Now func() time.Time
}

func NewFileStore(v *vault.Vault, l *lock.Locker) *FileStore {
	return &FileStore{vault: v, locker: l, Now: time.Now}
}

// IsReportFile reports whether name looks like an error report document.
func IsReportFile(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, ".md")
}

func short(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// FileName encodes the report time and, when present, a task id fragment.
func FileName(r Report) string {
	var b strings.Builder
	b.WriteString(filePrefix)
	b.WriteString(r.Timestamp.UTC().Format(stampLayout))
	if r.TaskID != "" {
		b.WriteString("_")
		b.WriteString(short(r.TaskID))
	}
	b.WriteString("_")
	b.WriteString(short(r.ID))
	b.WriteString(".md")
	return b.String()
}

func (s *FileStore) Create(ctx context.Context, in Input) (Report, error) {
	if !ValidateType(in.ErrorType) {
		return Report{}, fmt.Errorf("%w: unknown error type %q", ErrInvalidInput, in.ErrorType)
	}
	if in.Severity != "" && !ValidateSeverity(in.Severity) {
		return Report{}, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, in.Severity)
	}
	if strings.TrimSpace(in.Details) == "" {
		return Report{}, fmt.Errorf("%w: details are required", ErrInvalidInput)
	}

	severity := in.Severity
	if severity == "" {
		severity = DefaultSeverity(in.ErrorType)
	}
	if forcedCritical(in.ErrorType) {
		severity = SeverityCritical
	}

	r := Report{
		ID:               uuid.NewString(),
		Timestamp:        s.Now().UTC(),
		TaskID:           in.TaskID,
		ErrorType:        in.ErrorType,
		Severity:         severity,
		Details:          in.Details,
		Context:          in.Context,
		SuggestedOptions: padOptions(in.ErrorType, in.SuggestedOptions),
		ResolutionStatus: StatusOpen,
	}
	name := FileName(r)
	r.Path = s.vault.Path(vault.Intake, name)

	err := s.locker.WithLock(ctx, name, func() error {
		return s.write(r)
	})
	if err != nil {
		return Report{}, err
	}
	return r, nil
}

// padOptions fills in type defaults and then the generic fallback until
// there are at least two distinct options.
func padOptions(t ErrorType, given []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(o string) {
		o = strings.TrimSpace(o)
		if o == "" || seen[o] {
			return
		}
		seen[o] = true
		out = append(out, o)
	}
	for _, o := range given {
		add(o)
	}
	if len(out) < minOptions {
		for _, o := range types[t].options {
			add(o)
		}
	}
	if len(out) < minOptions {
		add(FallbackOption)
	}
	return out
}

func (s *FileStore) write(r Report) error {
	data, err := document.Encode(r, renderBody(r))
	if err != nil {
		return err
	}
	return vault.WriteFileAtomic(r.Path, data)
}

func renderBody(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Error: %s\n\n", r.ErrorType)
	fmt.Fprintf(&b, "Severity: %s\n\n", r.Severity)
	if r.TaskID != "" {
		fmt.Fprintf(&b, "Task: %s\n\n", r.TaskID)
	}
	fmt.Fprintf(&b, "%s\n\n", r.Details)
	b.WriteString("## Suggested options\n\n")
	for i, o := range r.SuggestedOptions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, o)
	}
	if r.ResolutionStatus == StatusResolved {
		fmt.Fprintf(&b, "\n## Resolution\n\n%s\n", r.ResolutionNotes)
	}
	return b.String()
}

func (s *FileStore) load(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, err
	}
	var r Report
	if _, err := document.Decode(data, &r); err != nil {
		return Report{}, err
	}
	if r.ID == "" || r.ErrorType == "" {
		return Report{}, fmt.Errorf("%w: %s is not an error report", ErrInvalidInput, path)
	}
	r.Path = path
	return r, nil
}

// List returns every readable report in the intake area.
func (s *FileStore) List() ([]Report, error) {
	names, err := s.vault.List(vault.Intake, filePrefix)
	if err != nil {
		return nil, err
	}
	var out []Report
	for _, name := range names {
		r, err := s.load(s.vault.Path(vault.Intake, name))
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ListOpen returns open reports, critical first and newest first within a
// severity.
func (s *FileStore) ListOpen() ([]Report, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var open []Report
	for _, r := range all {
		if r.ResolutionStatus == StatusOpen {
			open = append(open, r)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		ri, rj := severityRank[open[i].Severity], severityRank[open[j].Severity]
		if ri != rj {
			return ri > rj
		}
		return open[i].Timestamp.After(open[j].Timestamp)
	})
	return open, nil
}

// Get finds a report by the id in its header. File names are not trusted
// since humans may rename reports.
func (s *FileStore) Get(id string) (Report, error) {
	if id == "" {
		return Report{}, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	names, err := s.vault.List(vault.Intake, "")
	if err != nil {
		return Report{}, err
	}
	for _, name := range names {
		if vault.IsTemp(name) {
			continue
		}
		r, err := s.load(s.vault.Path(vault.Intake, name))
		if err != nil {
			continue
		}
		if r.ID == id {
			return r, nil
		}
	}
	return Report{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Resolve marks an open report as resolved.
func (s *FileStore) Resolve(ctx context.Context, id, notes string) (Report, error) {
	found, err := s.Get(id)
	if err != nil {
		return Report{}, err
	}

	var out Report
	err = s.locker.WithLock(ctx, filepath.Base(found.Path), func() error {
		r, err := s.load(found.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		if r.ResolutionStatus != StatusOpen {
			return fmt.Errorf("%w: %s is %s", ErrNotOpen, id, r.ResolutionStatus)
		}
		now := s.Now().UTC()
		r.ResolutionStatus = StatusResolved
		r.ResolvedAt = &now
		r.ResolutionNotes = notes
		if err := s.write(r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	return out, nil
}
