package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskvault/server/audit"
	"github.com/taskvault/server/document"
	"github.com/taskvault/server/escalation"
	"github.com/taskvault/server/logger"
	"github.com/taskvault/server/plan"
	"github.com/taskvault/server/task"
	"github.com/taskvault/server/vault"
	"github.com/taskvault/server/watch"
)

var (
	ErrNotRunning     = errors.New("orchestrator is not running")
	ErrAlreadyRunning = errors.New("orchestrator is already running")
	ErrTaskErrored    = errors.New("task is in the error state")
	ErrNotErrored     = errors.New("task is not in the error state")
	ErrTaskBusy       = errors.New("task is still being processed")
)

const (
	DefaultApprovalPollInterval = 5 * time.Second
	DefaultShutdownTimeout      = 30 * time.Second
	DefaultReminderInterval     = time.Hour
)

// AuditLog is the part of the audit trail the orchestrator writes to.
type AuditLog interface {
	Append(e audit.Entry) (audit.Entry, error)
}

// ChangeSource delivers vault change events.
type ChangeSource interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan watch.Event
}

type Deps struct {
	Vault       *vault.Vault
	Tasks       task.Store
	Plans       plan.Store
	Audit       AuditLog
	Errors      escalation.Store
	Observer    ChangeSource
	Interpreter Interpreter
	Executor    Executor
}

type Options struct {
	ApprovalPollInterval time.Duration
	ShutdownTimeout      time.Duration
	StaleThreshold       time.Duration
	ReminderInterval     time.Duration
}

func (o *Options) setDefaults() {
	if o.ApprovalPollInterval <= 0 {
		o.ApprovalPollInterval = DefaultApprovalPollInterval
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = plan.DefaultStaleThreshold
	}
	if o.ReminderInterval <= 0 {
		o.ReminderInterval = DefaultReminderInterval
	}
}

// Status is a snapshot of the orchestrator.
type Status struct {
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`
	InFlight  []string  `json:"in_flight"`
	Errored   []string  `json:"errored"`
	Processed int       `json:"processed"`
}

// Orchestrator drives every task through its lifecycle. Each task runs in
// its own goroutine with its own Machine; the only shared state is the
// bookkeeping of which tasks are in flight or errored.
type Orchestrator struct {
	deps Deps
	opts Options

	mu        sync.Mutex
	running   bool
	stopping  bool
	startedAt time.Time
	inFlight  map[string]bool
	errored   map[string]*Machine
	processed int
	announced map[string]bool // error report file names already published

	// ctx bounds the background loops; runCtx bounds task runs and is
	// only cancelled when a graceful stop times out.
	ctx       context.Context
	cancel    context.CancelFunc
	runCtx    context.Context
	runCancel context.CancelFunc
	loops     sync.WaitGroup
	runs      sync.WaitGroup

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
}

func New(deps Deps, opts Options) *Orchestrator {
	opts.setDefaults()
	if deps.Interpreter == nil {
		deps.Interpreter = StaticInterpreter{}
	}
	if deps.Executor == nil {
		deps.Executor = NoopExecutor{}
	}
	return &Orchestrator{
		deps:        deps,
		opts:        opts,
		inFlight:    make(map[string]bool),
		errored:     make(map[string]*Machine),
		announced:   make(map[string]bool),
		subscribers: make(map[int]chan Event),
	}
}

// Start prepares the vault, starts watching it and resumes every task
// that is not yet complete from its persisted stage.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.mu.Unlock()

	created, err := o.deps.Vault.Init()
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}
	if len(created) > 0 {
		slog.Info("created vault directories", "count", len(created))
	}

	if err := o.deps.Observer.Start(ctx); err != nil {
		return fmt.Errorf("start observer: %w", err)
	}

	o.mu.Lock()
	o.running = true
	o.stopping = false
	o.startedAt = time.Now().UTC()
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.runCtx, o.runCancel = context.WithCancel(context.Background())
	o.mu.Unlock()

	o.recordSystem("STARTED", "orchestrator started")
	o.resume(o.runCtx)

	o.loops.Add(3)
	go o.eventLoop()
	go o.approvalPollLoop()
	go o.reminderLoop()

	o.publish(Event{Type: EventStarted})
	slog.Info("orchestrator started", "root", o.deps.Vault.Root())
	return nil
}

// resume quarantines unreadable intake documents, marks tasks with open
// error reports as errored, and resumes the rest.
func (o *Orchestrator) resume(ctx context.Context) {
	blocked := make(map[string]bool)
	if open, err := o.deps.Errors.ListOpen(); err != nil {
		slog.Error("failed to list open error reports", "error", err)
	} else {
		for _, r := range open {
			if r.TaskID != "" {
				blocked[r.TaskID] = true
			}
		}
	}

	names, err := o.deps.Vault.List(vault.Intake, "")
	if err != nil {
		slog.Error("failed to scan intake", "error", err)
		return
	}
	for _, name := range names {
		if !task.IsTaskFile(name) {
			continue
		}
		path := o.deps.Vault.Path(vault.Intake, name)
		t, ok := o.loadArrival(ctx, path)
		if !ok {
			continue
		}
		if blocked[t.ID] {
			o.mu.Lock()
			o.errored[t.ID] = NewMachine(t.ID, StateError)
			o.mu.Unlock()
			slog.Info("not resuming task with open error report", "taskId", t.ID, "stage", t.Stage)
			continue
		}
		slog.Info("resuming task", "taskId", t.ID, "stage", t.Stage)
		if err := o.Process(ctx, t.ID); err != nil {
			slog.Warn("failed to resume task", "taskId", t.ID, "error", err)
		}
	}
}

// Stop stops accepting work and waits up to the shutdown timeout for
// in-flight tasks to finish their current transition. graceful is false
// when the timeout or ctx ran out first.
func (o *Orchestrator) Stop(ctx context.Context) (bool, error) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return true, ErrNotRunning
	}
	o.stopping = true
	o.mu.Unlock()

	o.deps.Observer.Stop()
	o.cancel()
	o.loops.Wait()

	done := make(chan struct{})
	go func() {
		o.runs.Wait()
		close(done)
	}()

	timer := time.NewTimer(o.opts.ShutdownTimeout)
	defer timer.Stop()

	graceful := true
	select {
	case <-done:
	case <-timer.C:
		graceful = false
	case <-ctx.Done():
		graceful = false
	}
	o.runCancel()

	o.mu.Lock()
	o.running = false
	inFlight := len(o.inFlight)
	o.mu.Unlock()

	o.recordSystem("STOPPED", fmt.Sprintf("orchestrator stopped (graceful=%t)", graceful))
	o.publish(Event{Type: EventStopped, Message: fmt.Sprintf("graceful=%t", graceful)})
	if graceful {
		slog.Info("orchestrator stopped")
	} else {
		slog.Warn("orchestrator stopped before in-flight tasks finished", "inFlight", inFlight)
	}
	return graceful, nil
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Status{
		Running:   o.running,
		StartedAt: o.startedAt,
		InFlight:  sortedKeys(o.inFlight),
		Processed: o.processed,
	}
	for id := range o.errored {
		s.Errored = append(s.Errored, id)
	}
	sort.Strings(s.Errored)
	return s
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Process starts driving task id from its persisted stage. It returns
// immediately; a task already in flight is left alone.
func (o *Orchestrator) Process(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running || o.stopping {
		return ErrNotRunning
	}
	if _, bad := o.errored[id]; bad {
		return fmt.Errorf("%w: %s", ErrTaskErrored, id)
	}
	if o.inFlight[id] {
		return nil
	}
	o.inFlight[id] = true
	o.runs.Add(1)
	go o.run(id)
	return nil
}

// Reset takes a task out of the error state so it can be processed again.
// It does not process it.
func (o *Orchestrator) Reset(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.errored[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotErrored, id)
	}
	if o.inFlight[id] {
		return fmt.Errorf("%w: %s", ErrTaskBusy, id)
	}
	if _, err := m.Fire(SignalReset); err != nil {
		return err
	}
	delete(o.errored, id)
	slog.Info("task reset", "taskId", id)
	return nil
}

// Retry resets an errored task and processes it again from its persisted
// stage.
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	return o.retry(ctx, id, audit.ActorHuman, "retry requested")
}

func (o *Orchestrator) retry(ctx context.Context, id string, actor audit.Actor, details string) error {
	if err := o.Reset(id); err != nil {
		return err
	}
	o.record(audit.Entry{
		TaskID: id, StateFrom: string(StateError), StateTo: "RETRY", Actor: actor,
		Outcome: audit.OutcomeSuccess, Details: details,
	})
	return o.Process(ctx, id)
}

// releaseResolved retries every errored task that has error reports, none
// of them still open. Resolving a task's report is how a human clears it.
func (o *Orchestrator) releaseResolved() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.errored))
	for id := range o.errored {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	reports, err := o.deps.Errors.List()
	if err != nil {
		slog.Error("failed to list error reports", "error", err)
		return
	}
	reported := make(map[string]bool)
	open := make(map[string]bool)
	for _, r := range reports {
		if r.TaskID == "" {
			continue
		}
		reported[r.TaskID] = true
		if r.ResolutionStatus == escalation.StatusOpen {
			open[r.TaskID] = true
		}
	}

	for _, id := range ids {
		if !reported[id] || open[id] {
			continue
		}
		err := o.retry(o.runCtx, id, audit.ActorSystem, "error reports resolved")
		switch {
		case err == nil:
			slog.Info("error reports resolved, retrying task", "taskId", id)
		case !errors.Is(err, ErrNotErrored) && !errors.Is(err, ErrTaskBusy):
			slog.Warn("failed to retry task", "taskId", id, "error", err)
		}
	}
}

func (o *Orchestrator) isStopping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopping
}

// --- Background loops ---

func (o *Orchestrator) eventLoop() {
	defer o.loops.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "orchestrator event loop crashed")
		}
	}()
	for {
		select {
		case <-o.ctx.Done():
			return
		case ev := <-o.deps.Observer.Events():
			o.handleEvent(ev)
		}
	}
}

func (o *Orchestrator) handleEvent(ev watch.Event) {
	switch ev.Kind {
	case watch.TaskArrived:
		t, ok := o.loadArrival(o.runCtx, ev.Path)
		if !ok {
			return
		}
		o.processQuietly(t.ID)
	case watch.PlanApproved, watch.PlanRejected:
		if ev.ID != "" {
			o.processQuietly(ev.ID)
		}
	case watch.ErrorReportArrived:
		o.announceReport(filepath.Base(ev.Path))
		o.releaseResolved()
	}
}

// announceReport publishes a new error report once. Rewrites of the same
// file, such as a resolution, are not new reports.
func (o *Orchestrator) announceReport(name string) {
	o.mu.Lock()
	seen := o.announced[name]
	o.announced[name] = true
	o.mu.Unlock()
	if !seen {
		o.publish(Event{Type: EventErrorReport, Message: name})
	}
}

// processQuietly is Process for event-driven triggers, where errored tasks
// and duplicate triggers are expected.
func (o *Orchestrator) processQuietly(id string) {
	if err := o.Process(o.runCtx, id); err != nil && !errors.Is(err, ErrTaskErrored) && !errors.Is(err, ErrNotRunning) {
		slog.Warn("failed to process task", "taskId", id, "error", err)
	}
}

// loadArrival reads an intake document. Documents that cannot be parsed
// are quarantined with a validation report.
func (o *Orchestrator) loadArrival(ctx context.Context, path string) (task.Task, bool) {
	t, err := o.deps.Tasks.Load(path)
	if err == nil {
		return t, !t.IsTerminal()
	}
	if errors.Is(err, task.ErrNotFound) {
		return task.Task{}, false
	}
	if !errors.Is(err, document.ErrMalformed) && !errors.Is(err, task.ErrInvalidTask) {
		slog.Error("failed to read intake document", "path", path, "error", err)
		return task.Task{}, false
	}
	o.quarantine(ctx, path, err)
	return task.Task{}, false
}

func (o *Orchestrator) quarantine(ctx context.Context, path string, cause error) {
	dst, err := o.deps.Tasks.Quarantine(ctx, path, cause.Error())
	if err != nil {
		if !errors.Is(err, task.ErrNotFound) {
			slog.Error("failed to quarantine document", "path", path, "error", err)
		}
		return
	}

	id := ""
	if name := filepath.Base(path); strings.HasPrefix(name, "TASK_") {
		id = strings.TrimSuffix(strings.TrimPrefix(name, "TASK_"), ".md")
	}
	if _, err := o.deps.Errors.Create(ctx, escalation.Input{
		TaskID:    id,
		ErrorType: escalation.ValidationError,
		Details:   cause.Error(),
		Context:   fmt.Sprintf("intake document %s moved to %s", filepath.Base(path), dst),
	}); err != nil {
		slog.Error("failed to file validation report", "path", path, "error", err)
	}
	auditID := id
	if auditID == "" {
		auditID = audit.SystemTaskID
	}
	o.record(audit.Entry{
		TaskID: auditID, StateTo: "QUARANTINED", Actor: audit.ActorSystem,
		Outcome: audit.OutcomeFailure, Details: filepath.Base(path) + ": " + cause.Error(),
	})
	o.publish(Event{Type: EventQuarantined, TaskID: id, Message: filepath.Base(path)})
}

// approvalPollLoop re-checks every task waiting at APPROVE and every
// errored task whose reports were resolved. It backs up the observer,
// whose notifications may be lost.
func (o *Orchestrator) approvalPollLoop() {
	defer o.loops.Done()
	ticker := time.NewTicker(o.opts.ApprovalPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			waiting, err := o.deps.Tasks.ListByStage(task.StageApprove)
			if err != nil {
				slog.Error("failed to list tasks awaiting approval", "error", err)
				continue
			}
			for _, t := range waiting {
				if t.IsTerminal() {
					continue
				}
				o.processQuietly(t.ID)
			}
			o.releaseResolved()
		}
	}
}

func (o *Orchestrator) reminderLoop() {
	defer o.loops.Done()
	ticker := time.NewTicker(o.opts.ReminderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.CheckReminders()
		}
	}
}

// CheckReminders publishes a reminder for every plan that has waited for a
// decision longer than the stale threshold.
func (o *Orchestrator) CheckReminders() []plan.Reminder {
	reminders, err := o.deps.Plans.CheckStalePending(o.opts.StaleThreshold)
	if err != nil {
		slog.Error("failed to check pending plans", "error", err)
		return nil
	}
	for _, r := range reminders {
		slog.Warn("plan awaiting approval", "taskId", r.TaskID, "title", r.Title, "age", r.Age.Round(time.Minute))
		o.publish(Event{
			Type:    EventReminder,
			TaskID:  r.TaskID,
			Message: fmt.Sprintf("%q has waited %s for approval", r.Title, r.Age.Round(time.Minute)),
		})
	}
	return reminders
}

// --- Audit helpers ---

func (o *Orchestrator) record(e audit.Entry) {
	if _, err := o.deps.Audit.Append(e); err != nil {
		slog.Error("failed to append audit entry", "taskId", e.TaskID, "stateTo", e.StateTo, "error", err)
	}
}

func (o *Orchestrator) recordSystem(state, details string) {
	o.record(audit.Entry{
		TaskID: audit.SystemTaskID, StateTo: state, Actor: audit.ActorSystem,
		Outcome: audit.OutcomeSuccess, Details: details,
	})
}
