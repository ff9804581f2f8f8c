package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/taskvault/server/audit"
	"github.com/taskvault/server/escalation"
	"github.com/taskvault/server/logger"
	"github.com/taskvault/server/plan"
	"github.com/taskvault/server/task"
)

var ErrNotApproved = errors.New("plan is not approved")

// StateDone is the audit state recorded when a closed task is filed away.
const StateDone = "DONE"

type stepResult int

const (
	stepContinue stepResult = iota
	stepWait
	stepFinished
)

// pass is one run of a task through its handlers.
type pass struct {
	id      string
	machine *Machine
	task    task.Task
}

type handler func(ctx context.Context, r *pass) (stepResult, error)

func (o *Orchestrator) handlers() map[task.Stage]handler {
	return map[task.Stage]handler{
		task.StageWatch:   o.handleWatch,
		task.StageWrite:   o.handleWrite,
		task.StageReason:  o.handleReason,
		task.StagePlan:    o.handlePlan,
		task.StageApprove: o.handleApprove,
		task.StageAct:     o.handleAct,
		task.StageLog:     o.handleLog,
		task.StageClose:   o.handleClose,
	}
}

// run drives one task until it finishes, has to wait for approval, fails,
// or the orchestrator stops. The persisted stage is the only state carried
// between passes.
func (o *Orchestrator) run(id string) {
	ctx := o.runCtx
	r := &pass{id: id}

	defer o.runs.Done()
	defer func() {
		o.mu.Lock()
		delete(o.inFlight, id)
		o.processed++
		o.mu.Unlock()
	}()
	defer func() {
		if rec := recover(); rec != nil {
			logger.LogPanic(rec, "task processing panicked", "taskId", id)
			o.fail(ctx, r, fmt.Errorf("panic: %v", rec))
		}
	}()

	t, err := o.deps.Tasks.Get(id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return
		}
		o.fail(ctx, r, err)
		return
	}
	if t.IsTerminal() {
		return
	}
	r.task = t
	r.machine = NewMachine(id, stageState(t.Stage))

	handlers := o.handlers()
	for {
		if o.isStopping() {
			slog.Info("stopping before next transition", "taskId", id, "stage", r.task.Stage)
			return
		}
		h, ok := handlers[r.task.Stage]
		if !ok {
			o.fail(ctx, r, fmt.Errorf("%w: no handler for stage %q", task.ErrInvalidTask, r.task.Stage))
			return
		}
		res, err := h(ctx, r)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				slog.Warn("task interrupted by shutdown", "taskId", id, "stage", r.task.Stage)
				return
			}
			o.fail(ctx, r, err)
			return
		}
		switch res {
		case stepWait, stepFinished:
			return
		}
	}
}

// fail moves the task machine to the error state and files exactly one
// error report. The task document stays at its last persisted stage.
func (o *Orchestrator) fail(ctx context.Context, r *pass, cause error) {
	if r.machine == nil {
		r.machine = NewMachine(r.id, StateIdle)
	}
	from := r.task.Stage
	if _, err := r.machine.Fire(SignalFail); err != nil {
		r.machine = NewMachine(r.id, StateError)
	}

	o.mu.Lock()
	o.errored[r.id] = r.machine
	o.mu.Unlock()

	slog.Error("task failed", "taskId", r.id, "stage", from, "error", cause)

	// Record the failure on the task itself when its stage is known.
	if from != "" {
		if next, err := task.NextStage(from, r.task.RequiresApproval, task.Outcome{}); err == nil {
			if _, err := o.deps.Tasks.Transition(ctx, r.id, next, task.Outcome{Error: cause.Error()}); err != nil {
				slog.Warn("failed to record error on task", "taskId", r.id, "error", err)
			}
		}
	}

	if _, err := o.deps.Errors.CreateFromError(ctx, cause, fmt.Sprintf("processing task at %s", stageOrUnknown(from)), r.id); err != nil {
		slog.Error("failed to file error report", "taskId", r.id, "error", err)
	}
	o.record(audit.Entry{
		TaskID: r.id, StateFrom: string(from), StateTo: string(StateError),
		Actor: audit.ActorSystem, Outcome: audit.OutcomeFailure, Details: cause.Error(),
	})
	o.publish(Event{Type: EventFailed, TaskID: r.id, From: from, Message: cause.Error()})
}

func stageOrUnknown(s task.Stage) string {
	if s == "" {
		return "unknown stage"
	}
	return string(s)
}

// advance fires sig on the machine and persists the matching transition.
// The machine is checked first so an invalid signal never reaches disk.
func (o *Orchestrator) advance(ctx context.Context, r *pass, sig Signal, out task.Outcome, actor audit.Actor, details string) error {
	next, ok := r.machine.Can(sig)
	if !ok {
		_, err := r.machine.Fire(sig)
		return err
	}
	from := r.task.Stage
	to := task.Stage(next)

	t, err := o.deps.Tasks.Transition(ctx, r.id, to, out)
	if err != nil {
		return err
	}
	if _, err := r.machine.Fire(sig); err != nil {
		return err
	}
	r.task = t

	if details == "" {
		details = out.Notes
	}
	o.record(audit.Entry{
		TaskID: r.id, StateFrom: string(from), StateTo: string(to),
		Actor: actor, Outcome: audit.OutcomeSuccess, Details: details,
	})
	o.publish(Event{Type: EventTransitioned, TaskID: r.id, From: from, To: to})
	slog.Debug("task transitioned", "taskId", r.id, "from", from, "to", to)
	return nil
}

// --- Stage handlers ---

func (o *Orchestrator) handleWatch(ctx context.Context, r *pass) (stepResult, error) {
	return stepContinue, o.advance(ctx, r, SignalAdvance, task.Outcome{}, audit.ActorSystem,
		fmt.Sprintf("detected %s task %q", r.task.Source, r.task.Title))
}

func (o *Orchestrator) handleWrite(ctx context.Context, r *pass) (stepResult, error) {
	details := fmt.Sprintf("recorded with priority %s", r.task.Priority)
	if r.task.RequiresApproval {
		details += fmt.Sprintf("; approval required (%v)", r.task.ApprovalReasons)
	}
	return stepContinue, o.advance(ctx, r, SignalAdvance, task.Outcome{}, audit.ActorSystem, details)
}

// handleReason interprets the task and writes its plan. The plan must
// exist before the task may enter PLAN.
func (o *Orchestrator) handleReason(ctx context.Context, r *pass) (stepResult, error) {
	steps, err := o.deps.Interpreter.Interpret(ctx, r.task)
	if err != nil {
		return stepContinue, fmt.Errorf("interpret task: %w", err)
	}
	p, err := o.deps.Plans.Generate(ctx, r.task, steps)
	if err != nil {
		return stepContinue, fmt.Errorf("generate plan: %w", err)
	}
	ref := o.relPath(p.Path)
	return stepContinue, o.advance(ctx, r, SignalAdvance, task.Outcome{PlanRef: ref}, audit.ActorSystem,
		fmt.Sprintf("plan with %d step(s) at %s", len(p.Steps), ref))
}

func (o *Orchestrator) handlePlan(ctx context.Context, r *pass) (stepResult, error) {
	if r.task.RequiresApproval {
		if err := o.advance(ctx, r, SignalRequireApproval, task.Outcome{}, audit.ActorSystem, "awaiting approval"); err != nil {
			return stepContinue, err
		}
		o.publish(Event{Type: EventAwaitingApproval, TaskID: r.id, Message: r.task.Title})
		return stepContinue, nil
	}
	return stepContinue, o.advance(ctx, r, SignalAdvance, task.Outcome{}, audit.ActorSystem, "no approval required")
}

// handleApprove reads the decision from where the plan document sits. A
// plan still pending, or moved somewhere that is not a decision, keeps the
// task waiting.
func (o *Orchestrator) handleApprove(ctx context.Context, r *pass) (stepResult, error) {
	status, err := o.deps.Plans.CheckApprovalStatus(r.id)
	if err != nil {
		return stepContinue, err
	}
	switch status {
	case plan.StatusApproved:
		if _, err := o.deps.Plans.MarkApproved(ctx, r.id, string(audit.ActorHuman)); err != nil {
			return stepContinue, err
		}
		return stepContinue, o.advance(ctx, r, SignalApproved, task.Outcome{}, audit.ActorHuman, "plan approved")
	case plan.StatusRejected:
		p, err := o.deps.Plans.Get(r.id)
		if err != nil {
			return stepContinue, err
		}
		reason := p.RejectionReason
		if reason == "" {
			reason = "plan moved to Rejected"
			if _, err := o.deps.Plans.MarkRejected(ctx, r.id, reason); err != nil {
				return stepContinue, err
			}
		}
		out := task.Outcome{Rejected: true, Notes: "rejected: " + reason}
		return stepContinue, o.advance(ctx, r, SignalRejected, out, audit.ActorHuman, out.Notes)
	case plan.StatusNotRequired:
		slog.Warn("plan for approval-gated task found outside the approval area", "taskId", r.id)
		return stepWait, nil
	default:
		return stepWait, nil
	}
}

// handleAct calls the executor once. A failure is recorded, escalated and
// the task completed as failed; it is not retried.
func (o *Orchestrator) handleAct(ctx context.Context, r *pass) (stepResult, error) {
	status, err := o.deps.Plans.CheckApprovalStatus(r.id)
	if err != nil {
		return stepContinue, err
	}
	if !status.AllowsAct() || (r.task.RequiresApproval && status != plan.StatusApproved) {
		return stepContinue, fmt.Errorf("%w: task %s plan is %s", ErrNotApproved, r.id, status)
	}
	p, err := o.deps.Plans.Get(r.id)
	if err != nil {
		return stepContinue, err
	}

	res, execErr := o.deps.Executor.Execute(ctx, r.task, p)
	if execErr != nil && ctx.Err() != nil {
		return stepContinue, execErr
	}
	if execErr == nil && !res.Success {
		execErr = errors.New(res.Output)
		if res.Output == "" {
			execErr = errors.New("executor reported failure")
		}
	}
	if execErr != nil {
		return o.executionFailed(ctx, r, execErr)
	}

	open := 0
	for _, st := range p.Steps {
		if st.Completed {
			continue
		}
		open++
		if _, err := o.deps.Plans.CompleteStep(ctx, r.id, st.Number, res.Output); err != nil {
			return stepContinue, err
		}
	}
	// Every box was ticked by hand: rewrite the last step so the derived
	// completion time is persisted.
	if open == 0 && len(p.Steps) > 0 {
		if _, err := o.deps.Plans.CompleteStep(ctx, r.id, p.Steps[len(p.Steps)-1].Number, ""); err != nil {
			return stepContinue, err
		}
	}
	return stepContinue, o.advance(ctx, r, SignalAdvance, task.Outcome{}, audit.ActorExecutor, res.Output)
}

func (o *Orchestrator) executionFailed(ctx context.Context, r *pass, cause error) (stepResult, error) {
	slog.Warn("executor failed", "taskId", r.id, "error", cause)

	t, err := o.deps.Tasks.Transition(ctx, r.id, task.StageLog, task.Outcome{Error: cause.Error()})
	if err != nil {
		return stepContinue, err
	}
	r.task = t
	o.record(audit.Entry{
		TaskID: r.id, StateFrom: string(task.StageAct), StateTo: string(task.StageAct),
		Actor: audit.ActorExecutor, Outcome: audit.OutcomeFailure, Details: cause.Error(),
	})
	if _, err := o.deps.Errors.Create(ctx, escalationInput(r, cause)); err != nil {
		return stepContinue, err
	}
	if _, err := o.deps.Tasks.Complete(ctx, r.id, task.CompletionFailed, "execution failed: "+cause.Error()); err != nil {
		return stepContinue, err
	}
	o.publish(Event{Type: EventFailed, TaskID: r.id, From: task.StageAct, Message: cause.Error()})
	return stepFinished, nil
}

func (o *Orchestrator) handleLog(ctx context.Context, r *pass) (stepResult, error) {
	details := "action recorded"
	if pr, err := o.deps.Plans.Progress(r.id); err == nil {
		details = fmt.Sprintf("plan %d/%d steps (%d%%)", pr.Done, pr.Total, pr.Percent)
	}
	return stepContinue, o.advance(ctx, r, SignalAdvance, task.Outcome{}, audit.ActorSystem, details)
}

// handleClose moves a task that reached CLOSE to the completed area.
func (o *Orchestrator) handleClose(ctx context.Context, r *pass) (stepResult, error) {
	notes := r.task.Notes
	if notes == "" {
		notes = "completed"
	}
	t, err := o.deps.Tasks.Complete(ctx, r.id, task.CompletionDone, notes)
	if err != nil {
		return stepContinue, err
	}
	r.task = t
	o.record(audit.Entry{
		TaskID: r.id, StateFrom: string(task.StageClose), StateTo: StateDone,
		Actor: audit.ActorSystem, Outcome: audit.OutcomeSuccess, Details: notes,
	})
	o.publish(Event{Type: EventCompleted, TaskID: r.id, To: task.StageClose, Message: notes})
	slog.Info("task completed", "taskId", r.id, "notes", notes)
	return stepFinished, nil
}

func escalationInput(r *pass, cause error) escalation.Input {
	return escalation.Input{
		TaskID:    r.id,
		ErrorType: escalation.ExecutionFailure,
		Details:   cause.Error(),
		Context:   fmt.Sprintf("executing plan for %q", r.task.Title),
	}
}

// relPath returns p relative to the vault root, for references stored in
// documents.
func (o *Orchestrator) relPath(p string) string {
	if rel, err := filepath.Rel(o.deps.Vault.Root(), p); err == nil {
		return filepath.ToSlash(rel)
	}
	return p
}
