package lifecycle

import (
	"context"
	"fmt"

	"github.com/taskvault/server/document"
	"github.com/taskvault/server/plan"
	"github.com/taskvault/server/task"
)

// Interpreter turns a task into the ordered steps of its plan.
type Interpreter interface {
	Interpret(ctx context.Context, t task.Task) ([]string, error)
}

// ExecutionResult is what an Executor reports for a plan. A failure is
// recorded and escalated; it is never retried.
type ExecutionResult struct {
	Success bool
	Output  string
}

// Executor performs the planned action against the outside world.
type Executor interface {
	Execute(ctx context.Context, t task.Task, p plan.Plan) (ExecutionResult, error)
}

// StaticInterpreter uses the checklist in the task body when there is one
// and a fixed three-step plan otherwise.
type StaticInterpreter struct{}

func (StaticInterpreter) Interpret(_ context.Context, t task.Task) ([]string, error) {
	var steps []string
	for _, cb := range document.ParseCheckboxes(t.Body) {
		if !cb.Checked {
			steps = append(steps, cb.Text)
		}
	}
	if len(steps) > 0 {
		return steps, nil
	}
	return []string{
		fmt.Sprintf("Review task: %s", t.Title),
		"Carry out the requested action",
		"Confirm the result",
	}, nil
}

// NoopExecutor succeeds without touching anything outside the vault.
type NoopExecutor struct{}

func (NoopExecutor) Execute(_ context.Context, _ task.Task, p plan.Plan) (ExecutionResult, error) {
	return ExecutionResult{
		Success: true,
		Output:  fmt.Sprintf("recorded %d step(s); no executor configured", len(p.Steps)),
	}, nil
}

// InterpreterFunc adapts a function to Interpreter.
type InterpreterFunc func(ctx context.Context, t task.Task) ([]string, error)

func (f InterpreterFunc) Interpret(ctx context.Context, t task.Task) ([]string, error) {
	return f(ctx, t)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t task.Task, p plan.Plan) (ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, t task.Task, p plan.Plan) (ExecutionResult, error) {
	return f(ctx, t, p)
}
