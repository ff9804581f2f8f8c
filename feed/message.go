package feed

import (
	"github.com/taskvault/server/escalation"
	"github.com/taskvault/server/plan"
	"github.com/taskvault/server/task"
	"github.com/taskvault/server/vault"
	"github.com/taskvault/server/watch"
)

type AuthParams struct {
	Token string `json:"token"`
}

type AuthResult struct {
	Version string `json:"version"`
	Root    string `json:"root"`
}

type TaskGetParams struct {
	ID string `json:"id"`
}

type TaskRetryParams struct {
	ID string `json:"id"`
}

type PlanGetParams struct {
	TaskID string `json:"task_id"`
}

type PlanGetResult struct {
	Plan     plan.Plan     `json:"plan"`
	Progress plan.Progress `json:"progress"`
}

type ErrorsListParams struct {
	OpenOnly bool `json:"open_only"`
}

type ErrorsListResult struct {
	Reports []escalation.Report `json:"reports"`
}

// TaskListSubscribeParams narrows the pushed task list. Empty fields
// match everything.
type TaskListSubscribeParams struct {
	Stages    []task.Stage     `json:"stages,omitempty"`
	Locations []vault.Location `json:"locations,omitempty"`
}

type TaskListSubscribeResult struct {
	ID     string            `json:"id"`
	Tasks  []task.Task       `json:"tasks"`
	Counts watch.StageCounts `json:"counts"`
}

type SubscribeResult struct {
	ID string `json:"id"`
}

type UnsubscribeParams struct {
	ID string `json:"id"`
}
