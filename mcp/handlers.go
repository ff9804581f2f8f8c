package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/taskvault/server/audit"
	"github.com/taskvault/server/escalation"
	"github.com/taskvault/server/plan"
	"github.com/taskvault/server/task"
)

func (s *Server) handleTaskList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		tasks []task.Task
		err   error
	)
	if stage := req.GetString("stage", ""); stage != "" {
		if !task.ValidateStage(task.Stage(stage)) {
			return invalidArgument("unknown stage: " + stage), nil
		}
		tasks, err = s.tasks.ListByStage(task.Stage(stage))
	} else {
		tasks, err = s.tasks.List()
	}
	if err != nil {
		return storeError("task", "", err), nil
	}
	for i := range tasks {
		tasks[i].Body = ""
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	return jsonResult(tasks)
}

func (s *Server) handleTaskGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return invalidArgument("task_id is required"), nil
	}

	t, err := s.tasks.Get(id)
	if err != nil {
		return storeError("task", id, err), nil
	}
	return jsonResult(t)
}

type planResult struct {
	Plan     plan.Plan     `json:"plan"`
	Progress plan.Progress `json:"progress"`
}

func (s *Server) handlePlanGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return invalidArgument("task_id is required"), nil
	}

	p, err := s.plans.Get(id)
	if err != nil {
		return storeError("plan", id, err), nil
	}
	return jsonResult(planResult{Plan: p, Progress: p.Progress()})
}

func (s *Server) handleAuditQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := audit.Filter{
		TaskID:  req.GetString("task_id", ""),
		Actor:   audit.Actor(req.GetString("actor", "")),
		Outcome: audit.Outcome(req.GetString("outcome", "")),
		Limit:   req.GetInt("limit", 0),
	}
	if f.Limit < 0 {
		return invalidArgument("limit must not be negative"), nil
	}

	entries, err := s.audit.Query(f)
	if err != nil {
		return storeError("audit_entry", f.TaskID, err), nil
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	return jsonResult(entries)
}

func (s *Server) handleAuditVerify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if date := req.GetString("date", ""); date != "" {
		report, err := s.audit.VerifyIntegrity(date)
		if err != nil {
			return storeError("audit_day", date, err), nil
		}
		return jsonResult([]audit.IntegrityReport{report})
	}

	reports, err := s.audit.VerifyAll()
	if err != nil {
		return storeError("audit_day", "", err), nil
	}
	if reports == nil {
		reports = []audit.IntegrityReport{}
	}
	return jsonResult(reports)
}

func (s *Server) handleErrorList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := s.errors.List
	if req.GetBool("open_only", false) {
		list = s.errors.ListOpen
	}
	reports, err := list()
	if err != nil {
		return storeError("error", "", err), nil
	}
	if reports == nil {
		reports = []escalation.Report{}
	}
	return jsonResult(reports)
}

func (s *Server) handleErrorResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("error_id")
	if err != nil {
		return invalidArgument("error_id is required"), nil
	}

	r, err := s.errors.Resolve(ctx, id, req.GetString("notes", ""))
	if err != nil {
		return storeError("error", id, err), nil
	}
	return jsonResult(r)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}
