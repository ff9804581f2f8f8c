package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List tasks in the intake and completed areas. Bodies are omitted."),
		mcp.WithString("stage", mcp.Description("Only tasks at this stage"),
			mcp.Enum("WATCH", "WRITE", "REASON", "PLAN", "APPROVE", "ACT", "LOG", "CLOSE")),
	), s.handleTaskList)

	s.mcp.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Get a single task with its full body."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleTaskGet)

	s.mcp.AddTool(mcp.NewTool("plan_get",
		mcp.WithDescription("Get the plan for a task, its approval status and step progress."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handlePlanGet)

	s.mcp.AddTool(mcp.NewTool("audit_query",
		mcp.WithDescription("Query audit entries across all days, oldest first."),
		mcp.WithString("task_id", mcp.Description("Task ID or a prefix of at least 8 characters")),
		mcp.WithString("actor", mcp.Description("Only entries by this actor"),
			mcp.Enum("system", "human", "executor")),
		mcp.WithString("outcome", mcp.Description("Only entries with this outcome"),
			mcp.Enum("success", "failure", "pending")),
		mcp.WithNumber("limit", mcp.Description("Return at most this many of the newest matching entries")),
	), s.handleAuditQuery)

	s.mcp.AddTool(mcp.NewTool("audit_verify",
		mcp.WithDescription("Verify checksums and timestamp order of one day's audit log, or of every day when date is omitted."),
		mcp.WithString("date", mcp.Description("Day to verify, YYYY-MM-DD")),
	), s.handleAuditVerify)

	s.mcp.AddTool(mcp.NewTool("error_list",
		mcp.WithDescription("List error reports, most severe and newest first when open_only is set."),
		mcp.WithBoolean("open_only", mcp.Description("Only reports that are still open")),
	), s.handleErrorList)

	s.mcp.AddTool(mcp.NewTool("error_resolve",
		mcp.WithDescription("Mark an open error report as resolved."),
		mcp.WithString("error_id", mcp.Required(), mcp.Description("Error report ID")),
		mcp.WithString("notes", mcp.Description("What was done about it")),
	), s.handleErrorResolve)
}
