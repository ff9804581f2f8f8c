// Package mcp exposes the vault to AI agents as a stdio MCP server. Every
// tool reads state from the documents; error_resolve is the only tool that
// changes anything.
package mcp

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/server"

	"github.com/taskvault/server/audit"
	"github.com/taskvault/server/escalation"
	"github.com/taskvault/server/plan"
	"github.com/taskvault/server/task"
)

// AuditLog is the read side of the audit trail.
type AuditLog interface {
	Query(f audit.Filter) ([]audit.Entry, error)
	Dates() ([]string, error)
	VerifyIntegrity(date string) (audit.IntegrityReport, error)
	VerifyAll() ([]audit.IntegrityReport, error)
}

type Server struct {
	tasks  task.Store
	plans  plan.Store
	audit  AuditLog
	errors escalation.Store
	mcp    *server.MCPServer
}

func NewServer(tasks task.Store, plans plan.Store, log AuditLog, errs escalation.Store, version string) *Server {
	s := &Server{
		tasks:  tasks,
		plans:  plans,
		audit:  log,
		errors: errs,
		mcp:    server.NewMCPServer("taskvault", version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

// Run serves MCP over the given streams until ctx is cancelled or in is
// closed.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}
