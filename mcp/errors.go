package mcp

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/taskvault/server/escalation"
	"github.com/taskvault/server/plan"
	"github.com/taskvault/server/task"
)

// ErrorCode classifies a failed tool call for the calling agent.
type ErrorCode string

const (
	CodeNotFound   ErrorCode = "not_found"
	CodeValidation ErrorCode = "validation"
	CodeConflict   ErrorCode = "conflict"
	CodeInternal   ErrorCode = "internal"
)

// ToolError is the JSON body of a failed tool call.
type ToolError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e ToolError) result() *mcp.CallToolResult {
	data, _ := json.Marshal(e)
	return mcp.NewToolResultError(string(data))
}

func invalidArgument(msg string) *mcp.CallToolResult {
	return ToolError{Code: CodeValidation, Message: msg}.result()
}

// storeError maps a store failure on resource/id to a tool error.
func storeError(resource, id string, err error) *mcp.CallToolResult {
	te := ToolError{Code: codeFor(err), Message: err.Error()}
	if te.Code == CodeNotFound {
		te.Message = resource + " not found"
		te.Details = map[string]any{resource + "_id": id}
	}
	return te.result()
}

func codeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, task.ErrNotFound),
		errors.Is(err, plan.ErrNotFound),
		errors.Is(err, escalation.ErrNotFound),
		errors.Is(err, os.ErrNotExist):
		return CodeNotFound
	case errors.Is(err, escalation.ErrNotOpen):
		return CodeConflict
	default:
		return CodeInternal
	}
}
