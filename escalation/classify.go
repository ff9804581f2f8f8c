package escalation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"

	"github.com/taskvault/server/document"
	"github.com/taskvault/server/lock"
	"github.com/taskvault/server/plan"
	"github.com/taskvault/server/task"
)

// keywordRules are checked in order against the lowercased error message
// when no typed error matched.
var keywordRules = []struct {
	t     ErrorType
	words []string
}{
	{PaymentFailure, []string{"payment", "invoice", "refund", "insufficient funds"}},
	{IdentityFailure, []string{"identity", "credential", "unauthorized", "authentication", "forbidden"}},
	{CommunicationFailure, []string{"timeout", "timed out", "connection", "network", "unreachable", "refused", "dns"}},
	{StateMachineViolation, []string{"transition", "state machine", "invalid state"}},
	{FilesystemError, []string{"permission denied", "no such file", "file exists", "disk", "read-only file system"}},
	{ValidationError, []string{"malformed", "invalid", "validation", "parse"}},
}

// Classify maps an arbitrary error onto the closed error type set. Typed
// errors are recognised first; the message is inspected only as a
// fallback.
func Classify(err error) ErrorType {
	if err == nil {
		return ProcessingError
	}

	var netErr net.Error
	var pathErr *fs.PathError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CommunicationFailure
	case errors.As(err, &netErr) && netErr.Timeout():
		return CommunicationFailure
	case errors.Is(err, task.ErrInvalidTransition):
		return StateMachineViolation
	case errors.Is(err, lock.ErrLockContention):
		return FilesystemError
	case errors.Is(err, document.ErrMalformed),
		errors.Is(err, task.ErrInvalidTask),
		errors.Is(err, plan.ErrInvalidPlan):
		return ValidationError
	case errors.As(err, &pathErr):
		return FilesystemError
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range keywordRules {
		for _, w := range rule.words {
			if strings.Contains(msg, w) {
				return rule.t
			}
		}
	}
	return ProcessingError
}

// CreateFromError classifies err and files a report for it.
func (s *FileStore) CreateFromError(ctx context.Context, err error, errContext, taskID string) (Report, error) {
	if err == nil {
		return Report{}, fmt.Errorf("%w: nil error", ErrInvalidInput)
	}
	return s.Create(ctx, Input{
		TaskID:    taskID,
		ErrorType: Classify(err),
		Details:   err.Error(),
		Context:   errContext,
	})
}
