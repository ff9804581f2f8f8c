package escalation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/taskvault/server/document"
	"github.com/taskvault/server/lock"
	"github.com/taskvault/server/task"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CommunicationFailure},
		{"net timeout", timeoutErr{}, CommunicationFailure},
		{"transition", &task.InvalidTransitionError{TaskID: "a", From: task.StageWatch, To: task.StageAct}, StateMachineViolation},
		{"lock", &lock.ContentionError{Key: "k", Attempts: 3}, FilesystemError},
		{"malformed", fmt.Errorf("read: %w", document.ErrMalformed), ValidationError},
		{"path", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, FilesystemError},
		{"keyword payment", errors.New("payment gateway declined"), PaymentFailure},
		{"keyword network", errors.New("connection reset by peer"), CommunicationFailure},
		{"keyword identity", errors.New("401 unauthorized"), IdentityFailure},
		{"fallback", errors.New("something odd"), ProcessingError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestCreateFromError(t *testing.T) {
	s, _ := newTestStore(t)

	r, err := s.CreateFromError(context.Background(), errors.New("something odd"), "processing task", "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.ErrorType != ProcessingError || r.TaskID != "task-1" || r.Context != "processing task" {
		t.Errorf("report = %+v", r)
	}
	if len(r.SuggestedOptions) < 2 {
		t.Errorf("SuggestedOptions = %v", r.SuggestedOptions)
	}

	if _, err := s.CreateFromError(context.Background(), nil, "", ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("nil error err = %v", err)
	}
}
