package audit

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/taskvault/server/checksum"
)

// SystemTaskID marks entries that are not about a single task.
const SystemTaskID = "system"

var ErrInvalidEntry = errors.New("invalid audit entry")

type Actor string

const (
	ActorSystem   Actor = "system"
	ActorHuman    Actor = "human"
	ActorExecutor Actor = "executor"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

// Entry is one line of an audit partition.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id"`
	StateFrom string    `json:"state_from,omitempty"`
	StateTo   string    `json:"state_to"`
	Actor     Actor     `json:"actor"`
	Outcome   Outcome   `json:"outcome"`
	Details   string    `json:"details,omitempty"`
	Checksum  string    `json:"checksum"`
}

// fields returns every field except the checksum in its canonical string
// form.
func (e Entry) fields() map[string]string {
	return map[string]string{
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
		"task_id":    e.TaskID,
		"state_from": e.StateFrom,
		"state_to":   e.StateTo,
		"actor":      string(e.Actor),
		"outcome":    string(e.Outcome),
		"details":    e.Details,
	}
}

// normalized replaces invalid UTF-8 in every text field with U+FFFD, the
// same substitution encoding/json makes on write, so the hashed form is
// the stored form.
func (e Entry) normalized() Entry {
	clean := func(s string) string { return strings.ToValidUTF8(s, "\uFFFD") }
	e.TaskID = clean(e.TaskID)
	e.StateFrom = clean(e.StateFrom)
	e.StateTo = clean(e.StateTo)
	e.Actor = Actor(clean(string(e.Actor)))
	e.Outcome = Outcome(clean(string(e.Outcome)))
	e.Details = clean(e.Details)
	return e
}

// ComputeChecksum hashes all fields but Checksum.
func (e Entry) ComputeChecksum() string {
	return checksum.Sum(e.fields())
}

// Verify reports whether the stored checksum matches the other fields.
func (e Entry) Verify() bool {
	return checksum.Verify(e.fields(), e.Checksum)
}

func (e Entry) validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.StateTo == "" {
		return errors.New("state_to is required")
	}
	switch e.Actor {
	case ActorSystem, ActorHuman, ActorExecutor:
	default:
		return errors.New("unknown actor " + strconv.Quote(string(e.Actor)))
	}
	switch e.Outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomePending:
	default:
		return errors.New("unknown outcome " + strconv.Quote(string(e.Outcome)))
	}
	return nil
}

// MatchesTaskID reports whether the entry belongs to id. Older entries may
// carry a truncated id, and callers may pass one, so a prefix match in
// either direction counts once the shorter side has at least
// MinTaskIDPrefix characters.
func (e Entry) MatchesTaskID(id string) bool {
	return matchID(e.TaskID, id)
}

const MinTaskIDPrefix = 8

func matchID(a, b string) bool {
	if a == b {
		return true
	}
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	return len(short) >= MinTaskIDPrefix && long[:len(short)] == short
}
