package lifecycle

import (
	"time"

	"github.com/taskvault/server/task"
)

type EventType string

const (
	EventStarted          EventType = "orchestrator_started"
	EventStopped          EventType = "orchestrator_stopped"
	EventTransitioned     EventType = "task_transitioned"
	EventAwaitingApproval EventType = "task_awaiting_approval"
	EventCompleted        EventType = "task_completed"
	EventFailed           EventType = "task_failed"
	EventQuarantined      EventType = "task_quarantined"
	EventErrorReport      EventType = "error_report"
	EventReminder         EventType = "approval_reminder"
)

// Event is published to subscribers as the orchestrator works.
type Event struct {
	Type    EventType  `json:"type"`
	TaskID  string     `json:"task_id,omitempty"`
	From    task.Stage `json:"from,omitempty"`
	To      task.Stage `json:"to,omitempty"`
	Message string     `json:"message,omitempty"`
	Time    time.Time  `json:"time"`
}

const defaultSubscriberBuffer = 64

// Subscribe returns a channel of orchestrator events and a function that
// cancels the subscription. Slow subscribers lose events rather than
// stalling task processing.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	o.subMu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.subscribers[id] = ch
	o.subMu.Unlock()

	return ch, func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if c, ok := o.subscribers[id]; ok {
			delete(o.subscribers, id)
			close(c)
		}
	}
}

func (o *Orchestrator) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
