package feed

import (
	"log/slog"

	"github.com/taskvault/server/lifecycle"
	"github.com/taskvault/server/logger"
	"github.com/taskvault/server/watch"
)

const eventBuffer = 256

// EventSource publishes lifecycle events.
type EventSource interface {
	Subscribe(buffer int) (<-chan lifecycle.Event, func())
}

// EventWatcher forwards orchestrator events to feed subscribers as
// "lifecycle.event" notifications.
type EventWatcher struct {
	*watch.BaseWatcher
	source      EventSource
	unsubscribe func()
}

func NewEventWatcher(source EventSource) *EventWatcher {
	return &EventWatcher{
		BaseWatcher: watch.NewBaseWatcher("ev"),
		source:      source,
	}
}

func (w *EventWatcher) Start() {
	events, unsubscribe := w.source.Subscribe(eventBuffer)
	w.unsubscribe = unsubscribe
	go w.eventLoop(events)
	slog.Info("event watcher started")
}

func (w *EventWatcher) Stop() {
	w.Cancel()
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
	slog.Info("event watcher stopped")
}

func (w *EventWatcher) eventLoop(events <-chan lifecycle.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "event watcher crashed")
		}
	}()
	for {
		select {
		case <-w.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !w.HasSubscriptions() {
				continue
			}
			w.NotifyAll("lifecycle.event", func(sub *watch.Subscription) any {
				return eventParams{ID: sub.ID, Event: ev}
			})
		}
	}
}

// Subscribe registers notifier and returns its subscription id.
func (w *EventWatcher) Subscribe(notifier watch.Notifier) string {
	id := w.GenerateID()
	w.AddSubscription(&watch.Subscription{ID: id, Notifier: notifier})
	return id
}

type eventParams struct {
	ID string `json:"id"`
	lifecycle.Event
}
