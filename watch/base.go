package watch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// maxNotifyFailures is how many deliveries in a row may fail before a
// subscriber is dropped.
const maxNotifyFailures = 3

type Subscription struct {
	ID       string
	Notifier Notifier

	failures int
}

// BaseWatcher keeps the subscriber set for one feed topic and fans
// notifications out to it.
type BaseWatcher struct {
	topic string

	mu   sync.RWMutex
	subs map[string]*Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

func NewBaseWatcher(topic string) *BaseWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &BaseWatcher{
		topic:  topic,
		subs:   make(map[string]*Subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// GenerateID returns a subscription id of the form <topic>_<uuid>.
func (b *BaseWatcher) GenerateID() string {
	return b.topic + "_" + uuid.NewString()
}

func (b *BaseWatcher) AddSubscription(sub *Subscription) {
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
}

// RemoveSubscription returns the removed subscription, or nil if id was
// not subscribed.
func (b *BaseWatcher) RemoveSubscription(id string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return nil
	}
	delete(b.subs, id)
	return sub
}

func (b *BaseWatcher) Unsubscribe(id string) {
	b.RemoveSubscription(id)
}

func (b *BaseWatcher) snapshot() []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (b *BaseWatcher) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *BaseWatcher) HasSubscriptions() bool {
	return b.SubscriberCount() > 0
}

// NotifyAll sends method to every subscriber and returns how many
// deliveries succeeded. Subscribers for which makeParams returns nil are
// skipped. A subscriber that keeps failing is dropped.
func (b *BaseWatcher) NotifyAll(method string, makeParams func(sub *Subscription) any) int {
	delivered := 0
	for _, sub := range b.snapshot() {
		params := makeParams(sub)
		if params == nil {
			continue
		}
		n := Notification{Method: method, Params: params}
		err := sub.Notifier.Notify(b.ctx, n)
		if err == nil {
			b.trackFailure(sub, false)
			delivered++
			continue
		}
		if b.trackFailure(sub, true) >= maxNotifyFailures {
			b.RemoveSubscription(sub.ID)
			slog.Warn("dropping unreachable subscriber", "topic", b.topic, "id", sub.ID, "error", err)
			continue
		}
		slog.Debug("failed to notify subscriber", "topic", b.topic, "id", sub.ID, "error", err)
	}
	return delivered
}

func (b *BaseWatcher) trackFailure(sub *Subscription, failed bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if failed {
		sub.failures++
	} else {
		sub.failures = 0
	}
	return sub.failures
}

func (b *BaseWatcher) Context() context.Context { return b.ctx }
func (b *BaseWatcher) Cancel()                  { b.cancel() }
