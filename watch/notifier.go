package watch

import "context"

// Notification is a message pushed to a feed subscriber.
type Notification struct {
	Method string
	Params any
}

// Notifier delivers notifications to one subscriber. WebSocket clients use
// feed.JSONRPCNotifier.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
