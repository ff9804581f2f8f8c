package feed

import (
	"context"
	"errors"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/taskvault/server/watch"
)

var errDisconnected = errors.New("feed client disconnected")

// JSONRPCNotifier pushes watch notifications to one JSON-RPC client.
type JSONRPCNotifier struct {
	conn *jsonrpc2.Conn
}

var _ watch.Notifier = (*JSONRPCNotifier)(nil)

func NewJSONRPCNotifier(conn *jsonrpc2.Conn) *JSONRPCNotifier {
	return &JSONRPCNotifier{conn: conn}
}

func (n *JSONRPCNotifier) Notify(ctx context.Context, notif watch.Notification) error {
	select {
	case <-n.conn.DisconnectNotify():
		return errDisconnected
	default:
	}
	return n.conn.Notify(ctx, notif.Method, notif.Params)
}
