package rooms

import "context"

// Dispatcher routes one inbound frame at a time for a connection and hears
// about the connection going away. The read pump calls Dispatch serially, so
// a connection's events are handled in arrival order.
type Dispatcher interface {
	Dispatch(ctx context.Context, client *Client, payload []byte)
	Disconnected(ctx context.Context, client *Client)
}
