// ABOUTME: Link and Dialer abstractions underneath the relay connection
// ABOUTME: A Link is one physical session; Conn replaces it on reconnect

package transport

import "context"

// Delivery is one payload received on a subscription.
type Delivery struct {
	SubscriptionID string
	Destination    string
	Body           []byte
}

// Link is a single physical relay session. Implementations must be safe for
// concurrent use by one reader of Deliveries and any number of writers.
type Link interface {
	Subscribe(id, topic string) error
	Unsubscribe(id string) error
	Send(destination string, body []byte) error
	// Deliveries yields inbound payloads until the link ends.
	Deliveries() <-chan Delivery
	// Done is closed when the link ends for any reason.
	Done() <-chan struct{}
	// Err reports why the link ended, nil after a clean Close.
	Err() error
	Close() error
}

// Dialer opens new links.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Link, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Link, error) {
	return f(ctx)
}
