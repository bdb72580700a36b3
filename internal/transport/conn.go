// ABOUTME: Shared relay connection with fixed-interval reconnect and replay
// ABOUTME: Routes deliveries to subscription handlers from a single goroutine

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultRetryInterval is the fixed delay between reconnect attempts.
	DefaultRetryInterval = 5 * time.Second
	// DefaultMaxAttempts bounds dial attempts per connect or reconnect.
	DefaultMaxAttempts = 10

	eventBufferSize = 32
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// HandleState is the lifecycle state of one subscription handle.
type HandleState int32

const (
	HandleConnecting HandleState = iota
	HandleActive
	HandleStale
)

func (s HandleState) String() string {
	switch s {
	case HandleConnecting:
		return "connecting"
	case HandleActive:
		return "active"
	case HandleStale:
		return "stale"
	default:
		return fmt.Sprintf("handle(%d)", int32(s))
	}
}

// Handler receives deliveries for one subscription.
type Handler func(Delivery)

// Replayer re-establishes subscriptions after each successful dial.
type Replayer interface {
	ReplayAll(ctx context.Context) error
}

// Event is emitted on every connection state change.
type Event struct {
	State State
	Err   error
}

// Config tunes a Conn. Zero values take the defaults.
type Config struct {
	RetryInterval time.Duration
	MaxAttempts   int
	Logger        *slog.Logger
}

// Handle identifies one topic subscription on the current link.
type Handle struct {
	id      string
	topic   string
	handler Handler
	state   atomic.Int32
}

// ID returns the subscription id sent to the relay.
func (h *Handle) ID() string { return h.id }

// Topic returns the subscribed topic.
func (h *Handle) Topic() string { return h.topic }

// State returns the handle's lifecycle state.
func (h *Handle) State() HandleState { return HandleState(h.state.Load()) }

func (h *Handle) setState(s HandleState) { h.state.Store(int32(s)) }

// Conn is the single relay connection of a client.
type Conn struct {
	dialer        Dialer
	retryInterval time.Duration
	maxAttempts   int
	logger        *slog.Logger

	mu       sync.Mutex
	state    State
	link     Link
	subs     map[string]*Handle
	replayer Replayer
	stop     chan struct{}
	nextSub  uint64

	events chan Event
	wg     sync.WaitGroup
}

// New creates a disconnected Conn.
func New(dialer Dialer, cfg Config) *Conn {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Conn{
		dialer:        dialer,
		retryInterval: cfg.RetryInterval,
		maxAttempts:   cfg.MaxAttempts,
		logger:        cfg.Logger.With("component", "transport"),
		subs:          make(map[string]*Handle),
		events:        make(chan Event, eventBufferSize),
	}
}

// SetReplayer installs the component that re-subscribes rooms after a dial.
func (c *Conn) SetReplayer(r Replayer) {
	c.mu.Lock()
	c.replayer = r
	c.mu.Unlock()
}

// Events returns state change notifications. Slow readers miss events.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the relay, retrying at the fixed interval, and replays
// registered subscriptions. It returns nil if already connected or
// reconnecting.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	stop := make(chan struct{})
	c.stop = stop
	c.mu.Unlock()
	c.emit(Event{State: StateConnecting})

	if err := c.establish(ctx, stop, "connect", false); err != nil {
		c.fail(stop, err)
		return err
	}
	return nil
}

// Disconnect tears down the link. Handles become Stale; the registry keeps
// its rooms so a later Connect replays them.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	if c.stop != nil {
		select {
		case <-c.stop:
		default:
			close(c.stop)
		}
	}
	link := c.link
	c.link = nil
	c.staleAllLocked()
	wasConnected := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	var err error
	if link != nil {
		err = link.Close()
	}
	if wasConnected {
		c.logger.Info("disconnected")
		c.emit(Event{State: StateDisconnected})
	}
	return err
}

// Close disconnects and waits for the delivery goroutine to exit. It must
// not be called from a Handler.
func (c *Conn) Close() error {
	err := c.Disconnect()
	c.wg.Wait()
	return err
}

// Publish sends payload to destination without waiting for any reply.
func (c *Conn) Publish(destination string, payload []byte) error {
	c.mu.Lock()
	link := c.link
	ready := c.state == StateReady
	c.mu.Unlock()

	if link == nil || !ready {
		return &TransportError{Op: "publish", Err: ErrNotConnected}
	}
	if err := link.Send(destination, payload); err != nil {
		return &TransportError{Op: "publish", Err: err}
	}
	return nil
}

// Subscribe opens a subscription on the current link. It is allowed while
// a reconnect is replaying.
func (c *Conn) Subscribe(topic string, handler Handler) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link == nil {
		return nil, &TransportError{Op: "subscribe", Err: ErrNotConnected}
	}

	c.nextSub++
	h := &Handle{
		id:      fmt.Sprintf("sub-%d", c.nextSub),
		topic:   topic,
		handler: handler,
	}
	h.setState(HandleConnecting)

	if err := c.link.Subscribe(h.id, topic); err != nil {
		h.setState(HandleStale)
		return nil, &TransportError{Op: "subscribe", Err: err}
	}
	h.setState(HandleActive)
	c.subs[h.id] = h

	c.logger.Debug("subscribed", "topic", topic, "sub_id", h.id)
	return h, nil
}

// Unsubscribe stops delivery to h immediately and tells the relay.
func (c *Conn) Unsubscribe(h *Handle) error {
	if h == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, known := c.subs[h.id]
	delete(c.subs, h.id)
	h.setState(HandleStale)

	if !known || c.link == nil {
		// The relay dropped the subscription with its link.
		return nil
	}
	if err := c.link.Unsubscribe(h.id); err != nil {
		return &TransportError{Op: "unsubscribe", Err: err}
	}
	c.logger.Debug("unsubscribed", "topic", h.topic, "sub_id", h.id)
	return nil
}

// establish dials up to maxAttempts times. Reconnects wait the retry
// interval before every attempt; an initial connect only between attempts.
func (c *Conn) establish(ctx context.Context, stop chan struct{}, op string, waitFirst bool) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if waitFirst || attempt > 1 {
			if err := c.wait(ctx, stop); err != nil {
				return &TransportError{Op: op, Attempts: attempt - 1, Err: err}
			}
		}

		link, err := c.dialer.Dial(ctx)
		if err != nil {
			lastErr = err
			c.logger.Warn("dial failed", "op", op, "attempt", attempt, "error", err)
			continue
		}

		if err := c.attach(ctx, stop, link); err != nil {
			_ = link.Close()
			if errors.Is(err, ErrClosed) {
				return &TransportError{Op: op, Attempts: attempt, Err: err}
			}
			lastErr = err
			c.logger.Warn("link setup failed", "op", op, "attempt", attempt, "error", err)
			continue
		}

		c.logger.Info("connected", "op", op, "attempt", attempt)
		return nil
	}
	return &TransportError{Op: op, Attempts: c.maxAttempts, Err: errors.Join(ErrReconnectExhausted, lastErr)}
}

func (c *Conn) wait(ctx context.Context, stop chan struct{}) error {
	t := time.NewTimer(c.retryInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return ErrClosed
	case <-t.C:
		return nil
	}
}

// attach installs link, runs the replay batch, and only then marks the
// connection ready and starts delivering.
func (c *Conn) attach(ctx context.Context, stop chan struct{}, link Link) error {
	c.mu.Lock()
	if isClosed(stop) {
		c.mu.Unlock()
		return ErrClosed
	}
	c.link = link
	replayer := c.replayer
	c.mu.Unlock()

	if replayer != nil {
		if err := replayer.ReplayAll(ctx); err != nil {
			c.mu.Lock()
			if c.link == link {
				c.link = nil
				c.staleAllLocked()
			}
			c.mu.Unlock()
			return fmt.Errorf("replaying subscriptions: %w", err)
		}
	}

	c.mu.Lock()
	if c.link != link || isClosed(stop) {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateReady
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(link, stop)
	c.emit(Event{State: StateReady})
	return nil
}

func (c *Conn) run(link Link, stop chan struct{}) {
	defer c.wg.Done()

	for d := range link.Deliveries() {
		c.dispatch(d)
	}
	c.lost(link, stop)
}

func (c *Conn) dispatch(d Delivery) {
	c.mu.Lock()
	h := c.subs[d.SubscriptionID]
	c.mu.Unlock()

	if h == nil || h.State() != HandleActive {
		c.logger.Debug("dropping delivery for unknown subscription",
			"sub_id", d.SubscriptionID,
			"destination", d.Destination)
		return
	}
	h.handler(d)
}

// lost handles an unexpected end of link by reconnecting in place.
func (c *Conn) lost(link Link, stop chan struct{}) {
	c.mu.Lock()
	if c.link != link {
		// Disconnect or a newer link already took over.
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.staleAllLocked()
	c.state = StateReconnecting
	c.mu.Unlock()

	cause := ErrConnectionLost
	if err := link.Err(); err != nil {
		cause = errors.Join(ErrConnectionLost, err)
	}
	c.logger.Warn("connection lost, reconnecting", "error", cause, "retry_interval", c.retryInterval)
	c.emit(Event{State: StateReconnecting, Err: &TransportError{Op: "read", Err: cause}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.establish(ctx, stop, "reconnect", true); err != nil {
		c.fail(stop, err)
	}
}

// fail records a terminal connect/reconnect failure unless Disconnect won.
func (c *Conn) fail(stop chan struct{}, err error) {
	c.mu.Lock()
	if isClosed(stop) || c.stop != stop {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Error("giving up on relay connection", "error", err)
	c.emit(Event{State: StateDisconnected, Err: err})
}

func (c *Conn) staleAllLocked() {
	for id, h := range c.subs {
		h.setState(HandleStale)
		delete(c.subs, id)
	}
}

func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("dropped transport event for slow reader", "state", ev.State.String())
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
