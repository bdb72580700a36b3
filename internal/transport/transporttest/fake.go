// ABOUTME: In-memory Link and Dialer fakes for exercising transport.Conn
// ABOUTME: Lets tests drop links, inject deliveries, and inspect subscriptions

// Package transporttest provides fakes for code built on transport.Conn.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/consult-session/internal/transport"
)

// Sent is one payload published through a Link.
type Sent struct {
	Destination string
	Body        []byte
}

// Link is a controllable transport.Link.
type Link struct {
	mu           sync.Mutex
	order        []string
	byID         map[string]string
	unsubscribed []string
	sent         []Sent
	// FailSubscribe makes Subscribe fail for the listed topics.
	FailSubscribe map[string]bool
	OnSend        func(Sent)

	// dmu orders Deliver against Drop so a send never hits a closed channel.
	dmu        sync.Mutex
	deliveries chan transport.Delivery
	done       chan struct{}
	once       sync.Once
	err        error
}

// NewLink returns an open fake link.
func NewLink() *Link {
	return &Link{
		byID:          make(map[string]string),
		FailSubscribe: make(map[string]bool),
		deliveries:    make(chan transport.Delivery, 64),
		done:          make(chan struct{}),
	}
}

func (l *Link) Subscribe(id, topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailSubscribe[topic] {
		return errors.New("subscribe refused")
	}
	l.order = append(l.order, topic)
	l.byID[id] = topic
	return nil
}

func (l *Link) Unsubscribe(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if topic, ok := l.byID[id]; ok {
		l.unsubscribed = append(l.unsubscribed, topic)
		delete(l.byID, id)
	}
	return nil
}

func (l *Link) Send(destination string, body []byte) error {
	select {
	case <-l.done:
		return errors.New("link closed")
	default:
	}
	s := Sent{Destination: destination, Body: append([]byte(nil), body...)}
	l.mu.Lock()
	l.sent = append(l.sent, s)
	hook := l.OnSend
	l.mu.Unlock()
	if hook != nil {
		hook(s)
	}
	return nil
}

func (l *Link) Deliveries() <-chan transport.Delivery { return l.deliveries }
func (l *Link) Done() <-chan struct{}                 { return l.done }

func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Link) Close() error {
	l.Drop(nil)
	return nil
}

// Drop ends the link as if the socket failed with err.
func (l *Link) Drop(err error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		l.dmu.Lock()
		close(l.done)
		close(l.deliveries)
		l.dmu.Unlock()
	})
}

// Deliver pushes body to every live subscription on topic. It reports
// whether any subscription matched.
func (l *Link) Deliver(topic string, body []byte) bool {
	l.mu.Lock()
	var ids []string
	for id, tp := range l.byID {
		if tp == topic {
			ids = append(ids, id)
		}
	}
	l.mu.Unlock()

	l.dmu.Lock()
	defer l.dmu.Unlock()
	select {
	case <-l.done:
		return false
	default:
	}
	for _, id := range ids {
		l.deliveries <- transport.Delivery{SubscriptionID: id, Destination: topic, Body: body}
	}
	return len(ids) > 0
}

// Topics returns every topic subscribed on this link, in call order.
func (l *Link) Topics() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

// Live returns the topics currently subscribed.
func (l *Link) Live() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	live := make(map[string]int)
	for _, tp := range l.byID {
		live[tp]++
	}
	return live
}

// Unsubscribed returns topics unsubscribed on this link.
func (l *Link) Unsubscribed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.unsubscribed...)
}

// Sent returns payloads published on this link.
func (l *Link) Sent() []Sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Sent(nil), l.sent...)
}

// Dialer hands out fresh Links and can be told to refuse.
type Dialer struct {
	mu     sync.Mutex
	links  []*Link
	refuse bool
	// Prepare, if set, configures each new link before it is returned.
	Prepare func(*Link)
}

func (d *Dialer) Dial(ctx context.Context) (transport.Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.refuse {
		return nil, errors.New("connection refused")
	}
	l := NewLink()
	if d.Prepare != nil {
		d.Prepare(l)
	}
	d.links = append(d.links, l)
	return l, nil
}

// Refuse toggles dial failures.
func (d *Dialer) Refuse(refuse bool) {
	d.mu.Lock()
	d.refuse = refuse
	d.mu.Unlock()
}

// Links returns the number of successful dials.
func (d *Dialer) Links() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links)
}

// Link returns the i-th dialed link.
func (d *Dialer) Link(i int) *Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[i]
}

// Current returns the most recently dialed link.
func (d *Dialer) Current() *Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		return nil
	}
	return d.links[len(d.links)-1]
}
