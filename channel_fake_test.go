package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/samber/lo"
)

// fakeChannel is an in-memory Channel. Subscribe and ping commands are
// answered on the inbound queue unless acks are switched off.
type fakeChannel struct {
	inbound   chan Envelope
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writes   []Envelope
	dropErr  error
	noAck    map[string]bool
	ackError string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		inbound: make(chan Envelope, 128),
		closed:  make(chan struct{}),
		noAck:   make(map[string]bool),
	}
}

func (c *fakeChannel) Read(ctx context.Context) (Envelope, error) {
	select {
	case env := <-c.inbound:
		return env, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.dropErr != nil {
			return Envelope{}, c.dropErr
		}
		return Envelope{}, fmt.Errorf("%w: closed", ErrChannelUnavailable)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *fakeChannel) Write(_ context.Context, env Envelope) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: write on closed channel", ErrChannelUnavailable)
	default:
	}

	c.mu.Lock()
	c.writes = append(c.writes, env)
	skip := c.noAck[env.Type]
	ackError := c.ackError
	c.mu.Unlock()

	if skip || env.RequestID == "" {
		return nil
	}
	var reply Envelope
	switch {
	case env.Type == CommandSubscribe && ackError != "":
		reply, _ = NewEnvelope(EventError, ErrorPayload{Code: ackError, Message: "refused"}, env.RequestID)
	case env.Type == CommandSubscribe:
		reply = Envelope{Type: EventSubscribed, Payload: env.Payload, RequestID: env.RequestID}
	case env.Type == CommandPing:
		reply = Envelope{Type: EventPong, RequestID: env.RequestID}
	default:
		return nil
	}
	c.inbound <- reply
	return nil
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the server going away with the given read error.
func (c *fakeChannel) drop(err error) {
	c.mu.Lock()
	c.dropErr = err
	c.mu.Unlock()
	_ = c.Close()
}

func (c *fakeChannel) withoutAck(typ string) {
	c.mu.Lock()
	c.noAck[typ] = true
	c.mu.Unlock()
}

func (c *fakeChannel) push(typ string, payload any) {
	env, err := NewEnvelope(typ, payload, "")
	if err != nil {
		panic(err)
	}
	c.inbound <- env
}

func (c *fakeChannel) written(typ string) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Filter(c.writes, func(e Envelope, _ int) bool { return e.Type == typ })
}

// subscribedTo lists conversation ids of every subscribe command written.
func (c *fakeChannel) subscribedTo() []string {
	return lo.Map(c.written(CommandSubscribe), func(e Envelope, _ int) string {
		var p SubscriptionPayload
		_ = json.Unmarshal(e.Payload, &p)
		return p.ConversationID
	})
}

// fakeDialer hands out fresh fakeChannels. Queued errors are returned by
// the next dials, one each.
type fakeDialer struct {
	mu       sync.Mutex
	errs     []error
	channels []*fakeChannel
	attempts int
	prepare  func(*fakeChannel)
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	ch := newFakeChannel()
	if d.prepare != nil {
		d.prepare(ch)
	}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) fail(errs ...error) {
	d.mu.Lock()
	d.errs = append(d.errs, errs...)
	d.mu.Unlock()
}

// dials counts successful dials.
func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}
