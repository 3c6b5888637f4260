package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

type fakeSub struct {
	backend *fakeBackend
	filter  chat.Filter
	orderBy string
	l       chat.Listener
	closed  bool
}

func (s *fakeSub) Close() error {
	s.backend.mu.Lock()
	s.closed = true
	s.backend.mu.Unlock()
	return nil
}

// fakeBackend delivers snapshots only when a test pushes them, and lets tests decide
// how each write resolves.
type fakeBackend struct {
	mu      sync.Mutex
	subs    []*fakeSub
	created []chat.Message
	next    int
	create  func(ctx context.Context, m chat.Message) (string, error)
	subErr  error
}

func (b *fakeBackend) Subscribe(_ context.Context, filter chat.Filter, orderBy string, l chat.Listener) (chat.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return nil, b.subErr
	}
	s := &fakeSub{backend: b, filter: filter, orderBy: orderBy, l: l}
	b.subs = append(b.subs, s)
	return s, nil
}

func (b *fakeBackend) Create(ctx context.Context, m chat.Message) (string, error) {
	b.mu.Lock()
	b.created = append(b.created, m)
	b.next++
	id := fmt.Sprintf("m%d", b.next)
	create := b.create
	b.mu.Unlock()
	if create != nil {
		return create(ctx, m)
	}
	return id, nil
}

// push delivers snapshot to every live subscription with filter.
func (b *fakeBackend) push(filter chat.Filter, snapshot []chat.Message) {
	for _, s := range b.live() {
		if s.filter == filter && s.l.OnSnapshot != nil {
			s.l.OnSnapshot(snapshot)
		}
	}
}

func (b *fakeBackend) fail(filter chat.Filter, err error) {
	for _, s := range b.live() {
		if s.filter == filter && s.l.OnError != nil {
			s.l.OnError(err)
		}
	}
}

func (b *fakeBackend) live() []*fakeSub {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*fakeSub
	for _, s := range b.subs {
		if !s.closed {
			out = append(out, s)
		}
	}
	return out
}

func (b *fakeBackend) createCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.created)
}

type writeResult struct {
	id  string
	err error
}

// gated makes every Create block until the test releases a result.
func (b *fakeBackend) gated() chan writeResult {
	ch := make(chan writeResult, 1)
	b.mu.Lock()
	b.create = func(ctx context.Context, _ chat.Message) (string, error) {
		select {
		case r := <-ch:
			return r.id, r.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	b.mu.Unlock()
	return ch
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

// fakeClock hands out timers that only fire when the test advances it.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// fire runs every timer that was neither stopped nor fired yet, including stopped ones
// when force is set, to model a callback racing with Stop.
func (c *fakeClock) fire(force bool) int {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.timers {
		if t.fired || (t.stopped && !force) {
			continue
		}
		t.fired = true
		due = append(due, t)
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
	return len(due)
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

var base = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func msg(id string, key chat.Key, role chat.Role, body string, createdAt time.Time) chat.Message {
	m := chat.Message{
		ID:            id,
		SenderRole:    role,
		Body:          body,
		CreatedAt:     createdAt,
		DeliveryState: chat.StateConfirmed,
	}
	switch key.Field {
	case chat.FieldUserID:
		m.UserID = key.Value
	case chat.FieldEmail:
		m.Email = key.Value
	}
	m.ConversationKey = key.String()
	return m
}

func ids(view []chat.Message) []string {
	out := make([]string, len(view))
	for i, m := range view {
		out[i] = m.ID
	}
	return out
}

func renderedIDs(view []RenderedMessage) []string {
	out := make([]string, len(view))
	for i, m := range view {
		out[i] = m.ID
	}
	return out
}
