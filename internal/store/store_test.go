package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

func recvSnapshot(t *testing.T, ch <-chan []chat.Message) []chat.Message {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func collect(ch chan []chat.Message) chat.Listener {
	return chat.Listener{
		OnSnapshot: func(snapshot []chat.Message) { ch <- snapshot },
	}
}

func fixedClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestMemoryStoreCreateStampsServerFields(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithClock(fixedClock(start)))
	defer s.Close()
	ctx := context.Background()

	clientTime := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	id, err := s.Create(ctx, chat.Message{
		ID:         "temp_abc",
		Email:      "a@x.com",
		Name:       "Alice",
		SenderRole: chat.RoleCustomer,
		Body:       "  hello  ",
		CreatedAt:  clientTime,
	})
	if err != nil {
		t.Fatalf("Create err: %v", err)
	}
	if id == "" || chat.IsTemporaryID(id) {
		t.Fatalf("expected durable id, got %q", id)
	}

	snap, err := s.Snapshot(ctx, chat.Filter{Field: chat.FieldEmail, Equals: "a@x.com"})
	if err != nil {
		t.Fatalf("Snapshot err: %v", err)
	}
	if len(snap) != 1 {
		t.Fatalf("expected 1 message, got %d", len(snap))
	}
	got := snap[0]
	if got.ID != id {
		t.Fatalf("unexpected id: got %s want %s", got.ID, id)
	}
	if got.Body != "hello" {
		t.Fatalf("expected trimmed body, got %q", got.Body)
	}
	if !got.CreatedAt.Equal(start.Add(time.Second)) {
		t.Fatalf("expected server timestamp, got %v", got.CreatedAt)
	}
	if got.DeliveryState != chat.StateConfirmed {
		t.Fatalf("expected confirmed state, got %s", got.DeliveryState)
	}
	if got.ConversationKey != "email:a@x.com" {
		t.Fatalf("unexpected conversation key %q", got.ConversationKey)
	}
}

func TestMemoryStoreEmailFilterExcludesUserConversations(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Create(ctx, chat.Message{UserID: "u1", Email: "a@x.com", SenderRole: chat.RoleCustomer, Body: "private to u1"}); err != nil {
		t.Fatalf("Create err: %v", err)
	}
	guestID, err := s.Create(ctx, chat.Message{Email: "a@x.com", SenderRole: chat.RoleCustomer, Body: "guest"})
	if err != nil {
		t.Fatalf("Create err: %v", err)
	}

	emailKey := chat.Key{Field: chat.FieldEmail, Value: "a@x.com"}
	snap, err := s.Snapshot(ctx, emailKey.Filter())
	if err != nil {
		t.Fatalf("Snapshot err: %v", err)
	}
	if len(snap) != 1 || snap[0].ID != guestID {
		t.Fatalf("email conversation leaked messages: %+v", snap)
	}

	ch := make(chan []chat.Message, 4)
	sub, err := s.Subscribe(ctx, emailKey.Filter(), chat.OrderByCreatedAt, collect(ch))
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	defer sub.Close()
	if got := recvSnapshot(t, ch); len(got) != 1 || got[0].ID != guestID {
		t.Fatalf("initial snapshot leaked messages: %+v", got)
	}

	// an admin reply to the userId thread carries the customer's email too
	if _, err := s.Create(ctx, chat.Message{UserID: "u1", Email: "a@x.com", SenderRole: chat.RoleAdmin, Body: "reply to u1"}); err != nil {
		t.Fatalf("Create err: %v", err)
	}
	select {
	case got := <-ch:
		t.Fatalf("email subscriber notified of userId write: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}

	owned, err := s.Snapshot(ctx, chat.Key{Field: chat.FieldUserID, Value: "u1"}.Filter())
	if err != nil {
		t.Fatalf("Snapshot err: %v", err)
	}
	if len(owned) != 2 {
		t.Fatalf("expected 2 messages for u1, got %d", len(owned))
	}
}

func TestMemoryStoreCreateRejectsInvalid(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	cases := map[string]chat.Message{
		"blank body":    {Email: "a@x.com", SenderRole: chat.RoleCustomer, Body: "   "},
		"no key":        {SenderRole: chat.RoleCustomer, Body: "hi"},
		"unknown role":  {Email: "a@x.com", SenderRole: "robot", Body: "hi"},
		"empty payload": {},
	}
	for name, msg := range cases {
		if _, err := s.Create(ctx, msg); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("%s: expected ErrInvalidMessage, got %v", name, err)
		}
	}
}

func TestMemoryStoreSubscribeDeliversFullSnapshots(t *testing.T) {
	s := NewMemoryStore(WithClock(fixedClock(time.Now())))
	defer s.Close()
	ctx := context.Background()

	ch := make(chan []chat.Message, 8)
	sub, err := s.Subscribe(ctx, chat.Filter{Field: chat.FieldUserID, Equals: "u1"}, chat.OrderByCreatedAt, collect(ch))
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	defer sub.Close()

	if first := recvSnapshot(t, ch); len(first) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d", len(first))
	}

	if _, err := s.Create(ctx, chat.Message{UserID: "u1", SenderRole: chat.RoleCustomer, Body: "one"}); err != nil {
		t.Fatalf("Create err: %v", err)
	}
	if _, err := s.Create(ctx, chat.Message{UserID: "u2", SenderRole: chat.RoleCustomer, Body: "other"}); err != nil {
		t.Fatalf("Create err: %v", err)
	}
	if _, err := s.Create(ctx, chat.Message{UserID: "u1", SenderRole: chat.RoleAdmin, Body: "two"}); err != nil {
		t.Fatalf("Create err: %v", err)
	}

	var last []chat.Message
	deadline := time.After(2 * time.Second)
	for len(last) < 2 {
		select {
		case last = <-ch:
		case <-deadline:
			t.Fatalf("expected both u1 messages, last snapshot had %d", len(last))
		}
	}
	if last[0].Body != "one" || last[1].Body != "two" {
		t.Fatalf("unexpected order: %q, %q", last[0].Body, last[1].Body)
	}
	for _, m := range last {
		if m.UserID != "u1" {
			t.Fatalf("filter leaked message for %s", m.UserID)
		}
	}
}

func TestMemoryStoreSubscribeRejectsUnsupportedOrder(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.Subscribe(context.Background(), chat.Filter{}, "updatedAt", chat.Listener{})
	if !errors.Is(err, ErrUnsupportedOrder) {
		t.Fatalf("expected ErrUnsupportedOrder, got %v", err)
	}
}

func TestSubscriptionCloseStopsDeliveries(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	ch := make(chan []chat.Message, 8)
	sub, err := s.Subscribe(ctx, chat.Filter{}, chat.OrderByCreatedAt, collect(ch))
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	recvSnapshot(t, ch)

	if err := sub.Close(); err != nil {
		t.Fatalf("Close err: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close err: %v", err)
	}

	if _, err := s.Create(ctx, chat.Message{Email: "a@x.com", SenderRole: chat.RoleCustomer, Body: "late"}); err != nil {
		t.Fatalf("Create err: %v", err)
	}

	select {
	case snap := <-ch:
		t.Fatalf("unexpected delivery after close: %v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan []chat.Message, 8)
	errCh := make(chan error, 1)
	l := collect(ch)
	l.OnError = func(err error) { errCh <- err }
	sub, err := s.Subscribe(ctx, chat.Filter{}, "", l)
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	recvSnapshot(t, ch)

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("context cancel was not reported")
	}
	done := make(chan struct{})
	go func() {
		_ = sub.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop after context cancel")
	}
}

func TestPebbleStorePersistsInCreatedAtOrder(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	s, err := OpenPebble(dir, WithClock(fixedClock(start)))
	if err != nil {
		t.Fatalf("OpenPebble err: %v", err)
	}
	for _, body := range []string{"first", "second", "third"} {
		if _, err := s.Create(ctx, chat.Message{Email: "a@x.com", SenderRole: chat.RoleCustomer, Body: body}); err != nil {
			t.Fatalf("Create err: %v", err)
		}
	}
	if _, err := s.Create(ctx, chat.Message{UserID: "u9", SenderRole: chat.RoleCustomer, Body: "elsewhere"}); err != nil {
		t.Fatalf("Create err: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close err: %v", err)
	}

	reopened, err := OpenPebble(dir, WithClock(fixedClock(start.Add(time.Hour))))
	if err != nil {
		t.Fatalf("reopen err: %v", err)
	}
	defer reopened.Close()

	snap, err := reopened.Snapshot(ctx, chat.Filter{Field: chat.FieldEmail, Equals: "a@x.com"})
	if err != nil {
		t.Fatalf("Snapshot err: %v", err)
	}
	if len(snap) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(snap))
	}
	for i, want := range []string{"first", "second", "third"} {
		if snap[i].Body != want {
			t.Fatalf("position %d: got %q want %q", i, snap[i].Body, want)
		}
	}

	all, err := reopened.Snapshot(ctx, chat.Filter{})
	if err != nil {
		t.Fatalf("Snapshot all err: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 messages in full stream, got %d", len(all))
	}

	if _, err := reopened.Create(ctx, chat.Message{Email: "a@x.com", SenderRole: chat.RoleAdmin, Body: "reply"}); err != nil {
		t.Fatalf("Create after reopen err: %v", err)
	}
	snap, err = reopened.Snapshot(ctx, chat.Filter{Field: chat.FieldEmail, Equals: "a@x.com"})
	if err != nil {
		t.Fatalf("Snapshot err: %v", err)
	}
	if len(snap) != 4 || snap[3].Body != "reply" {
		t.Fatalf("expected reply appended last, got %+v", snap)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []chat.Message
	err    error
}

func (p *recordingPublisher) MessageCreated(_ context.Context, m chat.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, m)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func TestMemoryStorePublishesAfterWrite(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	s := NewMemoryStore(WithPublisher(pub))
	defer s.Close()

	id, err := s.Create(context.Background(), chat.Message{UserID: "u1", SenderRole: chat.RoleAdmin, Body: "hi"})
	if err != nil {
		t.Fatalf("a failing publisher must not fail the write: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 1 || pub.events[0].ID != id {
		t.Fatalf("unexpected events: %+v", pub.events)
	}
}
