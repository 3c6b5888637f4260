package store

import (
	"context"
	"sync"

	"github.com/zhouzirui/bookstore-chat/backend/internal/metrics"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

// MemoryStore keeps the message collection in process memory, suitable for tests and
// single-node development.
type MemoryStore struct {
	opts options
	hub  *hub

	mu       sync.RWMutex
	messages []chat.Message
	closed   bool
}

// NewMemoryStore bootstraps an empty collection.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		opts:     buildOptions(opts),
		messages: make([]chat.Message, 0, 64),
	}
	s.hub = newHub(s.Snapshot)
	return s
}

// Create appends a message and returns its durable id.
func (s *MemoryStore) Create(ctx context.Context, m chat.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stored, err := prepare(m, s.opts.now())
	if err != nil {
		metrics.WriteFailures.Inc()
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		metrics.WriteFailures.Inc()
		return "", ErrClosed
	}
	s.messages = append(s.messages, stored)
	s.mu.Unlock()

	afterWrite(ctx, s.opts, s.hub, stored)
	return stored.ID, nil
}

// Snapshot returns the current filtered result set ordered by createdAt.
func (s *MemoryStore) Snapshot(ctx context.Context, filter chat.Filter) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkQuery(filter, ""); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]chat.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if filter.Match(m) {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()

	sortByCreatedAt(out)
	return out, nil
}

// Subscribe opens a push subscription; the first delivery is the current result set.
func (s *MemoryStore) Subscribe(ctx context.Context, filter chat.Filter, orderBy string, l chat.Listener) (chat.Subscription, error) {
	if err := checkQuery(filter, orderBy); err != nil {
		return nil, err
	}
	return s.hub.subscribe(ctx, filter, l)
}

// Close ends every subscription and rejects further writes.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.close()
	return nil
}
