package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/metrics"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
	"github.com/zhouzirui/bookstore-chat/backend/internal/service/events"
)

var (
	ErrInvalidMessage   = errors.New("invalid message")
	ErrInvalidFilter    = errors.New("invalid filter")
	ErrUnsupportedOrder = errors.New("unsupported order")
	ErrClosed           = errors.New("store closed")
)

// Store is the shared message collection: durable writes plus push subscriptions that
// deliver the full filtered result set after every change.
type Store interface {
	Create(ctx context.Context, m chat.Message) (string, error)
	Subscribe(ctx context.Context, filter chat.Filter, orderBy string, l chat.Listener) (chat.Subscription, error)
	Snapshot(ctx context.Context, filter chat.Filter) ([]chat.Message, error)
	Close() error
}

// Option customises a store.
type Option func(*options)

type options struct {
	publisher events.Publisher
	now       func() time.Time
}

// WithPublisher emits a MessageCreated event after each durable write.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithClock overrides the server clock used to stamp createdAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{publisher: events.Nop{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// prepare validates an incoming payload and stamps the server-owned fields.
func prepare(m chat.Message, now time.Time) (chat.Message, error) {
	m.Body = strings.TrimSpace(m.Body)
	if m.Body == "" {
		return chat.Message{}, errors.Wrap(ErrInvalidMessage, "text is required")
	}
	if !m.SenderRole.Valid() {
		return chat.Message{}, errors.Wrapf(ErrInvalidMessage, "unknown sender %q", m.SenderRole)
	}
	key, ok := m.Key()
	if !ok {
		return chat.Message{}, errors.Wrap(ErrInvalidMessage, "userId or email is required")
	}

	m.ID = uuid.NewString()
	m.ConversationKey = key.String()
	m.CreatedAt = now.UTC()
	m.DeliveryState = chat.StateConfirmed
	return m, nil
}

func checkQuery(filter chat.Filter, orderBy string) error {
	if !filter.Valid() {
		return errors.Wrapf(ErrInvalidFilter, "%s == %q", filter.Field, filter.Equals)
	}
	if orderBy != "" && orderBy != chat.OrderByCreatedAt {
		return errors.Wrapf(ErrUnsupportedOrder, "orderBy %q", orderBy)
	}
	return nil
}

// sortByCreatedAt orders ascending, keeping insertion order for equal timestamps.
func sortByCreatedAt(messages []chat.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}

// afterWrite runs the bookkeeping every backend shares once a message is durable.
func afterWrite(ctx context.Context, o options, h *hub, m chat.Message) {
	metrics.MessagesCreated.WithLabelValues(string(m.SenderRole)).Inc()
	h.notify(m)
	if err := o.publisher.MessageCreated(ctx, m); err != nil {
		logger.Warn("[store] publish message event failed", zap.String("id", m.ID), zap.Error(err))
	}
}
