package chat

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

// SurfaceOptions tunes a Widget or Console.
type SurfaceOptions struct {
	// NewMessageTTL is how long arrivals stay highlighted; DefaultNewMessageTTL when zero.
	NewMessageTTL time.Duration
	// OnChange fires after the rendered view changed. It runs on delivery and timer
	// goroutines and must not call Unmount or Select.
	OnChange func()
	Clock    func() time.Time
	// AfterFunc replaces time.AfterFunc for the new-message timers.
	AfterFunc AfterFunc
}

func (o SurfaceOptions) notify() {
	if o.OnChange != nil {
		o.OnChange()
	}
}

// RenderedMessage is a message decorated for display.
type RenderedMessage struct {
	chat.Message
	IsNew bool `json:"isNew"`
}

// subscriptionSlot owns at most one live subscription. A replacement is only opened
// after the previous subscription has been closed, so no two keys ever deliver into
// the same surface.
type subscriptionSlot struct {
	mu  sync.Mutex
	key chat.Key
	sub chat.Subscription
}

// replace closes the current subscription, runs reset, then subscribes for key.
// The subscription is detached from ctx: it lives until the slot closes it, so a
// request-scoped ctx passed to Mount or Select does not end deliveries.
func (s *subscriptionSlot) replace(ctx context.Context, backend Backend, key chat.Key, filter chat.Filter, l chat.Listener, reset func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()
	if reset != nil {
		reset()
	}

	sub, err := backend.Subscribe(context.WithoutCancel(ctx), filter, chat.OrderByCreatedAt, l)
	if err != nil {
		logger.Warn("[chat] subscribe failed", zap.String("key", key.String()), zap.Error(err))
		return errors.Wrapf(ErrSubscription, "subscribe %q: %v", key.String(), err)
	}
	s.key = key
	s.sub = sub
	return nil
}

// Key returns the key of the live subscription; zero when none is open.
func (s *subscriptionSlot) Key() chat.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *subscriptionSlot) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *subscriptionSlot) closeLocked() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Close(); err != nil {
		logger.Warn("[chat] closing subscription failed", zap.String("key", s.key.String()), zap.Error(err))
	}
	s.sub = nil
	s.key = chat.Key{}
}

// conversationView is the per-conversation pipeline shared by both surfaces:
// deliveries flow into the reconciler, fresh ids into the indicator, and the send
// controller writes through the same reconciler.
type conversationView struct {
	key        chat.Key
	reconciler *Reconciler
	indicator  *Indicator
	sender     *SendController
	opts       SurfaceOptions
}

func newConversationView(backend Backend, key chat.Key, address Addresser, role chat.Role, composer *Composer, opts SurfaceOptions) *conversationView {
	v := &conversationView{key: key, reconciler: NewReconciler(key), opts: opts}
	v.indicator = NewIndicator(opts.NewMessageTTL, opts.AfterFunc, func(string, bool) { opts.notify() })
	v.sender = NewSendController(backend, address, notifyingSink{v.reconciler, opts}, composer, role, opts.Clock)
	return v
}

func (v *conversationView) open(ctx context.Context, slot *subscriptionSlot, backend Backend) error {
	key := v.key
	l := chat.Listener{
		OnSnapshot: func(snapshot []chat.Message) {
			res := v.reconciler.Apply(key, snapshot)
			if !res.Applied {
				return
			}
			v.indicator.Mark(res.New...)
			v.opts.notify()
		},
		OnError: func(err error) {
			v.reconciler.Fail(err)
		},
	}
	return slot.replace(ctx, backend, key, key.Filter(), l, func() { v.reconciler.Reset(key) })
}

func (v *conversationView) render() []RenderedMessage {
	msgs := v.reconciler.View()
	out := make([]RenderedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = RenderedMessage{Message: m, IsNew: v.indicator.IsNew(m.ID)}
	}
	return out
}

func (v *conversationView) close() {
	v.indicator.Close()
}

// notifyingSink reports local pending changes to the surface.
type notifyingSink struct {
	*Reconciler
	opts SurfaceOptions
}

func (s notifyingSink) AddPending(m chat.Message) {
	s.Reconciler.AddPending(m)
	s.opts.notify()
}

func (s notifyingSink) Confirm(tempID, durableID string) bool {
	ok := s.Reconciler.Confirm(tempID, durableID)
	s.opts.notify()
	return ok
}

func (s notifyingSink) Remove(tempID string) bool {
	ok := s.Reconciler.Remove(tempID)
	s.opts.notify()
	return ok
}
