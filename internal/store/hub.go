package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/metrics"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

type querier func(ctx context.Context, filter chat.Filter) ([]chat.Message, error)

// hub tracks live subscriptions. Each subscriber owns a goroutine that recomputes its
// result set when woken; wakes coalesce, so a slow listener only ever sees the latest state.
type hub struct {
	query querier

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	next   uint64
	closed bool
}

func newHub(q querier) *hub {
	return &hub{query: q, subs: make(map[uint64]*subscriber)}
}

func (h *hub) subscribe(ctx context.Context, filter chat.Filter, l chat.Listener) (*subscriber, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.next++
	s := &subscriber{
		id:       h.next,
		hub:      h,
		filter:   filter,
		listener: l,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	h.subs[s.id] = s
	h.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	s.signal()
	go s.run(ctx)
	return s, nil
}

func (h *hub) notify(m chat.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.filter.Match(m) {
			s.signal()
		}
	}
}

func (h *hub) remove(id uint64) {
	h.mu.Lock()
	if _, ok := h.subs[id]; ok {
		delete(h.subs, id)
		metrics.ActiveSubscriptions.Dec()
	}
	h.mu.Unlock()
}

// close stops every subscriber and rejects new ones.
func (h *hub) close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
}

type subscriber struct {
	id       uint64
	hub      *hub
	filter   chat.Filter
	listener chat.Listener

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			select {
			case <-s.done:
				return
			default:
			}
			s.stop()
			logger.Debug("[store] subscription context ended", zap.Uint64("subscription", s.id))
			if s.listener.OnError != nil {
				s.listener.OnError(errors.Wrap(ctx.Err(), "subscription ended"))
			}
			return
		case <-s.done:
			return
		case <-s.wake:
		}

		snapshot, err := s.hub.query(ctx, s.filter)
		select {
		case <-s.done:
			return
		default:
		}
		if err != nil {
			logger.Warn("[store] snapshot query failed", zap.Uint64("subscription", s.id), zap.Error(err))
			if s.listener.OnError != nil {
				s.listener.OnError(err)
			}
			continue
		}
		metrics.SnapshotsDelivered.Inc()
		if s.listener.OnSnapshot != nil {
			s.listener.OnSnapshot(snapshot)
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		close(s.done)
		s.hub.remove(s.id)
	})
}

// Close stops deliveries and waits for an in-flight callback to return. It must not be
// called from inside the subscriber's own listener.
func (s *subscriber) Close() error {
	s.stop()
	<-s.stopped
	return nil
}
