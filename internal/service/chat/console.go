package chat

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

// threadAddress addresses admin replies to the customer owning a thread.
type threadAddress chat.ConversationThread

func (t threadAddress) Address() (chat.Message, error) {
	if t.Key.IsZero() {
		return chat.Message{}, ErrIdentityUnresolved
	}
	m := chat.Message{ConversationKey: t.Key.String(), Name: t.DisplayName}
	switch t.Key.Field {
	case chat.FieldUserID:
		m.UserID = t.Key.Value
		m.Email = t.Email
	case chat.FieldEmail:
		m.Email = t.Key.Value
	}
	return m, nil
}

// Console is the admin surface: every conversation summarised as a thread, plus one
// open conversation at a time.
type Console struct {
	backend  Backend
	opts     SurfaceOptions
	threads  *ThreadAggregator
	composer *Composer

	mu      sync.Mutex
	mounted bool
	raw     subscriptionSlot
	conv    subscriptionSlot
	view    atomic.Pointer[conversationView]
	active  atomic.Pointer[chat.ConversationThread]
}

func NewConsole(backend Backend, opts SurfaceOptions) *Console {
	return &Console{
		backend:  backend,
		opts:     opts,
		threads:  NewThreadAggregator(),
		composer: &Composer{},
	}
}

// Mount subscribes to the unfiltered stream that feeds the thread list.
func (c *Console) Mount(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mounted {
		return nil
	}

	l := chat.Listener{
		OnSnapshot: func(stream []chat.Message) {
			c.threads.Update(stream)
			c.opts.notify()
		},
		OnError: func(err error) {
			logger.Warn("[console] raw stream error, keeping threads", zap.Error(err))
		},
	}
	if err := c.raw.replace(ctx, c.backend, chat.Key{}, chat.Filter{}, l, nil); err != nil {
		return err
	}
	c.mounted = true
	return nil
}

// Threads lists threads newest first, filtered by q.
func (c *Console) Threads(q string) []chat.ConversationThread {
	return Search(c.threads.Threads(), q)
}

// Select opens the conversation for key. The previous conversation's subscription is
// closed before the new one opens, and the thread is marked read.
func (c *Console) Select(ctx context.Context, key chat.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted {
		return ErrNotMounted
	}

	thread, ok := c.threads.Thread(key)
	if !ok {
		return ErrThreadNotFound
	}

	if prev := c.view.Swap(nil); prev != nil {
		prev.close()
	}
	c.composer.Clear()
	v := newConversationView(c.backend, key, threadAddress(thread), chat.RoleAdmin, c.composer, c.opts)
	if err := v.open(ctx, &c.conv, c.backend); err != nil {
		v.close()
		c.active.Store(nil)
		c.threads.ClearActive()
		return err
	}
	c.view.Store(v)
	c.active.Store(&thread)
	c.threads.SetActive(key)
	c.opts.notify()
	return nil
}

// Active returns the open thread.
func (c *Console) Active() (chat.ConversationThread, bool) {
	if t := c.active.Load(); t != nil {
		if fresh, ok := c.threads.Thread(t.Key); ok {
			return fresh, true
		}
		return *t, true
	}
	return chat.ConversationThread{}, false
}

// Send replies in the open conversation.
func (c *Console) Send(ctx context.Context, text string) error {
	v := c.view.Load()
	if v == nil {
		return ErrNoActiveThread
	}
	return v.sender.Send(ctx, text)
}

// View returns the open conversation, empty when none is selected.
func (c *Console) View() []RenderedMessage {
	if v := c.view.Load(); v != nil {
		return v.render()
	}
	return nil
}

func (c *Console) Draft() string { return c.composer.Text() }

func (c *Console) SetDraft(text string) { c.composer.SetText(text) }

// Unmount closes both subscriptions. It must not be called from OnChange.
func (c *Console) Unmount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted {
		return
	}
	c.mounted = false
	c.conv.close()
	c.raw.close()
	if v := c.view.Swap(nil); v != nil {
		v.close()
	}
	c.active.Store(nil)
	c.threads.ClearActive()
}
