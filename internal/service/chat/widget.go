package chat

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

// Widget is the customer facing single conversation surface.
type Widget struct {
	backend  Backend
	session  *SessionManager
	opts     SurfaceOptions
	composer *Composer

	mu      sync.Mutex
	mounted bool
	slot    subscriptionSlot
	view    atomic.Pointer[conversationView]
}

// NewWidget builds a widget for the viewer resolver reports. profiles may be nil.
func NewWidget(backend Backend, resolver IdentityResolver, profiles ProfileLookup, opts SurfaceOptions) *Widget {
	return &Widget{
		backend:  backend,
		session:  NewSessionManager(resolver, profiles),
		opts:     opts,
		composer: &Composer{},
	}
}

// Session exposes the widget's identity state.
func (w *Widget) Session() *SessionManager { return w.session }

// Mount starts the widget. If the identity is already known the conversation
// subscription opens here; otherwise ResolveIdentity or SetProfile opens it later.
// ctx bounds identity resolution only; the subscription lasts until Unmount.
func (w *Widget) Mount(ctx context.Context) error {
	w.mu.Lock()
	w.mounted = true
	w.mu.Unlock()

	_, err := w.ResolveIdentity(ctx)
	return err
}

// ResolveIdentity retries identity resolution; ok is false while it is still pending.
func (w *Widget) ResolveIdentity(ctx context.Context) (bool, error) {
	if _, ok, err := w.session.Resolve(ctx); err != nil || !ok {
		return ok, err
	}
	return true, w.ensureOpen(ctx)
}

// SetProfile edits the guest contact card. Supplying the first email assigns the
// conversation key and opens the subscription.
func (w *Widget) SetProfile(ctx context.Context, name, email string) error {
	if _, err := w.session.SetProfile(name, email); err != nil {
		return err
	}
	return w.ensureOpen(ctx)
}

func (w *Widget) ensureOpen(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.mounted {
		return ErrNotMounted
	}
	key := w.session.Key()
	if key.IsZero() {
		return nil
	}
	if v := w.view.Load(); v != nil && v.key == key {
		return nil
	}

	v := newConversationView(w.backend, key, w.session, chat.RoleCustomer, w.composer, w.opts)
	if err := v.open(ctx, &w.slot, w.backend); err != nil {
		v.close()
		return err
	}
	w.view.Store(v)
	return nil
}

// Send submits text on behalf of the customer.
func (w *Widget) Send(ctx context.Context, text string) error {
	v := w.view.Load()
	if v == nil {
		w.mu.Lock()
		mounted := w.mounted
		w.mu.Unlock()
		if !mounted {
			return ErrNotMounted
		}
		return ErrIdentityUnresolved
	}
	return v.sender.Send(ctx, text)
}

// SendDraft submits the composer's current text.
func (w *Widget) SendDraft(ctx context.Context) error {
	return w.Send(ctx, w.composer.Text())
}

// View returns the rendered conversation.
func (w *Widget) View() []RenderedMessage {
	if v := w.view.Load(); v != nil {
		return v.render()
	}
	return nil
}

func (w *Widget) Draft() string { return w.composer.Text() }

func (w *Widget) SetDraft(text string) { w.composer.SetText(text) }

// Busy reports whether a send is in flight.
func (w *Widget) Busy() bool {
	if v := w.view.Load(); v != nil {
		return v.sender.Busy()
	}
	return false
}

// Unmount closes the subscription and cancels pending highlight timers. It must not be
// called from OnChange.
func (w *Widget) Unmount() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.mounted {
		return
	}
	w.mounted = false
	w.slot.close()
	if v := w.view.Swap(nil); v != nil {
		v.close()
	}
}
