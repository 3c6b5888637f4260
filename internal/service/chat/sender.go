package chat

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

// Addresser supplies the identity fields of an outgoing message.
type Addresser interface {
	Address() (chat.Message, error)
}

// PendingSink holds locally created messages until their write resolves.
type PendingSink interface {
	AddPending(m chat.Message)
	Confirm(tempID, durableID string) bool
	Remove(tempID string) bool
}

// Composer is the text input a surface sends from.
type Composer struct {
	mu   sync.Mutex
	text string
}

func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

func (c *Composer) SetText(text string) {
	c.mu.Lock()
	c.text = text
	c.mu.Unlock()
}

func (c *Composer) Clear() { c.SetText("") }

// SendController performs optimistic sends: the message is visible locally before the
// durable write is issued, and is confirmed or rolled back once the write resolves.
type SendController struct {
	backend  Backend
	address  Addresser
	sink     PendingSink
	composer *Composer
	role     chat.Role
	now      func() time.Time

	busy atomic.Bool
}

// NewSendController wires a controller. composer may be nil; now defaults to time.Now.
func NewSendController(backend Backend, address Addresser, sink PendingSink, composer *Composer, role chat.Role, now func() time.Time) *SendController {
	if composer == nil {
		composer = &Composer{}
	}
	if now == nil {
		now = time.Now
	}
	return &SendController{
		backend:  backend,
		address:  address,
		sink:     sink,
		composer: composer,
		role:     role,
		now:      now,
	}
}

// Composer returns the input the controller clears and restores.
func (c *SendController) Composer() *Composer { return c.composer }

// Busy reports whether a write is in flight.
func (c *SendController) Busy() bool { return c.busy.Load() }

// Send submits text. It blocks until the write resolves; snapshot deliveries keep
// flowing meanwhile. A second call while one is in flight returns ErrSendInFlight and
// changes nothing. Failed writes are never retried.
func (c *SendController) Send(ctx context.Context, text string) error {
	raw := text
	body := strings.TrimSpace(text)
	if body == "" {
		return ErrEmptyBody
	}

	addr, err := c.address.Address()
	if err != nil {
		return ErrIdentityUnresolved
	}

	if !c.busy.CompareAndSwap(false, true) {
		return ErrSendInFlight
	}
	defer c.busy.Store(false)

	tempID := chat.TempIDPrefix + uuid.NewString()
	pending := addr
	pending.ID = tempID
	pending.SenderRole = c.role
	pending.Body = body
	pending.CreatedAt = c.now()
	pending.DeliveryState = chat.StatePending

	c.sink.AddPending(pending)
	c.composer.Clear()

	payload := pending
	payload.ID = ""
	payload.DeliveryState = ""

	durableID, err := c.backend.Create(ctx, payload)
	if err != nil {
		// roll back by the id captured above, never a recomputed one
		c.sink.Remove(tempID)
		c.composer.SetText(raw)
		logger.Warn("[chat] message write failed",
			zap.String("tempId", tempID),
			zap.String("key", addr.ConversationKey),
			zap.Error(err))
		return &WriteError{Text: raw, Err: err}
	}

	c.sink.Confirm(tempID, durableID)
	logger.Debug("[chat] message confirmed",
		zap.String("tempId", tempID),
		zap.String("id", durableID))
	return nil
}
