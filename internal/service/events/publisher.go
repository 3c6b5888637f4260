package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "bookstore.chat.message.created"

// MessageCreated is the payload emitted after a message is durably stored.
type MessageCreated struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversationKey"`
	SenderRole      chat.Role `json:"sender"`
	Body            string    `json:"text"`
	CreatedAt       time.Time `json:"createdAt"`
}

// NewMessageCreated projects a stored message onto the event payload.
func NewMessageCreated(m chat.Message) MessageCreated {
	key, _ := m.Key()
	return MessageCreated{
		ID:              m.ID,
		ConversationKey: key.String(),
		SenderRole:      m.SenderRole,
		Body:            m.Body,
		CreatedAt:       m.CreatedAt,
	}
}

// Publisher fans message events out to downstream consumers such as notifiers.
type Publisher interface {
	MessageCreated(ctx context.Context, m chat.Message) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) MessageCreated(context.Context, chat.Message) error { return nil }
func (Nop) Close() error                                       { return nil }

// NATSConfig describes the broker connection.
type NATSConfig struct {
	URL           string
	Subject       string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSPublisher publishes events on a core NATS subject; delivery is best effort.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher dials the configured server.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "bookstore-chat"
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("[events] nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("[events] nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return &NATSPublisher{nc: nc, subject: cfg.Subject}, nil
}

// MessageCreated publishes the event for m.
func (p *NATSPublisher) MessageCreated(ctx context.Context, m chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(NewMessageCreated(m))
	if err != nil {
		return errors.Wrap(err, "marshal message event")
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return errors.Wrapf(err, "publish %s", p.subject)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
