package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

// Remote talks to a running chat backend: writes and profile lookups over the HTTP API,
// snapshot subscriptions over the WebSocket stream.
type Remote struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
}

// NewRemote builds a client for baseURL (for example "http://localhost:8080").
// httpClient may be nil.
func NewRemote(baseURL string, httpClient *http.Client) (*Remote, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Remote{
		base:   u,
		http:   httpClient,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

func (r *Remote) endpoint(path string, query url.Values) string {
	u := *r.base
	u.Path = u.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

type createRequest struct {
	UserID string    `json:"userId,omitempty"`
	Email  string    `json:"email,omitempty"`
	Name   string    `json:"name,omitempty"`
	Sender chat.Role `json:"sender"`
	Text   string    `json:"text"`
}

type apiError struct {
	Error string `json:"error"`
}

// Create posts m and returns the durable id.
func (r *Remote) Create(ctx context.Context, m chat.Message) (string, error) {
	body, err := json.Marshal(createRequest{
		UserID: m.UserID,
		Email:  m.Email,
		Name:   m.Name,
		Sender: m.SenderRole,
		Text:   m.Body,
	})
	if err != nil {
		return "", errors.Wrap(err, "encode message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint("/api/messages", nil), bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "create message")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", decodeError(resp)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", errors.Wrap(err, "decode create response")
	}
	if created.ID == "" {
		return "", errors.New("create response carried no id")
	}
	return created.ID, nil
}

// LookupProfile fetches the contact card stored under id. A missing profile or a
// backend without a profile directory reports ok=false.
func (r *Remote) LookupProfile(ctx context.Context, id string) (chat.Profile, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint("/api/profiles/"+url.PathEscape(id), nil), nil)
	if err != nil {
		return chat.Profile{}, false, errors.Wrap(err, "build request")
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return chat.Profile{}, false, errors.Wrap(err, "lookup profile")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return chat.Profile{}, false, nil
	default:
		return chat.Profile{}, false, decodeError(resp)
	}

	var p chat.Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return chat.Profile{}, false, errors.Wrap(err, "decode profile")
	}
	return p, true, nil
}

func decodeError(resp *http.Response) error {
	var body apiError
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	return errors.Errorf("status %d: %s", resp.StatusCode, body.Error)
}

type inbound struct {
	Type string `json:"type"`
	Data struct {
		Messages []chat.Message `json:"messages"`
		Message  string         `json:"message"`
	} `json:"data"`
}

// Subscribe opens the WebSocket snapshot stream for filter. Deliveries run on one
// goroutine per subscription, in order.
func (r *Remote) Subscribe(ctx context.Context, filter chat.Filter, orderBy string, l chat.Listener) (chat.Subscription, error) {
	if orderBy != "" && orderBy != chat.OrderByCreatedAt {
		return nil, errors.Errorf("unsupported orderBy %q", orderBy)
	}

	u := *r.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/api/ws/messages"
	query := url.Values{}
	if !filter.IsZero() {
		query.Set("field", filter.Field)
		query.Set("equals", filter.Equals)
	}
	u.RawQuery = query.Encode()

	conn, _, err := r.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial snapshot stream")
	}

	sub := &remoteSubscription{conn: conn, done: make(chan struct{})}
	go sub.run(l)
	go func() {
		select {
		case <-ctx.Done():
			if sub.isClosed() {
				return
			}
			_ = sub.Close()
			if l.OnError != nil {
				l.OnError(errors.Wrap(ctx.Err(), "snapshot stream ended"))
			}
		case <-sub.done:
		}
	}()
	return sub, nil
}

type remoteSubscription struct {
	conn *websocket.Conn
	done chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func (s *remoteSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *remoteSubscription) run(l chat.Listener) {
	defer close(s.done)
	for {
		var msg inbound
		if err := s.conn.ReadJSON(&msg); err != nil {
			if s.isClosed() {
				return
			}
			logger.Warn("[client] snapshot stream ended", zap.Error(err))
			if l.OnError != nil {
				l.OnError(errors.Wrap(err, "snapshot stream"))
			}
			return
		}
		if s.isClosed() {
			return
		}

		switch msg.Type {
		case "snapshot":
			if l.OnSnapshot != nil {
				l.OnSnapshot(msg.Data.Messages)
			}
		case "error":
			if l.OnError != nil {
				l.OnError(errors.New(msg.Data.Message))
			}
		default:
			logger.Debug("[client] ignoring stream message", zap.String("type", msg.Type))
		}
	}
}

func (s *remoteSubscription) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

// Close stops deliveries and waits for an in-flight callback. It must not be called
// from the subscription's own listener.
func (s *remoteSubscription) Close() error {
	s.shutdown()
	<-s.done
	return nil
}
