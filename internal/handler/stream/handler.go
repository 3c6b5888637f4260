package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	chatHandler "github.com/zhouzirui/bookstore-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
	"github.com/zhouzirui/bookstore-chat/backend/pkg/utils"
)

// Subscriber 推送接口依赖的订阅能力
type Subscriber interface {
	Subscribe(ctx context.Context, filter chat.Filter, orderBy string, l chat.Listener) (chat.Subscription, error)
}

// Handler 通过 SSE 与 WebSocket 推送消息快照
type Handler struct {
	subs      Subscriber
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

// New 创建推送处理器
func New(subs Subscriber) *Handler {
	return &Handler{
		subs:      subs,
		heartbeat: 8 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册推送相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/messages", h.handleSSE)
	r.Get("/ws/messages", h.handleWebSocket)
}

// SnapshotEvent 每次推送携带过滤条件下的完整结果集
type SnapshotEvent struct {
	Filter   chat.Filter    `json:"filter"`
	Messages []chat.Message `json:"messages"`
}

// mailbox 只保留最新一次投递，慢连接不会阻塞存储的投递协程
type mailbox struct {
	mu       sync.Mutex
	snapshot []chat.Message
	has      bool
	err      error
	ready    chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) listener() chat.Listener {
	return chat.Listener{
		OnSnapshot: func(snapshot []chat.Message) {
			m.mu.Lock()
			m.snapshot = snapshot
			m.has = true
			m.mu.Unlock()
			m.signal()
		},
		OnError: func(err error) {
			m.mu.Lock()
			m.err = err
			m.mu.Unlock()
			m.signal()
		},
	}
}

func (m *mailbox) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// take 取出最新快照与错误；ok 为 false 表示本次只有错误
func (m *mailbox) take() (snapshot []chat.Message, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok, err = m.snapshot, m.has, m.err
	m.snapshot, m.has, m.err = nil, false, nil
	if ok && snapshot == nil {
		snapshot = []chat.Message{}
	}
	return snapshot, ok, err
}

// open 解析过滤条件并建立订阅
func (h *Handler) open(ctx context.Context, w http.ResponseWriter, r *http.Request) (chat.Filter, *mailbox, chat.Subscription, bool) {
	filter, err := chatHandler.ParseFilter(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return chat.Filter{}, nil, nil, false
	}

	box := newMailbox()
	sub, err := h.subs.Subscribe(ctx, filter, chat.OrderByCreatedAt, box.listener())
	if err != nil {
		logger.Error("[stream] subscribe failed", zap.Error(err))
		utils.RespondError(w, http.StatusServiceUnavailable, "subscription unavailable")
		return chat.Filter{}, nil, nil, false
	}
	return filter, box, sub, true
}

// handleSSE 以 Server-Sent Events 推送快照
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	filter, box, sub, ok := h.open(ctx, w, r)
	if !ok {
		return
	}
	defer sub.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	logger.Info("[sse] opening snapshot stream", zap.String("field", filter.Field), zap.String("equals", filter.Equals))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[sse] closing snapshot stream", zap.String("field", filter.Field), zap.String("equals", filter.Equals))
			return
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		case <-box.ready:
			snapshot, fresh, subErr := box.take()
			if subErr != nil {
				if err := utils.SendSSEEvent(w, flusher, "error", map[string]string{"message": subErr.Error()}); err != nil {
					return
				}
			}
			if fresh {
				if err := utils.SendSSEEvent(w, flusher, "snapshot", SnapshotEvent{Filter: filter, Messages: snapshot}); err != nil {
					return
				}
			}
		}
	}
}
