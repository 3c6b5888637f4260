package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/bookstore-chat/backend/internal/service/chat"
	"github.com/zhouzirui/bookstore-chat/backend/internal/store"
	"github.com/zhouzirui/bookstore-chat/backend/pkg/utils"
)

// MessageStore 处理器依赖的消息存储能力
type MessageStore interface {
	Create(ctx context.Context, m chat.Message) (string, error)
	Snapshot(ctx context.Context, filter chat.Filter) ([]chat.Message, error)
}

// Handler 聊天消息与会话列表的HTTP处理器
type Handler struct {
	messages MessageStore
	limit    func(http.Handler) http.Handler
}

// New 创建聊天处理器；limit 为空时写接口不限流
func New(messages MessageStore, limit func(http.Handler) http.Handler) *Handler {
	return &Handler{messages: messages, limit: limit}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	if h.limit != nil {
		r.With(h.limit).Post("/messages", h.handleCreateMessage)
	} else {
		r.Post("/messages", h.handleCreateMessage)
	}
	r.Get("/messages", h.handleListMessages)
	r.Get("/threads", h.handleListThreads)
}

type createMessageRequest struct {
	UserID string    `json:"userId"`
	Email  string    `json:"email"`
	Name   string    `json:"name"`
	Sender chat.Role `json:"sender"`
	Text   string    `json:"text"`
}

// handleCreateMessage 写入一条消息，返回持久化ID
func (h *Handler) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var payload createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(payload.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	id, err := h.messages.Create(r.Context(), chat.Message{
		UserID:     strings.TrimSpace(payload.UserID),
		Email:      strings.TrimSpace(payload.Email),
		Name:       strings.TrimSpace(payload.Name),
		SenderRole: payload.Sender,
		Body:       payload.Text,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrInvalidMessage) {
			status = http.StatusBadRequest
		} else {
			logger.Error("[chat] create message failed", zap.Error(err))
		}
		utils.RespondError(w, status, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleListMessages 返回过滤后的一次性快照，供推送不可用时回退
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := h.messages.Snapshot(r.Context(), filter)
	if err != nil {
		logger.Error("[chat] snapshot failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleListThreads 汇总全部消息流为会话列表，支持 q 搜索姓名或邮箱
func (h *Handler) handleListThreads(w http.ResponseWriter, r *http.Request) {
	messages, err := h.messages.Snapshot(r.Context(), chat.Filter{})
	if err != nil {
		logger.Error("[chat] snapshot failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to load threads")
		return
	}

	threads := chatService.Search(chatService.NewThreadAggregator().Update(messages), r.URL.Query().Get("q"))
	if threads == nil {
		threads = []chat.ConversationThread{}
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

// ParseFilter 解析 ?field=&equals= 查询参数；两者都为空表示完整消息流
func ParseFilter(r *http.Request) (chat.Filter, error) {
	q := r.URL.Query()
	filter := chat.Filter{
		Field:  strings.TrimSpace(q.Get("field")),
		Equals: strings.TrimSpace(q.Get("equals")),
	}
	if !filter.Valid() {
		return chat.Filter{}, errors.Errorf("invalid filter %s == %q", filter.Field, filter.Equals)
	}
	return filter, nil
}
