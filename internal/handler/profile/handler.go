package profile

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
	profileService "github.com/zhouzirui/bookstore-chat/backend/internal/service/profile"
	"github.com/zhouzirui/bookstore-chat/backend/pkg/utils"
)

// Handler 客户资料的HTTP处理器，供访客小组件预填姓名与邮箱
type Handler struct {
	profiles profileService.Directory
}

// New 创建资料处理器
func New(profiles profileService.Directory) *Handler {
	return &Handler{profiles: profiles}
}

// RegisterRoutes 注册资料相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/profiles/{id}", h.handleGetProfile)
	r.Put("/profiles/{id}", h.handleSaveProfile)
}

// handleGetProfile 按用户ID或邮箱查询资料
func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, ok, err := h.profiles.LookupProfile(r.Context(), id)
	if err != nil {
		h.respondLookupError(w, id, err)
		return
	}
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "profile not found")
		return
	}

	utils.RespondJSON(w, http.StatusOK, p)
}

// handleSaveProfile 保存资料
func (h *Handler) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var payload chat.Profile
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload.UserID = strings.TrimSpace(payload.UserID)
	payload.Name = strings.TrimSpace(payload.Name)
	payload.Email = strings.TrimSpace(payload.Email)

	if err := h.profiles.SaveProfile(r.Context(), id, payload); err != nil {
		h.respondLookupError(w, id, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, payload)
}

func (h *Handler) respondLookupError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, profileService.ErrIDRequired):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, profileService.ErrUnavailable):
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("[profile] directory error", zap.String("id", id), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "profile directory error")
	}
}
