package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/bookstore-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/bookstore-chat/backend/internal/handler/profile"
	"github.com/zhouzirui/bookstore-chat/backend/internal/handler/stream"
	"github.com/zhouzirui/bookstore-chat/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/bookstore-chat/backend/internal/middleware"
	profileService "github.com/zhouzirui/bookstore-chat/backend/internal/service/profile"
	"github.com/zhouzirui/bookstore-chat/backend/internal/store"
	"github.com/zhouzirui/bookstore-chat/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the message store and profile directory. limiter may
// be nil to disable send rate limiting.
func NewRouter(messages store.Store, profiles profileService.Directory, limiter *middlewarePkg.RateLimiter) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	var limit func(http.Handler) http.Handler
	if limiter != nil {
		limit = limiter.Handler
	}

	chatHandler := chat.New(messages, limit)
	streamHandler := stream.New(messages)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)

		if profiles != nil {
			profile.New(profiles).RegisterRoutes(api)
		}
	})

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
