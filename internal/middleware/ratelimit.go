package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/metrics"
	"github.com/zhouzirui/bookstore-chat/backend/pkg/utils"
)

// limiterIdleTTL 客户端空闲超过该时长后回收其令牌桶
const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 按客户端 IP 限制写请求频率
type RateLimiter struct {
	rps   float64
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	m         map[string]*clientLimiter
	lastSweep time.Time
}

// NewRateLimiter 创建限流器，非法参数回退为 5 rps / 10 burst
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		rps:   rps,
		burst: burst,
		idle:  limiterIdleTTL,
		now:   time.Now,
		m:     make(map[string]*clientLimiter),
	}
}

func (l *RateLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweepLocked(now)
	if c, ok := l.m[key]; ok {
		c.lastSeen = now
		return c.lim
	}
	c := &clientLimiter{lim: rate.NewLimiter(rate.Limit(l.rps), l.burst), lastSeen: now}
	l.m[key] = c
	return c.lim
}

// sweepLocked 至多每个 idle 周期扫描一次，删除空闲的客户端
func (l *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.idle {
		return
	}
	l.lastSweep = now
	for key, c := range l.m {
		if now.Sub(c.lastSeen) >= l.idle {
			delete(l.m, key)
		}
	}
}

// Clients 返回当前持有令牌桶的客户端数量
func (l *RateLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

// Allow 判断 key 当前是否还有令牌
func (l *RateLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Handler 包装需要限流的路由，超限返回 429
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !l.Allow(key) {
			metrics.RateLimited.Inc()
			logger.Debug("[ratelimit] request rejected", zap.String("client", key), zap.String("path", r.URL.Path))
			utils.RespondError(w, http.StatusTooManyRequests, "too many messages, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey 使用 RealIP 中间件处理后的 RemoteAddr
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
