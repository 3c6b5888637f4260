package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// OutgoingMessage WebSocket 下行消息
type OutgoingMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// wsConn 串行化写操作，gorilla 连接不支持并发写
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(msg OutgoingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// handleWebSocket 处理WebSocket连接，每次存储变化推送一次完整快照
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	filter, box, sub, ok := h.open(ctx, w, r)
	if !ok {
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("[websocket] upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	logger.Info("[websocket] new snapshot connection", zap.String("field", filter.Field), zap.String("equals", filter.Equals))
	ws := &wsConn{conn: conn}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go h.readLoop(cancel, conn)
	go h.pingLoop(ctx, ws)

	for {
		select {
		case <-ctx.Done():
			return
		case <-box.ready:
			snapshot, fresh, subErr := box.take()
			if subErr != nil {
				if err := ws.writeJSON(OutgoingMessage{
					Type:      "error",
					Data:      map[string]string{"message": subErr.Error()},
					Timestamp: time.Now().Unix(),
				}); err != nil {
					return
				}
			}
			if fresh {
				if err := ws.writeJSON(OutgoingMessage{
					Type:      "snapshot",
					Data:      SnapshotEvent{Filter: filter, Messages: snapshot},
					Timestamp: time.Now().Unix(),
				}); err != nil {
					logger.Warn("[websocket] write snapshot failed", zap.Error(err))
					return
				}
			}
		}
	}
}

// readLoop 只负责处理 pong 与关闭帧，连接断开时取消推送
func (h *Handler) readLoop(cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Warn("[websocket] read error", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, ws *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				return
			}
		}
	}
}
