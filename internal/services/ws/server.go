// Package ws 提供浏览器客户端的WebSocket事件通道
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"voice_live_bridge/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventConnected 连接建立后发给客户端的房间号
const EventConnected = "connected"

// ErrRoomNotFound 房间不存在或已断开
var ErrRoomNotFound = errors.New("房间不存在")

// Envelope 客户端消息格式
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConnectedPayload connected 事件内容
type ConnectedPayload struct {
	Room string `json:"room"`
}

// ClientHandler 处理客户端事件
//
// 同一客户端的事件按到达顺序在其读循环中同步调用。
type ClientHandler interface {
	HandleEvent(ctx context.Context, room, event string, data json.RawMessage)
	HandleDisconnect(room string)
}

// Hub 管理所有客户端连接，按房间号推送事件
type Hub struct {
	config   config.WebSocketConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	handler ClientHandler
}

// NewHub 创建新的客户端通道
func NewHub(cfg config.WebSocketConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ws_hub")

	return &Hub{
		config: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				logger.Debug("检查WebSocket连接来源", "remote", r.RemoteAddr, "origin", r.Header.Get("Origin"))
				return true
			},
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
		},
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// SetHandler 设置事件处理器，需在接受连接前调用
func (h *Hub) SetHandler(handler ClientHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

func (h *Hub) currentHandler() ClientHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handler
}

// Publish 向指定房间推送事件
func (h *Hub) Publish(room, event string, data any) error {
	h.mu.RLock()
	client, ok := h.clients[room]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, room)
	}

	if err := client.WriteJSON(outbound{Event: event, Data: data}); err != nil {
		return fmt.Errorf("推送事件 %s 失败: %w", event, err)
	}
	return nil
}

// Len 当前连接数
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll 关闭所有客户端连接
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// HandleConnection 处理WebSocket连接
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("升级WebSocket连接失败", "error", err)
		return
	}

	room := uuid.NewString()
	client := newClient(room, conn, h.config)
	logger := h.logger.With("room", room)

	h.mu.Lock()
	h.clients[room] = client
	h.mu.Unlock()
	logger.Info("客户端已连接", "remote", c.Request.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.mu.Lock()
		delete(h.clients, room)
		h.mu.Unlock()
		client.Close()

		if handler := h.currentHandler(); handler != nil {
			handler.HandleDisconnect(room)
		}
		logger.Info("客户端已断开")
	}()

	if err := client.WriteJSON(outbound{Event: EventConnected, Data: ConnectedPayload{Room: room}}); err != nil {
		logger.Warn("发送连接确认失败", "error", err)
		return
	}

	go client.heartbeat(logger)

	// 设置连接属性
	conn.SetReadLimit(h.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("读取WebSocket消息失败", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.config.PongWait))

		if messageType != websocket.TextMessage {
			logger.Debug("忽略非文本消息", "type", messageType)
			continue
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			logger.Warn("无效的客户端消息", "error", err)
			continue
		}

		if handler := h.currentHandler(); handler != nil {
			handler.HandleEvent(ctx, room, env.Event, env.Data)
		}
	}
}
