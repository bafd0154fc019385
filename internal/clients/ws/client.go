// Package ws 提供连接语音桥接服务的WebSocket客户端
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected 连接未建立
var ErrNotConnected = errors.New("WebSocket连接未建立")

// MessageHandler 事件处理函数
type MessageHandler func(data json.RawMessage) error

// Config WebSocket客户端配置
type Config struct {
	URL              string        // 桥接服务地址，如 ws://localhost:5000/ws
	HandshakeTimeout time.Duration // 握手超时
	WriteWait        time.Duration // 写超时
	Logger           *slog.Logger
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Client 桥接服务客户端，按事件名分发收到的消息
type Client struct {
	config Config
	logger *slog.Logger

	connLock sync.Mutex
	conn     *websocket.Conn

	handlersMu sync.RWMutex
	handlers   map[string]MessageHandler

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient 创建新的WebSocket客户端
func NewClient(config Config) *Client {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.WriteWait == 0 {
		config.WriteWait = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:   config,
		logger:   logger.With("component", "bridge_client"),
		handlers: make(map[string]MessageHandler),
		done:     make(chan struct{}),
	}
}

// RegisterHandler 注册事件处理器
func (c *Client) RegisterHandler(event string, handler MessageHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[event] = handler
}

// Connect 连接到桥接服务并启动接收循环
func (c *Client) Connect(ctx context.Context) error {
	c.connLock.Lock()
	defer c.connLock.Unlock()

	c.logger.Info("正在连接桥接服务", "url", c.config.URL)

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.config.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("连接WebSocket失败: %w", err)
	}
	c.conn = conn

	go c.receiveLoop(conn)
	return nil
}

// Done 连接断开后关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SendEvent 发送一条事件
func (c *Client) SendEvent(event string, data any) error {
	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	if data == nil {
		data = struct{}{}
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
		return fmt.Errorf("设置写超时失败: %w", err)
	}
	if err := c.conn.WriteJSON(outbound{Event: event, Data: data}); err != nil {
		return fmt.Errorf("发送事件 %s 失败: %w", event, err)
	}
	return nil
}

// Close 关闭连接
func (c *Client) Close() error {
	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}

// receiveLoop 接收消息循环
func (c *Client) receiveLoop(conn *websocket.Conn) {
	defer c.closeOnce.Do(func() { close(c.done) })

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("接收消息失败", "error", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("解析消息失败", "error", err)
			continue
		}

		c.handlersMu.RLock()
		handler, ok := c.handlers[env.Event]
		c.handlersMu.RUnlock()
		if !ok {
			c.logger.Debug("未处理的事件", "event", env.Event)
			continue
		}
		if err := handler(env.Data); err != nil {
			c.logger.Warn("处理事件失败", "event", env.Event, "error", err)
		}
	}
}
