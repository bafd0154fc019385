// Package voicelive 实现与 Azure Voice Live 实时语音服务的WebSocket通信
package voicelive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const realtimePath = "/voice-live/realtime"

// ErrConnectionClosed 连接已关闭（本端关闭或对端断开）
var ErrConnectionClosed = errors.New("下游连接已关闭")

// Config Voice Live 客户端配置
type Config struct {
	Endpoint         string        // 服务地址
	APIVersion       string        // API版本
	ProjectName      string        // AI Foundry 项目名
	AgentID          string        // 智能体ID
	HandshakeTimeout time.Duration // 握手超时
	WriteWait        time.Duration // 写超时
	MaxMessageSize   int64         // 单帧最大字节数
}

// Client Voice Live 客户端，负责建立连接
type Client struct {
	config Config
	dialer websocket.Dialer
	logger *slog.Logger
}

// NewClient 创建新的 Voice Live 客户端
func NewClient(config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.WriteWait == 0 {
		config.WriteWait = 10 * time.Second
	}
	return &Client{
		config: config,
		dialer: websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
		},
		logger: logger.With("component", "voicelive"),
	}
}

// URL 构建带查询参数的连接地址
func (c *Client) URL(token string) (string, error) {
	endpoint := strings.TrimRight(c.config.Endpoint, "/")
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}

	u, err := url.Parse(endpoint + realtimePath)
	if err != nil {
		return "", fmt.Errorf("解析服务地址失败: %w", err)
	}
	if u.Scheme != "wss" && u.Scheme != "ws" {
		return "", fmt.Errorf("不支持的协议: %q", u.Scheme)
	}

	q := u.Query()
	q.Set("api-version", c.config.APIVersion)
	q.Set("agent-project-name", c.config.ProjectName)
	q.Set("agent-id", c.config.AgentID)
	q.Set("agent-access-token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial 建立连接并启动读循环
func (c *Client) Dial(ctx context.Context, token string) (*Conn, error) {
	wsURL, err := c.URL(token)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("x-ms-client-request-id", requestID)

	c.logger.Debug("正在连接 Voice Live", "endpoint", c.config.Endpoint, "request_id", requestID)

	ws, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("连接 Voice Live 失败(status=%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("连接 Voice Live 失败: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if c.config.MaxMessageSize > 0 {
		ws.SetReadLimit(c.config.MaxMessageSize)
	}

	c.logger.Info("Voice Live 连接成功", "request_id", requestID)
	return newConn(ws, c.config.WriteWait), nil
}

// Conn 与下游的一条双工连接
//
// 读循环在独立协程中运行，最多持有一帧尚未被取走的数据；
// Receive 不阻塞，没有数据时返回 nil。
type Conn struct {
	ws        *websocket.Conn
	writeWait time.Duration
	writeMu   sync.Mutex

	frames chan []byte
	closed chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	readErr   error // 读循环退出原因，done 关闭后可读
}

func newConn(ws *websocket.Conn, writeWait time.Duration) *Conn {
	c := &Conn{
		ws:        ws,
		writeWait: writeWait,
		frames:    make(chan []byte, 1),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// readLoop 读取消息循环
func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case c.frames <- data:
		case <-c.closed:
			c.readErr = ErrConnectionClosed
			return
		}
	}
}

// Send 序列化并发送一帧
func (c *Conn) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("帧序列化失败: %w", err)
	}

	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return fmt.Errorf("设置写超时失败: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("发送帧失败: %w", err)
	}
	return nil
}

// Receive 取出一帧；没有数据时返回 (nil, nil)
//
// 连接关闭后返回 ErrConnectionClosed，已读到但未取走的帧会先被返回。
func (c *Conn) Receive() ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	default:
	}

	select {
	case <-c.closed:
		return nil, ErrConnectionClosed
	case <-c.done:
		// 读循环退出前可能刚放入一帧
		select {
		case data := <-c.frames:
			return data, nil
		default:
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, c.readErr)
	default:
		return nil, nil
	}
}

// Close 关闭连接，可重复调用
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}
