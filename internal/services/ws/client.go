package ws

import (
	"log/slog"
	"sync"
	"time"

	"voice_live_bridge/internal/config"

	"github.com/gorilla/websocket"
)

// Client 一个浏览器客户端连接
type Client struct {
	room      string
	conn      *websocket.Conn
	writeWait time.Duration
	pingEvery time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(room string, conn *websocket.Conn, cfg config.WebSocketConfig) *Client {
	return &Client{
		room:      room,
		conn:      conn,
		writeWait: cfg.WriteWait,
		pingEvery: cfg.PingPeriod,
		done:      make(chan struct{}),
	}
}

// Room 房间号
func (c *Client) Room() string {
	return c.room
}

// WriteJSON 发送一条JSON消息，并发安全
func (c *Client) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// sendPing 发送心跳
func (c *Client) sendPing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

// heartbeat 定期发送 Ping，失败时关闭连接让读循环退出
func (c *Client) heartbeat(logger *slog.Logger) {
	if c.pingEvery <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.sendPing(); err != nil {
				logger.Warn("发送心跳失败", "error", err)
				c.Close()
				return
			}
		}
	}
}

// Close 关闭连接，可重复调用
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
