package voicelive

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockVoiceLive 模拟 Voice Live 服务端
type mockVoiceLive struct {
	server   *httptest.Server
	requests chan *http.Request
	received chan []byte
	conns    chan *websocket.Conn
}

func newMockVoiceLive(t *testing.T) *mockVoiceLive {
	m := &mockVoiceLive{
		requests: make(chan *http.Request, 1),
		received: make(chan []byte, 16),
		conns:    make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requests <- r
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			m.received <- data
		}
	}))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockVoiceLive) client() *Client {
	return NewClient(Config{
		Endpoint:    m.server.URL,
		APIVersion:  "2025-05-01-preview",
		ProjectName: "demo-project",
		AgentID:     "agent-42",
	}, nil)
}

func receiveFrame(t *testing.T, conn *Conn) []byte {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame, err := conn.Receive()
		require.NoError(t, err)
		if frame != nil {
			return frame
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("等待下游帧超时")
	return nil
}

func TestClientURL(t *testing.T) {
	c := NewClient(Config{
		Endpoint:    "https://demo.services.ai.azure.com/",
		APIVersion:  "2025-05-01-preview",
		ProjectName: "proj",
		AgentID:     "agent",
	}, nil)

	raw, err := c.URL("tok")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "wss://demo.services.ai.azure.com/voice-live/realtime?"))
	assert.Contains(t, raw, "api-version=2025-05-01-preview")
	assert.Contains(t, raw, "agent-project-name=proj")
	assert.Contains(t, raw, "agent-id=agent")
	assert.Contains(t, raw, "agent-access-token=tok")
}

func TestClientURLRejectsScheme(t *testing.T) {
	c := NewClient(Config{Endpoint: "ftp://demo"}, nil)
	_, err := c.URL("tok")
	assert.Error(t, err)
}

func TestDialSendReceive(t *testing.T) {
	mock := newMockVoiceLive(t)

	conn, err := mock.client().Dial(context.Background(), "secret-token")
	require.NoError(t, err)
	defer conn.Close()

	req := <-mock.requests
	assert.Equal(t, "Bearer secret-token", req.Header.Get("Authorization"))
	assert.NotEmpty(t, req.Header.Get("x-ms-client-request-id"))
	assert.Equal(t, "/voice-live/realtime", req.URL.Path)
	assert.Equal(t, "agent-42", req.URL.Query().Get("agent-id"))

	// 发送 session.update
	require.NoError(t, conn.Send(NewSessionUpdate(DefaultSessionConfig())))
	var update map[string]any
	require.NoError(t, json.Unmarshal(<-mock.received, &update))
	assert.Equal(t, TypeSessionUpdate, update["type"])
	session := update["session"].(map[string]any)
	assert.Equal(t, "azure_semantic_vad", session["turn_detection"].(map[string]any)["type"])
	assert.Equal(t, "server_echo_cancellation", session["input_audio_echo_cancellation"].(map[string]any)["type"])

	// 空闲时 Receive 返回 nil
	frame, err := conn.Receive()
	require.NoError(t, err)
	assert.Nil(t, frame)

	server := <-mock.conns
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created","session":{"id":"sess_1"}}`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.done"}`)))

	assert.JSONEq(t, `{"type":"session.created","session":{"id":"sess_1"}}`, string(receiveFrame(t, conn)))
	assert.JSONEq(t, `{"type":"response.done"}`, string(receiveFrame(t, conn)))
}

func TestReceiveAfterClose(t *testing.T) {
	mock := newMockVoiceLive(t)

	conn, err := mock.client().Dial(context.Background(), "tok")
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "重复关闭不应报错")

	_, err = conn.Receive()
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, conn.Send(NewAudioAppend("QUJD")), ErrConnectionClosed)
}

func TestReceivePeerClosed(t *testing.T) {
	mock := newMockVoiceLive(t)

	conn, err := mock.client().Dial(context.Background(), "tok")
	require.NoError(t, err)
	defer conn.Close()

	server := <-mock.conns
	require.NoError(t, server.Close())

	require.Eventually(t, func() bool {
		_, err := conn.Receive()
		return errors.Is(err, ErrConnectionClosed)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient(Config{Endpoint: server.URL, APIVersion: "v", ProjectName: "p", AgentID: "a"}, nil)
	_, err := c.Dial(context.Background(), "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=401")
}
