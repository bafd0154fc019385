package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice_live_bridge/internal/clients/voicelive"
	"voice_live_bridge/internal/credential"
	"voice_live_bridge/internal/metrics"
)

const waitFor = 2 * time.Second
const tick = 2 * time.Millisecond

// fakeConn 内存中的下游连接
type fakeConn struct {
	mu      sync.Mutex
	sent    []any
	sendErr error

	frames chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 64),
		errs:   make(chan error, 8),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendErr != nil {
		return c.sendErr
	}
	select {
	case <-c.closed:
		return voicelive.ErrConnectionClosed
	default:
	}
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, voicelive.ErrConnectionClosed
	default:
	}
	select {
	case err := <-c.errs:
		return nil, err
	case f := <-c.frames:
		return f, nil
	default:
		return nil, nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(frame string) {
	c.frames <- []byte(frame)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// sentTypes 已发送帧的 type 字段
func (c *fakeConn) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	types := make([]string, 0, len(c.sent))
	for _, f := range c.sent {
		data, _ := json.Marshal(f)
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &head)
		types = append(types, head.Type)
	}
	return types
}

func (c *fakeConn) count(frameType string) int {
	n := 0
	for _, t := range c.sentTypes() {
		if t == frameType {
			n++
		}
	}
	return n
}

type published struct {
	Room  string
	Event string
	Data  any
}

// recordingPublisher 记录推送的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(room, event string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{Room: room, Event: event, Data: data})
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

func (p *recordingPublisher) names() []string {
	var names []string
	for _, e := range p.all() {
		names = append(names, e.Event)
	}
	return names
}

func (p *recordingPublisher) find(event string) (published, bool) {
	for _, e := range p.all() {
		if e.Event == event {
			return e, true
		}
	}
	return published{}, false
}

func (p *recordingPublisher) has(event string) bool {
	_, ok := p.find(event)
	return ok
}

// syncBuffer 并发安全的日志缓冲
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	session *Session
	conn    *fakeConn
	pub     *recordingPublisher
	logs    *syncBuffer
	metrics *metrics.Metrics
	dials   *atomic.Int32
	token   *atomic.Value
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	f := &fixture{
		conn:    newFakeConn(),
		pub:     &recordingPublisher{},
		logs:    &syncBuffer{},
		metrics: metrics.New(),
		dials:   &atomic.Int32{},
		token:   &atomic.Value{},
	}
	opts := Options{
		Dialer: DialerFunc(func(ctx context.Context, token string) (Conn, error) {
			f.dials.Add(1)
			f.token.Store(token)
			return f.conn, nil
		}),
		Credentials:   credential.StaticProvider("test-token"),
		Publisher:     f.pub,
		SessionConfig: voicelive.DefaultSessionConfig(),
		PollInterval:  time.Millisecond,
		ErrorBackoff:  5 * time.Millisecond,
		SinkMaxBytes:  1024,
		Logger:        slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Metrics:       f.metrics,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.session = NewSession("room-1", opts)
	t.Cleanup(f.session.Stop)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.Start(context.Background()))
	require.True(t, f.session.Active())
}

func TestStartSendsSessionUpdate(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	assert.Equal(t, "test-token", f.token.Load())
	assert.Equal(t, []string{voicelive.TypeSessionUpdate}, f.conn.sentTypes())

	ev, ok := f.pub.find(EventSessionStarted)
	require.True(t, ok)
	assert.Equal(t, "room-1", ev.Room)
	assert.Equal(t, StatusPayload{Status: StatusSuccess}, ev.Data)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActiveSessions))
}

type failingProvider struct{}

func (failingProvider) Token(context.Context) (string, error) {
	return "", errors.New("no credential")
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Options, *fakeConn)
		wantError string
		closed    bool
	}{
		{
			name: "获取令牌失败",
			mutate: func(o *Options, _ *fakeConn) {
				o.Credentials = failingProvider{}
			},
			wantError: "no credential",
		},
		{
			name: "连接失败",
			mutate: func(o *Options, _ *fakeConn) {
				o.Dialer = DialerFunc(func(context.Context, string) (Conn, error) {
					return nil, errors.New("dial refused")
				})
			},
			wantError: "dial refused",
		},
		{
			name: "发送配置失败",
			mutate: func(_ *Options, c *fakeConn) {
				c.sendErr = errors.New("write broken")
			},
			wantError: "write broken",
			closed:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var conn *fakeConn
			f := newFixture(t, func(o *Options) {
				conn = newFakeConn()
				o.Dialer = DialerFunc(func(context.Context, string) (Conn, error) { return conn, nil })
				tt.mutate(o, conn)
			})

			err := f.session.Start(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantError)
			assert.False(t, f.session.Active())
			assert.Nil(t, f.session.connection())
			assert.Equal(t, tt.closed, conn.isClosed())

			ev, ok := f.pub.find(EventSessionError)
			require.True(t, ok)
			assert.Contains(t, ev.Data.(ErrorPayload).Error, tt.wantError)
			assert.False(t, f.pub.has(EventSessionStarted))
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionStartFailures))
		})
	}
}

func TestStartTwiceIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	require.NoError(t, f.session.Start(context.Background()))

	assert.Equal(t, int32(1), f.dials.Load())
	assert.Equal(t, 1, f.conn.count(voicelive.TypeSessionUpdate))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsStarted))
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.session.Stop()
	f.session.Stop()

	assert.False(t, f.session.Active())
	assert.False(t, f.session.ResponseInProgress())
	assert.True(t, f.conn.isClosed())
	assert.Nil(t, f.session.connection())
	assert.True(t, f.session.Sink().Released())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ActiveSessions))

	assert.ErrorIs(t, f.session.Start(context.Background()), ErrSessionClosed)
}

func TestStopBeforeStart(t *testing.T) {
	f := newFixture(t, nil)
	f.session.Stop()
	assert.False(t, f.session.Active())
	assert.Equal(t, int32(0), f.dials.Load())
}

func TestSendAudio(t *testing.T) {
	f := newFixture(t, nil)

	assert.ErrorIs(t, f.session.SendAudio("QUJD"), ErrNotActive)
	assert.Equal(t, int32(0), f.dials.Load())

	f.start(t)
	require.NoError(t, f.session.SendAudio("QUJD"))
	assert.Equal(t, 1, f.conn.count(voicelive.TypeInputAudioBufferAppend))

	assert.ErrorIs(t, f.session.SendAudio(""), ErrEmptyAudio)
	assert.Equal(t, 1, f.conn.count(voicelive.TypeInputAudioBufferAppend))

	f.session.Stop()
	assert.ErrorIs(t, f.session.SendAudio("QUJD"), ErrNotActive)
	assert.Equal(t, 1, f.conn.count(voicelive.TypeInputAudioBufferAppend))
}

func TestTriggerResponseGating(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.session.TriggerResponse(), ErrNotActive)

	f.start(t)
	require.NoError(t, f.session.TriggerResponse())
	assert.Equal(t, 1, f.conn.count(voicelive.TypeResponseCreate))

	f.conn.push(`{"type":"response.created"}`)
	require.Eventually(t, f.session.ResponseInProgress, waitFor, tick)
	require.Eventually(t, func() bool { return f.pub.has(EventResponseStarted) }, waitFor, tick)

	assert.ErrorIs(t, f.session.TriggerResponse(), ErrResponseInProgress)
	assert.Equal(t, 1, f.conn.count(voicelive.TypeResponseCreate), "生成中不应再次发送 response.create")
	assert.Contains(t, f.logs.String(), "应答生成中，跳过本次请求")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.GatedTriggers))

	f.conn.push(`{"type":"response.done"}`)
	require.Eventually(t, func() bool { return !f.session.ResponseInProgress() }, waitFor, tick)

	require.NoError(t, f.session.TriggerResponse())
	assert.Equal(t, 2, f.conn.count(voicelive.TypeResponseCreate))
}

func TestResponseInProgressTracksDownstream(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	assert.False(t, f.session.ResponseInProgress())

	f.conn.push(`{"type":"response.created"}`)
	require.Eventually(t, f.session.ResponseInProgress, waitFor, tick)

	f.conn.push(`{"type":"response.done"}`)
	require.Eventually(t, func() bool { return !f.session.ResponseInProgress() }, waitFor, tick)

	f.conn.push(`{"type":"response.created"}`)
	require.Eventually(t, f.session.ResponseInProgress, waitFor, tick)

	f.session.Stop()
	assert.False(t, f.session.ResponseInProgress())
}

func TestAudioDeltaOrdering(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.conn.push(`{"type":"response.audio.delta","delta":"QUJD"}`)
	f.conn.push(`{"type":"response.done"}`)

	require.Eventually(t, func() bool { return f.pub.has(EventResponseComplete) }, waitFor, tick)

	names := f.pub.names()
	assert.Equal(t, []string{EventSessionStarted, EventAudioChunk, EventResponseComplete}, names)

	ev, _ := f.pub.find(EventAudioChunk)
	assert.Equal(t, AudioPayload{Audio: "QUJD"}, ev.Data)
	assert.Equal(t, []byte("ABC"), f.session.Sink().Bytes())
}

func TestDispatchTable(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	frames := []string{
		`{"type":"session.created","session":{"id":"sess_1"}}`,
		`{"type":"session.updated"}`,
		`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello"}`,
		`{"type":"response.text.done","text":"agent text"}`,
		`{"type":"response.audio_transcript.done","transcript":"spoken"}`,
		`{"type":"response.audio.delta","delta":""}`,
		`{"type":"response.audio.done"}`,
		`{"type":"input_audio_buffer.speech_started"}`,
		`{"type":"input_audio_buffer.speech_stopped"}`,
		`{"type":"rate_limits.updated"}`,
		`{"type":"error","error":{"code":"bad_request","message":"oops"}}`,
	}
	for _, frame := range frames {
		f.conn.push(frame)
	}

	require.Eventually(t, func() bool { return f.pub.has(EventAPIError) }, waitFor, tick)

	events := f.pub.all()
	var names []string
	for _, e := range events {
		names = append(names, e.Event)
	}
	assert.Equal(t, []string{
		EventSessionStarted,
		EventTranscript,
		EventAgentText,
		EventAgentAudioTranscript,
		EventResponseAudioDone,
		EventSpeechStarted,
		EventSpeechStopped,
		EventAPIError,
	}, names)

	assert.Equal(t, TextPayload{Text: "hello"}, events[1].Data)
	assert.Equal(t, TextPayload{Text: "agent text"}, events[2].Data)
	assert.Equal(t, TextPayload{Text: "spoken"}, events[3].Data)

	data, err := json.Marshal(events[7].Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{"code":"bad_request","message":"oops"}}`, string(data))

	assert.True(t, f.session.Active(), "下游错误不影响会话")
	assert.Contains(t, f.logs.String(), "sess_1")
}

func TestAPIErrorWithoutBody(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.conn.push(`{"type":"error"}`)
	require.Eventually(t, func() bool { return f.pub.has(EventAPIError) }, waitFor, tick)

	ev, _ := f.pub.find(EventAPIError)
	data, err := json.Marshal(ev.Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{}}`, string(data))
}

func TestMalformedFrameIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.conn.errs <- errors.New("temporary read failure")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.RelayErrors.WithLabelValues("transient")) == 1
	}, waitFor, tick)

	f.conn.push(`not json`)
	f.conn.push(`{"type":"input_audio_buffer.speech_started"}`)

	require.Eventually(t, func() bool { return f.pub.has(EventSpeechStarted) }, waitFor, tick)
	assert.True(t, f.session.Active())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RelayErrors.WithLabelValues("malformed")))
}

func TestStopDuringBackoff(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.ErrorBackoff = time.Minute
	})
	f.start(t)

	f.conn.push(`not json`)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.RelayErrors.WithLabelValues("malformed")) == 1
	}, waitFor, tick)

	f.conn.push(`{"type":"input_audio_buffer.speech_started"}`)
	before := len(f.pub.all())

	begin := time.Now()
	f.session.Stop()
	assert.Less(t, time.Since(begin), time.Second, "停止应打断退避等待")

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.pub.all(), before, "停止后不应再推送事件")
	assert.False(t, f.pub.has(EventSpeechStarted))
	assert.False(t, f.session.Active())
}

func TestPeerClosed(t *testing.T) {
	var closedHook atomic.Bool
	f := newFixture(t, func(o *Options) {
		o.OnClosed = func(*Session) { closedHook.Store(true) }
	})
	f.start(t)

	f.conn.errs <- fmt.Errorf("%w: EOF", voicelive.ErrConnectionClosed)

	require.Eventually(t, closedHook.Load, waitFor, tick)
	assert.False(t, f.session.Active())
	assert.True(t, f.conn.isClosed())

	ev, ok := f.pub.find(EventSessionError)
	require.True(t, ok)
	assert.Equal(t, ErrorPayload{Error: "downstream connection closed"}, ev.Data)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RelayErrors.WithLabelValues("closed")))
}

func TestStopDoesNotReportPeerClose(t *testing.T) {
	var closedHook atomic.Bool
	f := newFixture(t, func(o *Options) {
		o.OnClosed = func(*Session) { closedHook.Store(true) }
	})
	f.start(t)
	f.session.Stop()

	assert.False(t, closedHook.Load())
	assert.False(t, f.pub.has(EventSessionError))
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, nil)

	assert.ErrorIs(t, f.session.Pause(), ErrNotActive)
	ev, ok := f.pub.find(EventSessionPaused)
	require.True(t, ok)
	assert.Equal(t, StatusPayload{Status: StatusInactive}, ev.Data)

	f.start(t)
	require.NoError(t, f.session.Pause())
	assert.True(t, f.session.Paused())

	assert.ErrorIs(t, f.session.TriggerResponse(), ErrPaused)
	assert.Equal(t, 0, f.conn.count(voicelive.TypeResponseCreate))
	require.NoError(t, f.session.SendAudio("QUJD"), "暂停时音频照常转发")

	require.NoError(t, f.session.Resume())
	ev, ok = f.pub.find(EventSessionResumed)
	require.True(t, ok)
	assert.Equal(t, StatusPayload{Status: StatusResumed}, ev.Data)

	require.NoError(t, f.session.TriggerResponse())
	assert.Equal(t, 1, f.conn.count(voicelive.TypeResponseCreate))
	assert.True(t, f.session.Active())
	assert.False(t, f.conn.isClosed())
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, nil)

	snap := f.session.Snapshot()
	assert.Equal(t, "room-1", snap.ID)
	assert.False(t, snap.Active)
	assert.True(t, snap.StartedAt.IsZero())

	f.start(t)
	f.conn.push(`{"type":"response.audio.delta","delta":"QUJD"}`)
	require.Eventually(t, func() bool { return f.session.Snapshot().SinkBytes == 3 }, waitFor, tick)

	snap = f.session.Snapshot()
	assert.True(t, snap.Active)
	assert.False(t, snap.StartedAt.IsZero())
	assert.Equal(t, uint64(3), snap.SinkTotal)
}
