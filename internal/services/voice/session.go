// Package voice 实现浏览器客户端与 Voice Live 之间的语音会话桥接
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"voice_live_bridge/internal/audio"
	"voice_live_bridge/internal/clients/voicelive"
	"voice_live_bridge/internal/credential"
	"voice_live_bridge/internal/metrics"
)

var (
	// ErrNotActive 会话未激活
	ErrNotActive = errors.New("会话未激活")
	// ErrSessionClosed 会话已停止，不能再次启动
	ErrSessionClosed = errors.New("会话已停止")
	// ErrResponseInProgress 已有应答正在生成
	ErrResponseInProgress = errors.New("应答生成中")
	// ErrPaused 会话已暂停
	ErrPaused = errors.New("会话已暂停")
	// ErrEmptyAudio 音频数据为空
	ErrEmptyAudio = errors.New("音频数据为空")
)

const (
	defaultPollInterval = 10 * time.Millisecond
	defaultErrorBackoff = 100 * time.Millisecond
	defaultInstructions = "Please respond to the user's input."

	downstreamClosedMessage = "downstream connection closed"
)

// Conn 下游双工连接
type Conn interface {
	Send(frame any) error
	// Receive 不阻塞，空闲时返回 (nil, nil)
	Receive() ([]byte, error)
	Close() error
}

// Dialer 建立下游连接
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// DialerFunc 函数形式的 Dialer
type DialerFunc func(ctx context.Context, token string) (Conn, error)

// Dial 实现 Dialer
func (f DialerFunc) Dial(ctx context.Context, token string) (Conn, error) {
	return f(ctx, token)
}

// FromClient 将 Voice Live 客户端适配为 Dialer
func FromClient(c *voicelive.Client) Dialer {
	return DialerFunc(func(ctx context.Context, token string) (Conn, error) {
		conn, err := c.Dial(ctx, token)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// Publisher 向客户端房间推送事件
type Publisher interface {
	Publish(room, event string, data any) error
}

// Options 会话依赖与参数
type Options struct {
	Dialer        Dialer
	Credentials   credential.Provider
	Publisher     Publisher
	SessionConfig voicelive.SessionConfig
	Instructions  string
	PollInterval  time.Duration
	ErrorBackoff  time.Duration
	SinkMaxBytes  int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	// OnClosed 下游对端断开导致会话自行停止后回调
	OnClosed func(*Session)
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = defaultErrorBackoff
	}
	if o.Instructions == "" {
		o.Instructions = defaultInstructions
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Session 一个客户端的语音会话
//
// conn 非空当且仅当 active 为真；responseInProgress 只在 active 时可能为真。
type Session struct {
	id     string
	opts   Options
	logger *slog.Logger
	sink   *audio.Sink

	active             atomic.Bool
	responseInProgress atomic.Bool
	paused             atomic.Bool

	mu        sync.Mutex
	conn      Conn
	starting  bool
	closed    bool
	startedAt time.Time
	stopCh    chan struct{}
	relayDone chan struct{}
}

// NewSession 创建新的语音会话，id 为客户端房间号
func NewSession(id string, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		id:     id,
		opts:   opts,
		logger: opts.Logger.With("session_id", id),
		sink:   audio.NewSink(opts.SinkMaxBytes),
		stopCh: make(chan struct{}),
	}
}

// ID 会话ID
func (s *Session) ID() string {
	return s.id
}

// Active 会话是否激活
func (s *Session) Active() bool {
	return s.active.Load()
}

// ResponseInProgress 是否有应答正在生成
func (s *Session) ResponseInProgress() bool {
	return s.responseInProgress.Load()
}

// Paused 是否暂停
func (s *Session) Paused() bool {
	return s.paused.Load()
}

// Sink 会话输出音频缓冲
func (s *Session) Sink() *audio.Sink {
	return s.sink
}

// Start 建立下游连接、发送初始配置并启动事件中继
//
// 已激活或正在启动时直接返回。失败时推送 session_error 并返回错误。
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.active.Load() || s.starting {
		s.mu.Unlock()
		s.logger.Info("会话已在运行，忽略重复启动")
		return nil
	}
	s.starting = true
	s.mu.Unlock()

	conn, err := s.connect(ctx)
	if err != nil {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()

		s.opts.Metrics.SessionStartFailed()
		s.logger.Error("启动语音会话失败", "error", err)
		s.publish(EventSessionError, ErrorPayload{Error: err.Error()})
		return err
	}

	s.mu.Lock()
	s.starting = false
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	s.conn = conn
	s.startedAt = time.Now()
	s.relayDone = make(chan struct{})
	done := s.relayDone
	s.active.Store(true)
	s.mu.Unlock()

	s.opts.Metrics.SessionStarted()
	s.logger.Info("语音会话已启动")
	s.publish(EventSessionStarted, StatusPayload{Status: StatusSuccess})

	go s.relay(conn, done)
	return nil
}

// connect 获取令牌、建立连接并发送 session.update
func (s *Session) connect(ctx context.Context) (Conn, error) {
	if s.opts.Credentials == nil || s.opts.Dialer == nil {
		return nil, errors.New("会话缺少凭据或连接器")
	}

	token, err := s.opts.Credentials.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取访问令牌失败: %w", err)
	}

	conn, err := s.opts.Dialer.Dial(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("连接下游失败: %w", err)
	}

	if err := conn.Send(voicelive.NewSessionUpdate(s.opts.SessionConfig)); err != nil {
		if cerr := conn.Close(); cerr != nil {
			s.logger.Warn("关闭下游连接失败", "error", cerr)
		}
		return nil, fmt.Errorf("发送会话配置失败: %w", err)
	}
	s.opts.Metrics.FrameSent(voicelive.TypeSessionUpdate)
	return conn, nil
}

// connection 当前连接，未激活时为 nil
func (s *Session) connection() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// SendAudio 转发一段 base64 音频
func (s *Session) SendAudio(payload string) error {
	if payload == "" {
		return ErrEmptyAudio
	}
	conn := s.connection()
	if !s.active.Load() || conn == nil {
		s.logger.Debug("会话未激活，丢弃音频")
		return ErrNotActive
	}

	if err := conn.Send(voicelive.NewAudioAppend(payload)); err != nil {
		s.logger.Warn("发送音频失败", "error", err)
		return err
	}
	s.opts.Metrics.FrameSent(voicelive.TypeInputAudioBufferAppend)
	return nil
}

// TriggerResponse 请求智能体生成应答
//
// 已有应答生成中或会话暂停时跳过。标志位只在这里读取，由中继根据下游事件维护。
func (s *Session) TriggerResponse() error {
	conn := s.connection()
	if !s.active.Load() || conn == nil {
		s.logger.Debug("会话未激活，忽略应答请求")
		return ErrNotActive
	}
	if s.paused.Load() {
		s.logger.Info("会话已暂停，忽略应答请求")
		return ErrPaused
	}
	if s.responseInProgress.Load() {
		s.opts.Metrics.TriggerGated()
		s.logger.Info("应答生成中，跳过本次请求")
		return ErrResponseInProgress
	}

	if err := conn.Send(voicelive.NewResponseCreate(s.opts.Instructions)); err != nil {
		s.logger.Warn("发送应答请求失败", "error", err)
		return err
	}
	s.opts.Metrics.FrameSent(voicelive.TypeResponseCreate)
	s.logger.Debug("已请求生成应答")
	return nil
}

// Pause 暂停会话，暂停期间不再触发应答，音频照常转发
func (s *Session) Pause() error {
	if !s.active.Load() {
		s.publish(EventSessionPaused, StatusPayload{Status: StatusInactive})
		return ErrNotActive
	}
	s.paused.Store(true)
	s.logger.Info("会话已暂停")
	s.publish(EventSessionPaused, StatusPayload{Status: StatusPaused})
	return nil
}

// Resume 恢复会话
func (s *Session) Resume() error {
	if !s.active.Load() {
		s.publish(EventSessionResumed, StatusPayload{Status: StatusInactive})
		return ErrNotActive
	}
	s.paused.Store(false)
	s.logger.Info("会话已恢复")
	s.publish(EventSessionResumed, StatusPayload{Status: StatusResumed})
	return nil
}

// Stop 停止会话并等待事件中继退出，可重复调用
func (s *Session) Stop() {
	s.shutdown(false)
}

// shutdown 中继自身调用时不等待自己退出
func (s *Session) shutdown(fromRelay bool) {
	s.mu.Lock()
	first := !s.closed
	wasActive := s.active.Load()
	s.closed = true
	s.active.Store(false)
	s.responseInProgress.Store(false)
	conn := s.conn
	s.conn = nil
	done := s.relayDone
	if first {
		close(s.stopCh)
	}
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Warn("关闭下游连接失败", "error", err)
		}
	}
	if first {
		s.sink.Release()
		if wasActive {
			s.opts.Metrics.SessionStopped()
			s.logger.Info("语音会话已停止")
		}
	}
	if !fromRelay && done != nil {
		<-done
	}
}

// stopped 是否已收到停止信号
func (s *Session) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// publish 推送事件到客户端房间，失败只记录日志
func (s *Session) publish(event string, data any) {
	if s.opts.Publisher == nil {
		return
	}
	if err := s.opts.Publisher.Publish(s.id, event, data); err != nil {
		s.logger.Debug("推送事件失败", "event", event, "error", err)
		return
	}
	s.opts.Metrics.ClientEvent(event)
}

// Snapshot 会话状态快照
type Snapshot struct {
	ID                 string    `json:"id"`
	Active             bool      `json:"active"`
	Paused             bool      `json:"paused"`
	ResponseInProgress bool      `json:"response_in_progress"`
	StartedAt          time.Time `json:"started_at,omitempty"`
	SinkBytes          int       `json:"sink_bytes"`
	SinkTotal          uint64    `json:"sink_total"`
}

// Snapshot 返回当前状态
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	return Snapshot{
		ID:                 s.id,
		Active:             s.active.Load(),
		Paused:             s.paused.Load(),
		ResponseInProgress: s.responseInProgress.Load(),
		StartedAt:          startedAt,
		SinkBytes:          s.sink.Len(),
		SinkTotal:          s.sink.Total(),
	}
}
