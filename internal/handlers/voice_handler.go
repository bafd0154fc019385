package handlers

import (
	"context"
	"encoding/json"
	"log/slog"

	"voice_live_bridge/internal/services/voice"
)

// audioData audio_data 事件内容
type audioData struct {
	Audio string `json:"audio"`
}

// VoiceHandler 把客户端事件映射为会话操作
type VoiceHandler struct {
	registry  *voice.Registry
	publisher voice.Publisher
	options   voice.Options
	logger    *slog.Logger
}

// NewVoiceHandler 创建语音事件处理器
//
// 下游对端断开导致的会话自行停止会从 registry 中移除该会话。
func NewVoiceHandler(registry *voice.Registry, opts voice.Options) *VoiceHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Logger = logger

	onClosed := opts.OnClosed
	opts.OnClosed = func(s *voice.Session) {
		if registry.Remove(s.ID(), s) {
			logger.Info("下游断开，已移除会话", "room", s.ID())
		}
		if onClosed != nil {
			onClosed(s)
		}
	}

	return &VoiceHandler{
		registry:  registry,
		publisher: opts.Publisher,
		options:   opts,
		logger:    logger.With("component", "voice_handler"),
	}
}

// HandleEvent 处理一条客户端事件
func (h *VoiceHandler) HandleEvent(ctx context.Context, room, event string, data json.RawMessage) {
	logger := h.logger.With("room", room, "event", event)

	switch event {
	case voice.EventStartVoiceSession:
		h.startSession(ctx, room, logger)

	case voice.EventAudioData:
		var payload audioData
		if err := json.Unmarshal(data, &payload); err != nil {
			logger.Warn("音频数据格式错误", "error", err)
			return
		}
		if payload.Audio == "" {
			logger.Debug("音频数据为空，忽略")
			return
		}
		if s, ok := h.lookup(room, logger); ok {
			_ = s.SendAudio(payload.Audio)
		}

	case voice.EventTriggerResponse:
		if s, ok := h.lookup(room, logger); ok {
			_ = s.TriggerResponse()
		}

	case voice.EventPauseSession:
		if s, ok := h.lookup(room, logger); ok {
			_ = s.Pause()
		}

	case voice.EventResumeSession:
		if s, ok := h.lookup(room, logger); ok {
			_ = s.Resume()
		}

	case voice.EventStopVoiceSession:
		s, ok := h.registry.Unregister(room)
		if !ok {
			logger.Info("没有需要停止的会话")
			return
		}
		s.Stop()
		h.publish(room, voice.EventSessionStopped, voice.StatusPayload{Status: voice.StatusSuccess})

	default:
		logger.Warn("未知的客户端事件")
	}
}

// HandleDisconnect 客户端断开时停止其会话
func (h *VoiceHandler) HandleDisconnect(room string) {
	if s, ok := h.registry.Unregister(room); ok {
		s.Stop()
		h.logger.Info("客户端断开，会话已停止", "room", room)
	}
}

// startSession 先登记再启动，失败时撤销登记以便客户端重试
func (h *VoiceHandler) startSession(ctx context.Context, room string, logger *slog.Logger) {
	s := voice.NewSession(room, h.options)
	if !h.registry.Register(room, s) {
		logger.Info("会话已存在，忽略重复启动")
		return
	}

	if err := s.Start(ctx); err != nil {
		h.registry.Remove(room, s)
		logger.Warn("启动会话失败", "error", err)
	}
}

func (h *VoiceHandler) lookup(room string, logger *slog.Logger) (*voice.Session, bool) {
	s, ok := h.registry.Lookup(room)
	if !ok {
		logger.Debug("没有活跃会话，忽略事件")
	}
	return s, ok
}

func (h *VoiceHandler) publish(room, event string, data any) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(room, event, data); err != nil {
		h.logger.Debug("推送事件失败", "room", room, "event", event, "error", err)
	}
}
