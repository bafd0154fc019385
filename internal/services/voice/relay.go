package voice

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"voice_live_bridge/internal/clients/voicelive"
)

// emptyAPIError 下游 error 事件缺少 error 字段时转发的内容
var emptyAPIError = json.RawMessage("{}")

// relay 事件中继循环，每个激活的会话一个
//
// 从下游取帧并按类型转为客户端事件。解析失败和瞬时错误退避后继续，
// 连接关闭时退出；停止信号到达后不再推送任何事件。
func (s *Session) relay(conn Conn, done chan struct{}) {
	defer close(done)
	s.logger.Debug("事件中继已启动")
	defer s.logger.Debug("事件中继已退出")

	for {
		if s.stopped() || !s.active.Load() {
			return
		}

		frame, err := conn.Receive()
		if err != nil {
			if errors.Is(err, voicelive.ErrConnectionClosed) {
				s.handleClosed(err)
				return
			}
			s.opts.Metrics.RelayError("transient")
			s.logger.Warn("读取下游帧失败", "error", err)
			if !s.sleep(s.opts.ErrorBackoff) {
				return
			}
			continue
		}

		if frame == nil {
			if !s.sleep(s.opts.PollInterval) {
				return
			}
			continue
		}

		event, err := voicelive.ParseServerEvent(frame)
		if err != nil {
			s.opts.Metrics.RelayError("malformed")
			s.logger.Warn("解析下游帧失败", "error", err)
			if !s.sleep(s.opts.ErrorBackoff) {
				return
			}
			continue
		}

		if s.stopped() {
			return
		}
		s.dispatch(event)
	}
}

// handleClosed 下游连接关闭；本端停止时直接退出，对端断开时自行停止会话
func (s *Session) handleClosed(err error) {
	if s.stopped() {
		return
	}
	s.opts.Metrics.RelayError("closed")
	s.logger.Warn("下游连接已断开", "error", err)
	s.publish(EventSessionError, ErrorPayload{Error: downstreamClosedMessage})
	s.shutdown(true)
	if s.opts.OnClosed != nil {
		s.opts.OnClosed(s)
	}
}

// sleep 可被停止信号打断的等待，返回 false 表示已停止
func (s *Session) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// dispatch 按下游事件类型处理
func (s *Session) dispatch(e *voicelive.ServerEvent) {
	s.opts.Metrics.FrameReceived(e.Type)

	switch e.Type {
	case voicelive.EventSessionCreated:
		var downstreamID string
		if e.Session != nil {
			downstreamID = e.Session.ID
		}
		s.logger.Info("下游会话已创建", "downstream_id", downstreamID)

	case voicelive.EventSessionUpdated:
		s.logger.Debug("下游会话配置已更新")

	case voicelive.EventInputTranscriptionCompleted:
		s.publish(EventTranscript, TextPayload{Text: e.Transcript})

	case voicelive.EventResponseTextDone:
		s.publish(EventAgentText, TextPayload{Text: e.Text})

	case voicelive.EventResponseAudioTranscriptDone:
		s.publish(EventAgentAudioTranscript, TextPayload{Text: e.Transcript})

	case voicelive.EventResponseAudioDelta:
		if e.Delta == "" {
			s.logger.Debug("收到空音频增量")
			return
		}
		s.writeSink(e.Delta)
		s.publish(EventAudioChunk, AudioPayload{Audio: e.Delta})

	case voicelive.EventResponseAudioDone:
		s.publish(EventResponseAudioDone, EmptyPayload{})

	case voicelive.EventResponseCreated:
		s.responseInProgress.Store(true)
		// Stop 可能刚把标志清零
		if !s.active.Load() {
			s.responseInProgress.Store(false)
			return
		}
		s.publish(EventResponseStarted, EmptyPayload{})

	case voicelive.EventResponseDone:
		s.responseInProgress.Store(false)
		s.publish(EventResponseComplete, EmptyPayload{})

	case voicelive.EventSpeechStarted:
		s.publish(EventSpeechStarted, EmptyPayload{})

	case voicelive.EventSpeechStopped:
		s.publish(EventSpeechStopped, EmptyPayload{})

	case voicelive.EventError:
		apiErr := e.Error
		if len(apiErr) == 0 {
			apiErr = emptyAPIError
		}
		s.logger.Warn("下游返回错误", "error", string(apiErr))
		s.publish(EventAPIError, APIErrorPayload{Error: apiErr})

	default:
		s.logger.Debug("忽略下游事件", "type", e.Type)
	}
}

func (s *Session) writeSink(delta string) {
	data, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		s.logger.Debug("音频增量不是合法 base64", "error", err)
		return
	}
	if err := s.sink.Write(data); err != nil {
		s.logger.Debug("写入音频缓冲失败", "error", err)
	}
}
