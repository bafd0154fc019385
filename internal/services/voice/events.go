package voice

import "encoding/json"

// 客户端发来的事件
const (
	EventStartVoiceSession = "start_voice_session"
	EventAudioData         = "audio_data"
	EventTriggerResponse   = "trigger_response"
	EventPauseSession      = "pause_session"
	EventResumeSession     = "resume_session"
	EventStopVoiceSession  = "stop_voice_session"
)

// 推送给客户端的事件
const (
	EventSessionStarted       = "session_started"
	EventSessionError         = "session_error"
	EventTranscript           = "transcript"
	EventAgentText            = "agent_text"
	EventAgentAudioTranscript = "agent_audio_transcript"
	EventAudioChunk           = "audio_chunk"
	EventResponseAudioDone    = "response_audio_done"
	EventResponseStarted      = "response_started"
	EventResponseComplete     = "response_complete"
	EventSpeechStarted        = "speech_started"
	EventSpeechStopped        = "speech_stopped"
	EventAPIError             = "api_error"
	EventSessionPaused        = "session_paused"
	EventSessionResumed       = "session_resumed"
	EventSessionStopped       = "session_stopped"
)

// 状态取值
const (
	StatusSuccess  = "success"
	StatusPaused   = "paused"
	StatusResumed  = "resumed"
	StatusInactive = "inactive"
)

// StatusPayload 状态类事件
type StatusPayload struct {
	Status string `json:"status"`
}

// ErrorPayload 会话错误事件
type ErrorPayload struct {
	Error string `json:"error"`
}

// TextPayload 文本类事件
type TextPayload struct {
	Text string `json:"text"`
}

// AudioPayload 音频事件，内容为 base64 字符串
type AudioPayload struct {
	Audio string `json:"audio"`
}

// APIErrorPayload 下游错误原样转发
type APIErrorPayload struct {
	Error json.RawMessage `json:"error"`
}

// EmptyPayload 无内容事件
type EmptyPayload struct{}
