package voicelive

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// 发往下游的帧类型
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioBufferAppend = "input_audio_buffer.append"
	TypeResponseCreate         = "response.create"
)

// 下游推送的事件类型
const (
	EventSessionCreated              = "session.created"
	EventSessionUpdated              = "session.updated"
	EventInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventResponseTextDone            = "response.text.done"
	EventResponseAudioTranscriptDone = "response.audio_transcript.done"
	EventResponseAudioDelta          = "response.audio.delta"
	EventResponseAudioDone           = "response.audio.done"
	EventResponseCreated             = "response.created"
	EventResponseDone                = "response.done"
	EventSpeechStarted               = "input_audio_buffer.speech_started"
	EventSpeechStopped               = "input_audio_buffer.speech_stopped"
	EventError                       = "error"
)

// ErrMalformedFrame 下游帧无法解析
var ErrMalformedFrame = errors.New("下游帧格式错误")

// SessionConfig session.update 中的会话参数
type SessionConfig struct {
	TurnDetection              *TurnDetection `json:"turn_detection,omitempty"`
	InputAudioNoiseReduction   *TypedOption   `json:"input_audio_noise_reduction,omitempty"`
	InputAudioEchoCancellation *TypedOption   `json:"input_audio_echo_cancellation,omitempty"`
	Voice                      *Voice         `json:"voice,omitempty"`
}

// TurnDetection 轮次检测参数
type TurnDetection struct {
	Type                    string                   `json:"type"`
	Threshold               float64                  `json:"threshold"`
	PrefixPaddingMs         int                      `json:"prefix_padding_ms"`
	SilenceDurationMs       int                      `json:"silence_duration_ms"`
	RemoveFillerWords       bool                     `json:"remove_filler_words"`
	EndOfUtteranceDetection *EndOfUtteranceDetection `json:"end_of_utterance_detection,omitempty"`
}

// EndOfUtteranceDetection 语义断句参数
type EndOfUtteranceDetection struct {
	Model     string  `json:"model"`
	Threshold float64 `json:"threshold"`
	Timeout   float64 `json:"timeout"`
}

// TypedOption 只有 type 字段的选项
type TypedOption struct {
	Type string `json:"type"`
}

// Voice 合成音色
type Voice struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Temperature float64 `json:"temperature"`
}

// DefaultSessionConfig 返回默认的会话参数
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TurnDetection: &TurnDetection{
			Type:              "azure_semantic_vad",
			Threshold:         0.3,
			PrefixPaddingMs:   200,
			SilenceDurationMs: 200,
			RemoveFillerWords: false,
			EndOfUtteranceDetection: &EndOfUtteranceDetection{
				Model:     "semantic_detection_v1",
				Threshold: 0.01,
				Timeout:   2,
			},
		},
		InputAudioNoiseReduction:   &TypedOption{Type: "azure_deep_noise_suppression"},
		InputAudioEchoCancellation: &TypedOption{Type: "server_echo_cancellation"},
		Voice: &Voice{
			Name:        "en-US-Ava:DragonHDLatestNeural",
			Type:        "azure-standard",
			Temperature: 0.8,
		},
	}
}

// SessionUpdate session.update 帧
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
	EventID string        `json:"event_id"`
}

// NewSessionUpdate 创建 session.update 帧
func NewSessionUpdate(cfg SessionConfig) *SessionUpdate {
	return &SessionUpdate{
		Type:    TypeSessionUpdate,
		Session: cfg,
		EventID: newEventID(),
	}
}

// AudioAppend input_audio_buffer.append 帧，音频为 base64 字符串，原样透传
type AudioAppend struct {
	Type    string `json:"type"`
	Audio   string `json:"audio"`
	EventID string `json:"event_id"`
}

// NewAudioAppend 创建音频追加帧
func NewAudioAppend(audio string) *AudioAppend {
	return &AudioAppend{
		Type:    TypeInputAudioBufferAppend,
		Audio:   audio,
		EventID: newEventID(),
	}
}

// ResponseCreate response.create 帧
type ResponseCreate struct {
	Type     string          `json:"type"`
	Response ResponseOptions `json:"response"`
	EventID  string          `json:"event_id,omitempty"`
}

// ResponseOptions 回复参数
type ResponseOptions struct {
	Modalities   []string `json:"modalities"`
	Instructions string   `json:"instructions,omitempty"`
}

// NewResponseCreate 创建同时要求文本和音频的 response.create 帧
func NewResponseCreate(instructions string) *ResponseCreate {
	return &ResponseCreate{
		Type: TypeResponseCreate,
		Response: ResponseOptions{
			Modalities:   []string{"text", "audio"},
			Instructions: instructions,
		},
		EventID: newEventID(),
	}
}

// ServerEvent 下游事件，只解析桥接需要的字段
type ServerEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	Session    *SessionInfo    `json:"session,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Text       string          `json:"text,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

// SessionInfo session.created / session.updated 携带的会话信息
type SessionInfo struct {
	ID string `json:"id"`
}

// ParseServerEvent 解析下游帧
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	var event ServerEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("%w: 缺少type字段", ErrMalformedFrame)
	}
	return &event, nil
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}
