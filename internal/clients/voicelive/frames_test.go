package voicelive

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerEvent(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, e *ServerEvent)
	}{
		{
			name:  "会话创建",
			input: `{"type":"session.created","session":{"id":"sess_1"}}`,
			check: func(t *testing.T, e *ServerEvent) {
				require.NotNil(t, e.Session)
				assert.Equal(t, "sess_1", e.Session.ID)
			},
		},
		{
			name:  "音频增量",
			input: `{"type":"response.audio.delta","delta":"QUJD"}`,
			check: func(t *testing.T, e *ServerEvent) {
				assert.Equal(t, EventResponseAudioDelta, e.Type)
				assert.Equal(t, "QUJD", e.Delta)
			},
		},
		{
			name:  "错误事件保留原始内容",
			input: `{"type":"error","error":{"code":"rate_limited","message":"slow down"}}`,
			check: func(t *testing.T, e *ServerEvent) {
				assert.JSONEq(t, `{"code":"rate_limited","message":"slow down"}`, string(e.Error))
			},
		},
		{
			name:  "转写完成",
			input: `{"type":"conversation.item.input_audio_transcription.completed","transcript":"你好"}`,
			check: func(t *testing.T, e *ServerEvent) {
				assert.Equal(t, "你好", e.Transcript)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseServerEvent([]byte(tt.input))
			require.NoError(t, err)
			tt.check(t, e)
		})
	}
}

func TestParseServerEventMalformed(t *testing.T) {
	for _, input := range []string{`not json`, `{"delta":"x"}`, `[]`} {
		_, err := ParseServerEvent([]byte(input))
		assert.ErrorIs(t, err, ErrMalformedFrame, input)
	}
}

func TestOutboundFrames(t *testing.T) {
	data, err := json.Marshal(NewAudioAppend("QUJD"))
	require.NoError(t, err)
	var frame map[string]string
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, TypeInputAudioBufferAppend, frame["type"])
	assert.Equal(t, "QUJD", frame["audio"])
	assert.True(t, strings.HasPrefix(frame["event_id"], "evt_"))

	data, err = json.Marshal(NewResponseCreate("Please respond to the user's input."))
	require.NoError(t, err)
	var create struct {
		Type     string `json:"type"`
		Response struct {
			Modalities   []string `json:"modalities"`
			Instructions string   `json:"instructions"`
		} `json:"response"`
	}
	require.NoError(t, json.Unmarshal(data, &create))
	assert.Equal(t, TypeResponseCreate, create.Type)
	assert.Equal(t, []string{"text", "audio"}, create.Response.Modalities)
	assert.Equal(t, "Please respond to the user's input.", create.Response.Instructions)
}
