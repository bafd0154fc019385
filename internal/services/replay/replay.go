// Package replay 把抓包中的客户端音频重新发送给桥接服务
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"voice_live_bridge/internal/clients/ws"
	"voice_live_bridge/internal/services/voice"
	wshub "voice_live_bridge/internal/services/ws"
	"voice_live_bridge/internal/utils"
)

var (
	// ErrTimeout 等待桥接服务事件超时
	ErrTimeout = errors.New("等待事件超时")
	// ErrDisconnected 桥接服务连接已断开
	ErrDisconnected = errors.New("桥接服务连接已断开")
)

// Options 回放参数
type Options struct {
	URL         string        // 桥接服务地址
	Speed       float64       // 1 为按抓包时间间隔回放，<=0 时不等待
	Trigger     bool          // 音频发送完后请求应答
	WaitTimeout time.Duration // 等待会话启动和应答完成的超时
	Logger      *slog.Logger
}

// Summary 回放结果
type Summary struct {
	Room      string         `json:"room"`
	AudioSent int            `json:"audio_sent"`
	Events    map[string]int `json:"events"`
}

// EventNames 按名称排序的已收到事件
func (s *Summary) EventNames() []string {
	names := make([]string, 0, len(s.Events))
	for name := range s.Events {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capture 从抓包中读出的回放数据
type Capture struct {
	// Path 抓包中WebSocket握手的请求路径，没有握手时为空
	Path   string
	Events []utils.AudioEvent
}

// LoadCapture 从pcap文件读取握手路径和客户端音频
func LoadCapture(path string) (*Capture, error) {
	reader, err := utils.NewPCAPReader(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	capture := &Capture{}
	handshake, err := reader.ExtractWebSocketHandshake()
	if err != nil {
		return nil, err
	}
	if handshake != nil {
		capture.Path = handshake.Path
	}

	capture.Events, err = reader.ReadAudioEvents()
	if err != nil {
		return nil, err
	}
	return capture, nil
}

// 回放关心的桥接事件
var trackedEvents = []string{
	voice.EventSessionStarted,
	voice.EventSessionError,
	voice.EventTranscript,
	voice.EventAgentText,
	voice.EventAgentAudioTranscript,
	voice.EventAudioChunk,
	voice.EventResponseAudioDone,
	voice.EventResponseStarted,
	voice.EventResponseComplete,
	voice.EventSpeechStarted,
	voice.EventSpeechStopped,
	voice.EventAPIError,
	voice.EventSessionStopped,
}

type recorder struct {
	mu      sync.Mutex
	counts  map[string]int
	signals map[string]chan json.RawMessage
}

func newRecorder() *recorder {
	r := &recorder{
		counts:  make(map[string]int),
		signals: make(map[string]chan json.RawMessage),
	}
	for _, name := range append(trackedEvents, wshub.EventConnected) {
		r.signals[name] = make(chan json.RawMessage, 1)
	}
	return r
}

func (r *recorder) handler(name string) ws.MessageHandler {
	return func(data json.RawMessage) error {
		r.mu.Lock()
		r.counts[name]++
		r.mu.Unlock()

		select {
		case r.signals[name] <- data:
		default:
		}
		return nil
	}
}

func (r *recorder) snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// wait 等待任一事件到达，返回事件名；连接断开前已收到的事件仍会返回
func (r *recorder) wait(ctx context.Context, done <-chan struct{}, timeout time.Duration, names ...string) (string, json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		for _, name := range names {
			select {
			case data := <-r.signals[name]:
				return name, data, nil
			default:
			}
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-done:
			// 断开前的最后一条事件可能刚写入
			for _, name := range names {
				select {
				case data := <-r.signals[name]:
					return name, data, nil
				default:
				}
			}
			return "", nil, fmt.Errorf("%w: %v", ErrDisconnected, names)
		case <-timer.C:
			return "", nil, fmt.Errorf("%w: %v", ErrTimeout, names)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Run 连接桥接服务，启动会话并按顺序发送音频
func Run(ctx context.Context, events []utils.AudioEvent, opts Options) (*Summary, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 30 * time.Second
	}

	rec := newRecorder()
	client := ws.NewClient(ws.Config{URL: opts.URL, Logger: logger})
	client.RegisterHandler(wshub.EventConnected, rec.handler(wshub.EventConnected))
	for _, name := range trackedEvents {
		client.RegisterHandler(name, rec.handler(name))
	}

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	defer client.Close()

	summary := &Summary{}

	_, data, err := rec.wait(ctx, client.Done(), opts.WaitTimeout, wshub.EventConnected)
	if err != nil {
		return nil, err
	}
	var connected wshub.ConnectedPayload
	if err := json.Unmarshal(data, &connected); err != nil {
		return nil, fmt.Errorf("解析房间号失败: %w", err)
	}
	summary.Room = connected.Room
	logger = logger.With("room", summary.Room)

	if err := client.SendEvent(voice.EventStartVoiceSession, nil); err != nil {
		return nil, err
	}
	name, data, err := rec.wait(ctx, client.Done(), opts.WaitTimeout, voice.EventSessionStarted, voice.EventSessionError)
	if err != nil {
		return nil, err
	}
	if name == voice.EventSessionError {
		var payload voice.ErrorPayload
		_ = json.Unmarshal(data, &payload)
		return nil, fmt.Errorf("会话启动失败: %s", payload.Error)
	}
	logger.Info("会话已启动，开始回放", "audio_events", len(events))

	for i, ev := range events {
		if i > 0 && opts.Speed > 0 {
			gap := time.Duration(float64(ev.Timestamp.Sub(events[i-1].Timestamp)) / opts.Speed)
			if gap > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-client.Done():
					return nil, ErrDisconnected
				case <-time.After(gap):
				}
			}
		}
		if err := client.SendEvent(voice.EventAudioData, voice.AudioPayload{Audio: ev.Audio}); err != nil {
			return nil, err
		}
		summary.AudioSent++
	}

	if opts.Trigger {
		if err := client.SendEvent(voice.EventTriggerResponse, nil); err != nil {
			return nil, err
		}
		if _, _, err := rec.wait(ctx, client.Done(), opts.WaitTimeout, voice.EventResponseComplete); err != nil {
			logger.Warn("等待应答完成失败", "error", err)
		}
	}

	if err := client.SendEvent(voice.EventStopVoiceSession, nil); err != nil {
		return nil, err
	}
	if _, _, err := rec.wait(ctx, client.Done(), opts.WaitTimeout, voice.EventSessionStopped); err != nil {
		logger.Warn("等待会话停止失败", "error", err)
	}

	summary.Events = rec.snapshot()
	logger.Info("回放完成", "audio_sent", summary.AudioSent)
	return summary, nil
}
