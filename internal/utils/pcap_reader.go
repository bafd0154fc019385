// Package utils 抓包回放相关工具
package utils

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// WebSocket 操作码
const (
	OpText   byte = 0x1
	OpBinary byte = 0x2
	OpClose  byte = 0x8
)

// PCAPReader 用于读取和解析PCAP文件
type PCAPReader struct {
	filename string
	file     *os.File
	reader   *pcapgo.Reader
}

// NewPCAPReader 创建新的PCAP读取器
func NewPCAPReader(filename string) (*PCAPReader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("打开PCAP文件失败: %w", err)
	}

	r := &PCAPReader{filename: filename, file: f}
	if err := r.rewind(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Close 关闭PCAP读取器
func (r *PCAPReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// rewind 回到文件开头重新读取
func (r *PCAPReader) rewind() error {
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("重置PCAP文件失败: %w", err)
	}
	reader, err := pcapgo.NewReader(r.file)
	if err != nil {
		return fmt.Errorf("解析PCAP文件头失败: %w", err)
	}
	r.reader = reader
	return nil
}

// eachPayload 遍历所有带负载的TCP包
func (r *PCAPReader) eachPayload(fn func(payload []byte, ts time.Time) bool) error {
	if err := r.rewind(); err != nil {
		return err
	}

	source := gopacket.NewPacketSource(r.reader, r.reader.LinkType())
	for {
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("读取数据包失败: %w", err)
		}

		tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok || len(tcp.Payload) == 0 {
			continue
		}
		if !fn(tcp.Payload, packet.Metadata().Timestamp) {
			return nil
		}
	}
}

// WebSocketHandshake WebSocket握手信息
type WebSocketHandshake struct {
	Path     string
	Headers  map[string]string
	Protocol string
	Key      string
	Version  string
}

// ExtractWebSocketHandshake 提取第一个WebSocket握手，没有时返回 nil
func (r *PCAPReader) ExtractWebSocketHandshake() (*WebSocketHandshake, error) {
	var handshake *WebSocketHandshake
	err := r.eachPayload(func(payload []byte, _ time.Time) bool {
		text := string(payload)
		if !strings.HasPrefix(text, "GET ") || !strings.Contains(strings.ToLower(text), "upgrade: websocket") {
			return true
		}
		h, err := parseWebSocketHandshake(text)
		if err != nil {
			return true
		}
		handshake = h
		return false
	})
	return handshake, err
}

// parseWebSocketHandshake 解析WebSocket握手信息
func parseWebSocketHandshake(data string) (*WebSocketHandshake, error) {
	lines := strings.Split(data, "\r\n")

	// 解析请求行
	requestLine := strings.Split(lines[0], " ")
	if len(requestLine) != 3 || requestLine[0] != "GET" {
		return nil, fmt.Errorf("无效的HTTP请求行")
	}

	handshake := &WebSocketHandshake{
		Path:    requestLine[1],
		Headers: make(map[string]string),
	}

	// 解析请求头
	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		handshake.Headers[key] = value

		switch strings.ToLower(key) {
		case "sec-websocket-protocol":
			handshake.Protocol = value
		case "sec-websocket-key":
			handshake.Key = value
		case "sec-websocket-version":
			handshake.Version = value
		}
	}

	return handshake, nil
}

// Frame 一个WebSocket数据帧
type Frame struct {
	Opcode    byte
	Masked    bool
	Payload   []byte
	Timestamp time.Time
}

// ReadWebSocketFrames 读取所有文本和二进制帧
//
// 只识别从TCP负载开头连续排列的完整帧，跨包分片的帧会被跳过。
func (r *PCAPReader) ReadWebSocketFrames() ([]Frame, error) {
	var frames []Frame
	err := r.eachPayload(func(payload []byte, ts time.Time) bool {
		for _, f := range ParseFrames(payload) {
			if f.Opcode != OpText && f.Opcode != OpBinary {
				continue
			}
			if f.Opcode == OpText && !utf8.Valid(f.Payload) {
				continue
			}
			f.Timestamp = ts
			frames = append(frames, f)
		}
		return true
	})
	return frames, err
}

// ParseFrames 从数据开头依次解析完整的WebSocket帧，遇到不完整或非法帧即停止
func ParseFrames(data []byte) []Frame {
	var frames []Frame
	for len(data) >= 2 {
		b0, b1 := data[0], data[1]
		if b0&0x70 != 0 { // RSV 位必须为0
			break
		}
		opcode := b0 & 0x0F
		if opcode > OpBinary && opcode < OpClose || opcode > 0xA {
			break
		}

		masked := b1&0x80 != 0
		length := uint64(b1 & 0x7F)
		offset := 2

		switch length {
		case 126:
			if len(data) < offset+2 {
				return frames
			}
			length = uint64(binary.BigEndian.Uint16(data[offset:]))
			offset += 2
		case 127:
			if len(data) < offset+8 {
				return frames
			}
			length = binary.BigEndian.Uint64(data[offset:])
			offset += 8
		}

		var mask []byte
		if masked {
			if len(data) < offset+4 {
				return frames
			}
			mask = data[offset : offset+4]
			offset += 4
		}

		if length > uint64(len(data)-offset) {
			return frames
		}
		end := offset + int(length)

		payload := make([]byte, length)
		copy(payload, data[offset:end])
		if masked {
			for i := range payload {
				payload[i] ^= mask[i%4]
			}
		}

		frames = append(frames, Frame{Opcode: opcode, Masked: masked, Payload: payload})
		data = data[end:]
	}
	return frames
}

// AudioEvent 抓包中客户端发出的一段音频
type AudioEvent struct {
	Audio     string
	Timestamp time.Time
}

type audioEnvelope struct {
	Event string `json:"event"`
	Data  struct {
		Audio string `json:"audio"`
	} `json:"data"`
}

// ReadAudioEvents 提取客户端发出的 audio_data 事件
func (r *PCAPReader) ReadAudioEvents() ([]AudioEvent, error) {
	frames, err := r.ReadWebSocketFrames()
	if err != nil {
		return nil, err
	}

	var events []AudioEvent
	for _, f := range frames {
		// 客户端发出的帧一定带掩码
		if f.Opcode != OpText || !f.Masked {
			continue
		}
		var env audioEnvelope
		if err := json.Unmarshal(f.Payload, &env); err != nil {
			continue
		}
		if env.Event != "audio_data" || env.Data.Audio == "" {
			continue
		}
		events = append(events, AudioEvent{Audio: env.Data.Audio, Timestamp: f.Timestamp})
	}
	return events, nil
}
