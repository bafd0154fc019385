// Package audio 提供会话级的输出音频缓冲
package audio

import (
	"errors"
	"sync"
)

// ErrSinkReleased 缓冲已释放
var ErrSinkReleased = errors.New("音频缓冲已释放")

// Sink 会话输出音频缓冲
//
// 音频内容按不透明字节保存，不做编解码。超过上限时丢弃最早的数据。
type Sink struct {
	mu       sync.Mutex
	maxBytes int
	chunks   [][]byte
	size     int
	total    uint64
	released bool
}

// NewSink 创建新的输出缓冲，maxBytes <= 0 表示不保留数据只计数
func NewSink(maxBytes int) *Sink {
	return &Sink{maxBytes: maxBytes}
}

// Write 写入一段音频
func (s *Sink) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrSinkReleased
	}
	s.total += uint64(len(chunk))
	if s.maxBytes <= 0 || len(chunk) == 0 {
		return nil
	}

	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.chunks = append(s.chunks, buf)
	s.size += len(buf)

	for s.size > s.maxBytes && len(s.chunks) > 0 {
		s.size -= len(s.chunks[0])
		s.chunks[0] = nil
		s.chunks = s.chunks[1:]
	}
	return nil
}

// Len 当前缓冲的字节数
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Total 累计写入的字节数
func (s *Sink) Total() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Bytes 返回当前缓冲内容的拷贝
func (s *Sink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, 0, s.size)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

// Release 释放缓冲，可重复调用
func (s *Sink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.released = true
	s.chunks = nil
	s.size = 0
}

// Released 是否已释放
func (s *Sink) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
