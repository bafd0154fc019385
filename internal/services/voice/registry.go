package voice

import (
	"sort"
	"sync"
)

// Registry 按客户端房间号保存活跃会话
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry 创建空的会话表
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register 不存在时插入，已存在返回 false
func (r *Registry) Register(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return false
	}
	r.sessions[id] = s
	return true
}

// Lookup 查找会话
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Unregister 移除并返回会话
func (r *Registry) Unregister(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// Remove 仅当登记的仍是 s 时移除
func (r *Registry) Remove(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// Len 会话数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshots 所有会话的状态快照，按ID排序
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopAll 清空会话表并停止所有会话
func (r *Registry) StopAll() int {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
	return len(sessions)
}
