package registry

import (
	"sort"
	"sync"
)

// Registry 会话注册表，sessionId到会话状态的并发安全映射
// 唯一的跨回调共享资源，所有访问必须通过这里的原子操作
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Create 注册新会话
// 同名会话已存在时返回现有会话和false，调用方必须复用而不是覆盖，
// 否则旧会话的上游连接会成为孤儿
func (r *Registry) Create(id, instructions string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[id]; ok {
		return existing, false
	}

	sess := NewSession(id, instructions)
	r.sessions[id] = sess
	return sess, true
}

// Get 按ID查找会话
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove 移除会话，返回是否确实移除了条目
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}

	delete(r.sessions, id)
	return true
}

// Size 当前活跃会话数
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List 所有会话的状态快照，按开始时间降序
func (r *Registry) List() []SessionStatus {
	r.mu.RLock()
	statuses := make([]SessionStatus, 0, len(r.sessions))
	for _, sess := range r.sessions {
		statuses = append(statuses, sess.Status())
	}
	r.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].StartTime.After(statuses[j].StartTime)
	})

	return statuses
}
