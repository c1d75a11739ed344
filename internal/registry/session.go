package registry

import (
	"context"
	"sync"
	"time"
)

// UpstreamLink 会话持有的上游连接操作集
// registry只定义能力，具体实现由upstream包提供
type UpstreamLink interface {
	Open(ctx context.Context) error
	SendAudioChunk(audioB64 string) error
	SendText(text string) error
	InjectAssistantMessage(text string) error
	RequestCancel() error
	SendSystemTransfer(reason string) error
	SendSystemClose(reason string) error
	Close() error
}

// Session 一次端到端桥接会话的状态机
type Session struct {
	ID           string
	Instructions string
	StartTime    time.Time
	Link         UpstreamLink

	mu                    sync.Mutex
	upstreamConnected     bool
	ongoingResponse       bool
	pendingSpeechStart    bool
	pendingUserTranscript string
	flushTimer            *time.Timer
}

// NewSession 创建新会话状态
func NewSession(id, instructions string) *Session {
	return &Session{
		ID:           id,
		Instructions: instructions,
		StartTime:    time.Now(),
	}
}

// SetConnected 设置上游连接状态
func (s *Session) SetConnected(connected bool) {
	s.mu.Lock()
	s.upstreamConnected = connected
	s.mu.Unlock()
}

// Connected 查询上游连接状态
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstreamConnected
}

// TryBeginResponse 尝试开始一个响应
// 已有进行中响应时返回false，调用方必须放弃本次response.create
func (s *Session) TryBeginResponse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ongoingResponse {
		return false
	}

	s.ongoingResponse = true
	return true
}

// BeginResponse 标记响应进行中（上游response.created事件驱动）
func (s *Session) BeginResponse() {
	s.mu.Lock()
	s.ongoingResponse = true
	s.mu.Unlock()
}

// EndResponse 标记响应结束（完成或取消）
func (s *Session) EndResponse() {
	s.mu.Lock()
	s.ongoingResponse = false
	s.mu.Unlock()
}

// HasOngoingResponse 查询是否有进行中的响应
func (s *Session) HasOngoingResponse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ongoingResponse
}

// StorePendingTranscript 缓存用户转写文本用于顺序修正
func (s *Session) StorePendingTranscript(transcript string) {
	s.mu.Lock()
	s.pendingUserTranscript = transcript
	s.mu.Unlock()
}

// ScheduleSpeechStartFlush 安排延迟的speech-started通知
// 延迟到期时若标志仍有效，先交出缓存的转写文本再由emit回调发出通知；
// 每个会话只保留一个定时器，新的调度会覆盖旧的
func (s *Session) ScheduleSpeechStartFlush(delay time.Duration, emit func(pendingTranscript string)) {
	s.mu.Lock()
	s.pendingSpeechStart = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if !s.pendingSpeechStart {
			s.mu.Unlock()
			return
		}
		transcript := s.pendingUserTranscript
		s.pendingUserTranscript = ""
		s.pendingSpeechStart = false
		s.mu.Unlock()

		emit(transcript)
	})
	s.mu.Unlock()
}

// CancelSpeechStartFlush 取消未触发的speech-started通知
func (s *Session) CancelSpeechStartFlush() {
	s.mu.Lock()
	s.pendingSpeechStart = false
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mu.Unlock()
}

// SessionStatus 会话状态快照（用于监控）
type SessionStatus struct {
	SessionID          string    `json:"sessionId"`
	IsConnected        bool      `json:"isConnected"`
	HasOngoingResponse bool      `json:"hasOngoingResponse"`
	StartTime          time.Time `json:"startTime"`
}

// Status 返回会话状态快照
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionStatus{
		SessionID:          s.ID,
		IsConnected:        s.upstreamConnected,
		HasOngoingResponse: s.ongoingResponse,
		StartTime:          s.StartTime,
	}
}
