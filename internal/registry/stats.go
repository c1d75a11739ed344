package registry

import (
	"sync/atomic"
	"time"
)

// Stats 进程级聚合计数器
// 除activeSessions外全部单调递增，仅进程重启时归零
type Stats struct {
	totalSessions    atomic.Uint64
	totalMessages    atomic.Uint64
	totalAudioChunks atomic.Uint64
	startTime        time.Time
}

// NewStats 创建计数器，startTime固定为进程启动时刻
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// IncrSessions 会话计数+1
func (st *Stats) IncrSessions() {
	st.totalSessions.Add(1)
}

// IncrMessages 消息计数+1
func (st *Stats) IncrMessages() {
	st.totalMessages.Add(1)
}

// IncrAudioChunks 音频块计数+1
func (st *Stats) IncrAudioChunks() {
	st.totalAudioChunks.Add(1)
}

// StartTime 进程启动时刻
func (st *Stats) StartTime() time.Time {
	return st.startTime
}

// StatsSnapshot 计数器快照
// activeSessions是注册表大小的派生视图，读取时重新计算
type StatsSnapshot struct {
	TotalSessions    uint64 `json:"totalSessions"`
	ActiveSessions   int    `json:"activeSessions"`
	TotalMessages    uint64 `json:"totalMessages"`
	TotalAudioChunks uint64 `json:"totalAudioChunks"`
	StartTime        string `json:"startTime"`
	UptimeSeconds    int64  `json:"uptime"`
}

// Snapshot 读取当前计数器值
func (st *Stats) Snapshot(activeSessions int) StatsSnapshot {
	return StatsSnapshot{
		TotalSessions:    st.totalSessions.Load(),
		ActiveSessions:   activeSessions,
		TotalMessages:    st.totalMessages.Load(),
		TotalAudioChunks: st.totalAudioChunks.Load(),
		StartTime:        st.startTime.Format(time.RFC3339),
		UptimeSeconds:    int64(time.Since(st.startTime).Seconds()),
	}
}
