package monitor

import (
	"context"
	"log"
	"time"

	"VoiceSupportRelay/internal/calllog"
	"VoiceSupportRelay/internal/protocol"
	"VoiceSupportRelay/internal/registry"
)

// Broadcaster 监控数据的下发端，由网关实现
type Broadcaster interface {
	BroadcastToAdmins(event string, data interface{})
}

// MonitoringPayload monitoring.update负载：聚合计数加实时会话列表
type MonitoringPayload struct {
	Stats    registry.StatsSnapshot   `json:"stats"`
	Sessions []registry.SessionStatus `json:"sessions"`
}

// SessionsPayload sessions.update负载：来自审计日志的历史会话列表
type SessionsPayload struct {
	Sessions []calllog.SessionSummary `json:"sessions"`
}

// Publisher 周期性向观察端推送监控快照
// 周期推送之外，业务事件可通过Kick*立即触发一次刷新
type Publisher struct {
	registry    *registry.Registry
	stats       *registry.Stats
	broadcaster Broadcaster
	callLogsDir string
	interval    time.Duration

	kickMonitoring chan struct{}
	kickSessions   chan struct{}
}

// NewPublisher 创建监控推送器
func NewPublisher(reg *registry.Registry, stats *registry.Stats, b Broadcaster,
	callLogsDir string, interval time.Duration) *Publisher {

	if interval <= 0 {
		interval = 2 * time.Second
	}

	return &Publisher{
		registry:       reg,
		stats:          stats,
		broadcaster:    b,
		callLogsDir:    callLogsDir,
		interval:       interval,
		kickMonitoring: make(chan struct{}, 1),
		kickSessions:   make(chan struct{}, 1),
	}
}

// KickMonitoring 请求立即推送一次monitoring.update（非阻塞）
func (p *Publisher) KickMonitoring() {
	select {
	case p.kickMonitoring <- struct{}{}:
	default:
	}
}

// KickSessions 请求立即推送一次sessions.update（非阻塞）
func (p *Publisher) KickSessions() {
	select {
	case p.kickSessions <- struct{}{}:
	default:
	}
}

// Run 启动周期推送循环，ctx取消后退出
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// 启动时先推一轮，观察端不用等第一个周期
	p.emitMonitoring()
	p.emitSessions()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Monitor publisher stopped")
			return
		case <-ticker.C:
			p.emitMonitoring()
			p.emitSessions()
		case <-p.kickMonitoring:
			p.emitMonitoring()
		case <-p.kickSessions:
			p.emitSessions()
		}
	}
}

// Snapshot 构建当前监控快照
func (p *Publisher) Snapshot() MonitoringPayload {
	return MonitoringPayload{
		Stats:    p.stats.Snapshot(p.registry.Size()),
		Sessions: p.registry.List(),
	}
}

func (p *Publisher) emitMonitoring() {
	p.broadcaster.BroadcastToAdmins(protocol.EvtMonitoringUpdate, p.Snapshot())
}

func (p *Publisher) emitSessions() {
	p.broadcaster.BroadcastToAdmins(protocol.EvtSessionsUpdate, SessionsPayload{
		Sessions: calllog.ListSessions(p.callLogsDir),
	})
}
