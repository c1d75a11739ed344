package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceSupportRelay/internal/protocol"
	"VoiceSupportRelay/internal/registry"
)

// captureBroadcaster 记录广播的事件
type captureBroadcaster struct {
	mu     sync.Mutex
	events []string
	data   []interface{}
}

func (c *captureBroadcaster) BroadcastToAdmins(event string, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	c.data = append(c.data, data)
}

func (c *captureBroadcaster) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e == event {
			n++
		}
	}
	return n
}

func (c *captureBroadcaster) lastMonitoring() (MonitoringPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i] == protocol.EvtMonitoringUpdate {
			return c.data[i].(MonitoringPayload), true
		}
	}
	return MonitoringPayload{}, false
}

func TestPublisher_PeriodicEmit(t *testing.T) {
	reg := registry.NewRegistry()
	stats := registry.NewStats()
	capture := &captureBroadcaster{}

	p := NewPublisher(reg, stats, capture, t.TempDir(), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		return capture.count(protocol.EvtMonitoringUpdate) >= 3 &&
			capture.count(protocol.EvtSessionsUpdate) >= 3
	}, 2*time.Second, 10*time.Millisecond, "周期推送必须持续发生")
}

func TestPublisher_SnapshotConsistency(t *testing.T) {
	reg := registry.NewRegistry()
	stats := registry.NewStats()

	reg.Create("s1", "")
	reg.Create("s2", "")
	stats.IncrSessions()
	stats.IncrSessions()

	p := NewPublisher(reg, stats, &captureBroadcaster{}, t.TempDir(), time.Second)
	snap := p.Snapshot()

	assert.Equal(t, 2, snap.Stats.ActiveSessions, "activeSessions等于注册表实时大小")
	assert.Len(t, snap.Sessions, 2)
	assert.Equal(t, uint64(2), snap.Stats.TotalSessions)
	assert.GreaterOrEqual(t, snap.Stats.UptimeSeconds, int64(0))

	reg.Remove("s1")
	assert.Equal(t, 1, p.Snapshot().Stats.ActiveSessions, "快照每次读取时重新计算")
}

func TestPublisher_Kick(t *testing.T) {
	reg := registry.NewRegistry()
	stats := registry.NewStats()
	capture := &captureBroadcaster{}

	// 长周期，只有Kick才能在测试窗口内触发推送
	p := NewPublisher(reg, stats, capture, t.TempDir(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// 等启动推送完成
	require.Eventually(t, func() bool {
		return capture.count(protocol.EvtMonitoringUpdate) == 1
	}, 2*time.Second, 10*time.Millisecond)

	p.KickMonitoring()
	require.Eventually(t, func() bool {
		return capture.count(protocol.EvtMonitoringUpdate) == 2
	}, 2*time.Second, 10*time.Millisecond)

	p.KickSessions()
	require.Eventually(t, func() bool {
		return capture.count(protocol.EvtSessionsUpdate) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublisher_KickNonBlocking(t *testing.T) {
	p := NewPublisher(registry.NewRegistry(), registry.NewStats(),
		&captureBroadcaster{}, t.TempDir(), time.Hour)

	// 没有Run循环消费时重复Kick不得阻塞
	for i := 0; i < 100; i++ {
		p.KickMonitoring()
		p.KickSessions()
	}
}
