package test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceSupportRelay/internal/config"
	"VoiceSupportRelay/internal/escalate"
	"VoiceSupportRelay/internal/protocol"
	"VoiceSupportRelay/internal/registry"
	"VoiceSupportRelay/internal/relay"
	"VoiceSupportRelay/internal/testutil"
)

type e2eStack struct {
	upstream *testutil.FakeRealtime
	registry *registry.Registry
	stats    *registry.Stats
	gateway  *relay.Gateway
	server   *httptest.Server
}

func newE2EStack(t *testing.T) *e2eStack {
	t.Helper()

	upstream := testutil.NewFakeRealtime(t)

	cfgPath := filepath.Join(t.TempDir(), "relay-config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(""), 0o644))
	manager := config.NewManager(config.WithConfigPath(cfgPath))
	_, err := manager.Load()
	require.NoError(t, err)

	gwCfg := relay.DefaultGatewayConfig(upstream.URL(), "test-key")
	gwCfg.FlushDelay = 50 * time.Millisecond
	// 问候自带一次response.create，推远避免干扰文本路径断言
	gwCfg.GreetingDelay = time.Hour

	reg := registry.NewRegistry()
	stats := registry.NewStats()
	gateway := relay.NewGateway(gwCfg, reg, stats, manager,
		nil, nil, escalate.NewRegexClassifier(), nil)

	server := httptest.NewServer(http.HandlerFunc(gateway.HandleWS))
	t.Cleanup(server.Close)

	return &e2eStack{
		upstream: upstream,
		registry: reg,
		stats:    stats,
		gateway:  gateway,
		server:   server,
	}
}

// TestEndToEndVoiceSession 完整链路：客户端→网关→真实Link→伪上游
func TestEndToEndVoiceSession(t *testing.T) {
	stack := newE2EStack(t)
	client := testutil.DialRelay(t, stack.server)

	// 1. 建立会话
	client.Send(protocol.EvtConnectRealtime, protocol.ConnectRealtimePayload{SessionID: "s1"})
	client.WaitFor(protocol.EvtRealtimeConnected)

	require.Eventually(t, func() bool {
		return stack.upstream.CountCommands(protocol.CmdSessionUpdate) == 1
	}, 3*time.Second, 10*time.Millisecond, "握手必须发出session.update")

	sess, ok := stack.registry.Get("s1")
	require.True(t, ok)
	assert.True(t, sess.Connected())

	// 2. 用户发文本，上游回放完整响应周期
	client.Send(protocol.EvtSendText, protocol.SendTextPayload{SessionID: "s1", Text: "halo"})

	_, passed := client.WaitFor(protocol.EvtResponseDone)
	assert.Contains(t, passed, protocol.EvtAudioDelta)
	assert.Contains(t, passed, protocol.EvtTextDelta)

	assert.Equal(t, 1, stack.upstream.CountCommands(protocol.CmdResponseCreate),
		"整个回合恰好一次response.create")
	assert.False(t, sess.HasOngoingResponse(), "响应结束后状态归位")

	// 3. 聚合计数反映会话活动
	snap := stack.stats.Snapshot(stack.registry.Size())
	assert.Equal(t, uint64(1), snap.TotalSessions)
	assert.Equal(t, 1, snap.ActiveSessions)
	assert.GreaterOrEqual(t, snap.TotalAudioChunks, uint64(1))

	// 4. 客户端主动拆除
	client.Send(protocol.EvtDisconnectRealtime, protocol.SessionRefPayload{SessionID: "s1"})
	require.Eventually(t, func() bool {
		return stack.registry.Size() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

// TestEndToEndInterrupt 插话打断走完整链路
func TestEndToEndInterrupt(t *testing.T) {
	stack := newE2EStack(t)
	stack.upstream.ScriptResponses = false

	client := testutil.DialRelay(t, stack.server)
	client.Send(protocol.EvtConnectRealtime, protocol.ConnectRealtimePayload{SessionID: "s1"})
	client.WaitFor(protocol.EvtRealtimeConnected)

	sess, ok := stack.registry.Get("s1")
	require.True(t, ok)

	// 上游宣告响应开始
	stack.upstream.Push(map[string]string{"type": protocol.UpResponseCreated})
	require.Eventually(t, sess.HasOngoingResponse, 3*time.Second, 10*time.Millisecond)

	client.Send(protocol.EvtInterrupt, protocol.SessionRefPayload{SessionID: "s1"})

	require.Eventually(t, func() bool {
		return stack.upstream.CountCommands(protocol.CmdResponseCancel) == 1
	}, 3*time.Second, 10*time.Millisecond, "打断必须下发取消命令")

	assert.False(t, sess.HasOngoingResponse())

	// 没有在飞响应时重复打断是安静的no-op
	client.Send(protocol.EvtInterrupt, protocol.SessionRefPayload{SessionID: "s1"})
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, stack.upstream.CountCommands(protocol.CmdResponseCancel))
}

// TestEndToEndAdminDispatch 管理端转人工：客户收到提示，上游收到转接信号
func TestEndToEndAdminDispatch(t *testing.T) {
	stack := newE2EStack(t)
	stack.upstream.ScriptResponses = false

	customer := testutil.DialRelay(t, stack.server)
	customer.Send(protocol.EvtConnectRealtime, protocol.ConnectRealtimePayload{SessionID: "s1"})
	customer.WaitFor(protocol.EvtRealtimeConnected)

	admin := testutil.DialRelayAs(t, stack.server, "admin")
	admin.Send(protocol.EvtDispatchHuman, protocol.LifecyclePayload{SessionID: "s1", Reason: "vip"})

	// 客户先听到转接提示
	customer.WaitFor(protocol.EvtAdminTakeover)

	// 管理端收到广播，携带转接原因
	ev, _ := admin.WaitFor(protocol.EvtDispatchToHuman)
	var lifecycle protocol.LifecyclePayload
	require.NoError(t, json.Unmarshal(ev.Data, &lifecycle))
	assert.Equal(t, "s1", lifecycle.SessionID)
	assert.Equal(t, "vip", lifecycle.Reason)

	// 上游链路收到礼貌用语注入和转接信号
	require.Eventually(t, func() bool {
		return stack.upstream.CountCommands(protocol.CmdSystemTransfer) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, stack.upstream.CountCommands(protocol.CmdItemCreate), 1)
}

// TestEndToEndUserSpeechBargeIn 用户开口说话自动打断在飞响应
func TestEndToEndUserSpeechBargeIn(t *testing.T) {
	stack := newE2EStack(t)
	stack.upstream.ScriptResponses = false

	client := testutil.DialRelay(t, stack.server)
	client.Send(protocol.EvtConnectRealtime, protocol.ConnectRealtimePayload{SessionID: "s1"})
	client.WaitFor(protocol.EvtRealtimeConnected)

	sess, _ := stack.registry.Get("s1")

	stack.upstream.Push(map[string]string{"type": protocol.UpResponseCreated})
	require.Eventually(t, sess.HasOngoingResponse, 3*time.Second, 10*time.Millisecond)

	stack.upstream.Push(map[string]string{"type": protocol.UpSpeechStarted})

	_, _ = client.WaitFor(protocol.EvtUserSpeechStart)
	require.Eventually(t, func() bool {
		return stack.upstream.CountCommands(protocol.CmdResponseCancel) == 1
	}, 3*time.Second, 10*time.Millisecond, "插话必须下发取消命令")
	assert.False(t, sess.HasOngoingResponse())
}
