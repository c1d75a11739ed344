package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceSupportRelay/internal/protocol"
)

// fakeGate 内存实现的响应闸门
type fakeGate struct {
	mu      sync.Mutex
	ongoing bool
}

func (g *fakeGate) TryBeginResponse() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ongoing {
		return false
	}
	g.ongoing = true
	return true
}

func (g *fakeGate) EndResponse() {
	g.mu.Lock()
	g.ongoing = false
	g.mu.Unlock()
}

func (g *fakeGate) HasOngoingResponse() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ongoing
}

// recordingHandler 收集回调的事件处理器
type recordingHandler struct {
	mu        sync.Mutex
	opened    bool
	events    []*protocol.UpstreamEvent
	closeCode int
	closed    chan struct{}
	openCh    chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		closed: make(chan struct{}, 1),
		openCh: make(chan struct{}, 1),
	}
}

func (h *recordingHandler) OnUpstreamOpen() {
	h.mu.Lock()
	h.opened = true
	h.mu.Unlock()
	select {
	case h.openCh <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) OnUpstreamEvent(ev *protocol.UpstreamEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *recordingHandler) OnUpstreamClose(code int, reason string) {
	h.mu.Lock()
	h.closeCode = code
	h.mu.Unlock()
	select {
	case h.closed <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	types := make([]string, 0, len(h.events))
	for _, ev := range h.events {
		types = append(types, ev.Type)
	}
	return types
}

// mockUpstream 伪上游实时服务
type mockUpstream struct {
	server *httptest.Server

	mu       sync.Mutex
	commands []protocol.UpstreamCommand
	conn     *websocket.Conn
	connCh   chan struct{}
}

func newMockUpstream(t *testing.T) *mockUpstream {
	t.Helper()

	m := &mockUpstream{connCh: make(chan struct{}, 1)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		select {
		case m.connCh <- struct{}{}:
		default:
		}

		for {
			var cmd protocol.UpstreamCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			m.mu.Lock()
			m.commands = append(m.commands, cmd)
			m.mu.Unlock()
		}
	}))

	t.Cleanup(m.server.Close)
	return m
}

func (m *mockUpstream) url() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *mockUpstream) commandTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.commands))
	for _, cmd := range m.commands {
		types = append(types, cmd.Type)
	}
	return types
}

func (m *mockUpstream) countCommands(cmdType string) int {
	count := 0
	for _, ct := range m.commandTypes() {
		if ct == cmdType {
			count++
		}
	}
	return count
}

func (m *mockUpstream) push(t *testing.T, payload interface{}) {
	t.Helper()
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	require.NotNil(t, conn)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func testLinkConfig(url string) *LinkConfig {
	cfg := DefaultLinkConfig(url, "test-key")
	cfg.Instructions = "test instructions"
	cfg.Voice = "echo"
	cfg.Temperature = 0.6
	cfg.MaxOutputTokens = 1000
	cfg.GreetingText = "Halo, selamat datang"
	cfg.GreetingDelay = 50 * time.Millisecond
	cfg.DialMaxElapsed = 2 * time.Second
	return cfg
}

func TestLink_Open_SendsSessionConfigFirst(t *testing.T) {
	mock := newMockUpstream(t)
	handler := newRecordingHandler()

	link := NewLink(testLinkConfig(mock.url()), &fakeGate{}, handler)
	defer link.Close()

	require.NoError(t, link.Open(context.Background()))
	assert.Equal(t, StateConnected, link.State())

	select {
	case <-handler.openCh:
	case <-time.After(2 * time.Second):
		t.Fatal("OnUpstreamOpen未触发")
	}

	require.Eventually(t, func() bool {
		return mock.countCommands(protocol.CmdSessionUpdate) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mock.mu.Lock()
	first := mock.commands[0]
	mock.mu.Unlock()
	assert.Equal(t, protocol.CmdSessionUpdate, first.Type, "握手命令必须最先发出")
	require.NotNil(t, first.Session)
	assert.Equal(t, "test instructions", first.Session.Instructions)
	assert.Equal(t, "pcm16", first.Session.InputAudioFormat)
	require.NotNil(t, first.Session.InputAudioTranscription)
	assert.Equal(t, "whisper-1", first.Session.InputAudioTranscription.Model)
}

func TestLink_GreetingAfterDelay(t *testing.T) {
	mock := newMockUpstream(t)
	handler := newRecordingHandler()
	gate := &fakeGate{}

	link := NewLink(testLinkConfig(mock.url()), gate, handler)
	defer link.Close()
	require.NoError(t, link.Open(context.Background()))

	// 问候 = 助手消息条目 + 一次response.create
	require.Eventually(t, func() bool {
		return mock.countCommands(protocol.CmdItemCreate) == 1 &&
			mock.countCommands(protocol.CmdResponseCreate) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mock.mu.Lock()
	var item *protocol.ConversationItem
	for _, cmd := range mock.commands {
		if cmd.Type == protocol.CmdItemCreate {
			item = cmd.Item
		}
	}
	mock.mu.Unlock()

	require.NotNil(t, item)
	assert.Equal(t, "assistant", item.Role)
	assert.Equal(t, "Halo, selamat datang", item.Content[0].Text)
	assert.True(t, gate.HasOngoingResponse())
}

func TestLink_SendText_SingleResponseCreate(t *testing.T) {
	mock := newMockUpstream(t)
	cfg := testLinkConfig(mock.url())
	cfg.GreetingText = "" // 关掉问候，专注文本路径
	gate := &fakeGate{}

	link := NewLink(cfg, gate, newRecordingHandler())
	defer link.Close()
	require.NoError(t, link.Open(context.Background()))

	require.NoError(t, link.SendText("halo"))
	require.NoError(t, link.SendText("masih di sana?"))

	require.Eventually(t, func() bool {
		return mock.countCommands(protocol.CmdItemCreate) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, mock.countCommands(protocol.CmdResponseCreate),
		"已有在飞响应时不得再发response.create")
}

func TestLink_RequestCancel_NoOpWithoutResponse(t *testing.T) {
	mock := newMockUpstream(t)
	cfg := testLinkConfig(mock.url())
	cfg.GreetingText = ""
	gate := &fakeGate{}

	link := NewLink(cfg, gate, newRecordingHandler())
	defer link.Close()
	require.NoError(t, link.Open(context.Background()))

	require.NoError(t, link.RequestCancel())
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, mock.countCommands(protocol.CmdResponseCancel))

	// 有响应时发送取消并立即归位，不等上游确认
	require.True(t, gate.TryBeginResponse())
	require.NoError(t, link.RequestCancel())
	require.Eventually(t, func() bool {
		return mock.countCommands(protocol.CmdResponseCancel) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, gate.HasOngoingResponse())
}

func TestLink_SendAudioChunk_DroppedBeforeConnect(t *testing.T) {
	mock := newMockUpstream(t)
	cfg := testLinkConfig(mock.url())
	link := NewLink(cfg, &fakeGate{}, newRecordingHandler())

	// 未连接时静默丢弃：这是刻意保留的策略
	require.NoError(t, link.SendAudioChunk("UklGRg=="))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, mock.commandTypes())
}

func TestLink_EventDelivery(t *testing.T) {
	mock := newMockUpstream(t)
	cfg := testLinkConfig(mock.url())
	cfg.GreetingText = ""
	handler := newRecordingHandler()

	link := NewLink(cfg, &fakeGate{}, handler)
	defer link.Close()
	require.NoError(t, link.Open(context.Background()))

	select {
	case <-mock.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("上游未收到连接")
	}

	mock.push(t, map[string]string{"type": protocol.UpResponseCreated})
	mock.push(t, map[string]string{"type": protocol.UpAudioDelta, "delta": "UklGRg=="})
	mock.push(t, map[string]string{"type": protocol.UpResponseDone})

	require.Eventually(t, func() bool {
		return len(handler.eventTypes()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{
		protocol.UpResponseCreated,
		protocol.UpAudioDelta,
		protocol.UpResponseDone,
	}, handler.eventTypes(), "同一连接内事件按接收顺序投递")
}

func TestLink_MalformedEventSkipped(t *testing.T) {
	mock := newMockUpstream(t)
	cfg := testLinkConfig(mock.url())
	cfg.GreetingText = ""
	handler := newRecordingHandler()

	link := NewLink(cfg, &fakeGate{}, handler)
	defer link.Close()
	require.NoError(t, link.Open(context.Background()))

	select {
	case <-mock.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("上游未收到连接")
	}

	mock.mu.Lock()
	conn := mock.conn
	mock.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{broken`)))
	mock.push(t, map[string]string{"type": protocol.UpResponseDone})

	require.Eventually(t, func() bool {
		return len(handler.eventTypes()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.UpResponseDone, handler.eventTypes()[0], "畸形负载丢弃后会话继续")
}

func TestLink_Close_Idempotent(t *testing.T) {
	mock := newMockUpstream(t)
	cfg := testLinkConfig(mock.url())
	link := NewLink(cfg, &fakeGate{}, newRecordingHandler())
	require.NoError(t, link.Open(context.Background()))

	require.NoError(t, link.Close())
	require.NoError(t, link.Close(), "重复关闭必须安静成功")
	assert.Equal(t, StateClosed, link.State())
	_ = mock
}

func TestLink_Open_DialFailure(t *testing.T) {
	cfg := testLinkConfig("ws://127.0.0.1:1/ws")
	cfg.DialMaxElapsed = 300 * time.Millisecond

	link := NewLink(cfg, &fakeGate{}, newRecordingHandler())
	err := link.Open(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, link.State(), "失败后回到断开状态，允许重试")
}
