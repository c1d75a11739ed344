package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"VoiceSupportRelay/internal/protocol"
)

// FakeRealtime 伪上游实时服务。记录收到的全部命令；
// 设置ScriptResponses后会对response.create回放一段完整响应周期。
type FakeRealtime struct {
	ScriptResponses bool
	AudioDelta      string
	TextDelta       string

	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     *websocket.Conn
	commands []protocol.UpstreamCommand
}

// NewFakeRealtime 启动伪上游，t.Cleanup负责回收
func NewFakeRealtime(t *testing.T) *FakeRealtime {
	t.Helper()

	f := &FakeRealtime{
		ScriptResponses: true,
		AudioDelta:      "UklGRg==",
		TextDelta:       "Halo!",
		upgrader:        websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *FakeRealtime) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	for {
		var cmd protocol.UpstreamCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}

		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		script := f.ScriptResponses
		f.mu.Unlock()

		if script && cmd.Type == protocol.CmdResponseCreate {
			f.write(conn, map[string]string{"type": protocol.UpResponseCreated})
			f.write(conn, map[string]string{"type": protocol.UpAudioDelta, "delta": f.AudioDelta})
			f.write(conn, map[string]string{"type": protocol.UpTextDelta, "delta": f.TextDelta})
			f.write(conn, map[string]string{"type": protocol.UpResponseDone})
		}
	}
}

func (f *FakeRealtime) write(conn *websocket.Conn, payload interface{}) {
	raw, _ := json.Marshal(payload)
	f.writeMu.Lock()
	conn.WriteMessage(websocket.TextMessage, raw)
	f.writeMu.Unlock()
}

// URL 返回ws://形式的上游地址
func (f *FakeRealtime) URL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

// Push 主动向已连接的链路推送一个上游事件
func (f *FakeRealtime) Push(payload interface{}) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	f.write(conn, payload)
}

// Commands 返回目前收到的命令副本
func (f *FakeRealtime) Commands() []protocol.UpstreamCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.UpstreamCommand, len(f.commands))
	copy(out, f.commands)
	return out
}

// CountCommands 统计指定类型的命令数
func (f *FakeRealtime) CountCommands(cmdType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, cmd := range f.commands {
		if cmd.Type == cmdType {
			n++
		}
	}
	return n
}
