package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// ClientEvent 网关下行事件
type ClientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// RelayClient 面向网关WS端点的测试客户端包装器
type RelayClient struct {
	t    *testing.T
	conn *websocket.Conn

	mu   sync.Mutex
	seen []string
}

// DialRelay 连接到网关测试服务器
func DialRelay(t *testing.T, server *httptest.Server) *RelayClient {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "Failed to dial relay gateway")

	rc := &RelayClient{t: t, conn: conn}
	t.Cleanup(rc.Close)
	return rc
}

// DialRelayAs 以指定token连接（管理端用?token=）
func DialRelayAs(t *testing.T, server *httptest.Server, token string) *RelayClient {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "Failed to dial relay gateway")

	rc := &RelayClient{t: t, conn: conn}
	t.Cleanup(rc.Close)
	return rc
}

// Send 发送一条客户端事件信封
func (rc *RelayClient) Send(event string, payload interface{}) {
	rc.t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(rc.t, err)
	require.NoError(rc.t, rc.conn.WriteJSON(map[string]json.RawMessage{
		"event": json.RawMessage(`"` + event + `"`),
		"data":  raw,
	}))
}

// WaitFor 读取直到目标事件出现，返回该事件和期间经过的事件名
func (rc *RelayClient) WaitFor(target string) (ClientEvent, []string) {
	rc.t.Helper()

	var passed []string
	rc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev ClientEvent
		if err := rc.conn.ReadJSON(&ev); err != nil {
			rc.t.Fatalf("Timed out waiting for %s, passed events %v: %v", target, passed, err)
		}

		rc.mu.Lock()
		rc.seen = append(rc.seen, ev.Event)
		rc.mu.Unlock()

		if ev.Event == target {
			return ev, passed
		}
		passed = append(passed, ev.Event)
	}
}

// Seen 返回到目前为止观察到的全部事件名
func (rc *RelayClient) Seen() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]string, len(rc.seen))
	copy(out, rc.seen)
	return out
}

// Close 关闭底层连接，可重复调用
func (rc *RelayClient) Close() {
	rc.conn.Close()
}
