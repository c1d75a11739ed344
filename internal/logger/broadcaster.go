package logger

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LogMessage 日志消息结构
type LogMessage struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster 运行日志WebSocket广播器
// 观察端订阅后可实时看到中继的结构化日志流
type Broadcaster struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

// NewBroadcaster 创建日志广播器
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run 启动广播循环
func (b *Broadcaster) Run() {
	for {
		select {
		case client := <-b.register:
			b.mu.Lock()
			b.clients[client] = true
			count := len(b.clients)
			b.mu.Unlock()
			log.Printf("日志观察端已连接，当前连接数: %d", count)

		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client]; ok {
				delete(b.clients, client)
				client.Close()
			}
			count := len(b.clients)
			b.mu.Unlock()
			log.Printf("日志观察端已断开，当前连接数: %d", count)

		case message := <-b.broadcast:
			b.mu.Lock()
			for client := range b.clients {
				client.SetWriteDeadline(time.Now().Add(time.Second))
				if err := client.WriteJSON(message); err != nil {
					log.Printf("发送日志消息失败: %v", err)
					delete(b.clients, client)
					client.Close()
				}
			}
			b.mu.Unlock()
		}
	}
}

// Log 记录一条日志并广播给所有观察端
func (b *Broadcaster) Log(level, module, message string) {
	b.LogSession(level, module, "", message)
}

// LogSession 记录一条带会话标识的日志
func (b *Broadcaster) LogSession(level, module, sessionID, message string) {
	logMsg := LogMessage{
		Level:     level,
		Message:   message,
		Module:    module,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}

	// 同时输出到控制台
	if sessionID != "" {
		log.Printf("[%s] [%s] %s: %s", level, sessionID, module, message)
	} else {
		log.Printf("[%s] %s: %s", level, module, message)
	}

	select {
	case b.broadcast <- logMsg:
	default:
		// 通道满时丢弃，广播不能阻塞业务路径
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// HandleWebSocket 处理日志流WebSocket连接
func (b *Broadcaster) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket升级失败: %v", err)
		return
	}

	b.register <- conn

	welcomeMsg := LogMessage{
		Level:     "INFO",
		Message:   "已连接到语音中继日志流",
		Module:    "logger",
		Timestamp: time.Now(),
	}
	conn.WriteJSON(welcomeMsg)

	defer func() {
		b.unregister <- conn
	}()

	// 保持连接直到对端断开
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("日志流连接错误: %v", err)
			}
			break
		}
	}
}
