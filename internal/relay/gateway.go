package relay

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"VoiceSupportRelay/internal/calllog"
	"VoiceSupportRelay/internal/config"
	"VoiceSupportRelay/internal/escalate"
	"VoiceSupportRelay/internal/kb"
	"VoiceSupportRelay/internal/logger"
	"VoiceSupportRelay/internal/protocol"
	"VoiceSupportRelay/internal/registry"
	"VoiceSupportRelay/internal/upstream"
)

// GatewayConfig 网关配置
type GatewayConfig struct {
	UpstreamURL    string
	UpstreamAPIKey string
	AdminJWTSecret string
	GreetingDelay  time.Duration
	FlushDelay     time.Duration
	ReadLimit      int64
	WriteTimeout   time.Duration
}

// DefaultGatewayConfig 返回默认网关配置
func DefaultGatewayConfig(upstreamURL, apiKey string) *GatewayConfig {
	return &GatewayConfig{
		UpstreamURL:    upstreamURL,
		UpstreamAPIKey: apiKey,
		GreetingDelay:  1500 * time.Millisecond,
		FlushDelay:     300 * time.Millisecond,
		ReadLimit:      protocol.MaxEnvelopeSize,
		WriteTimeout:   5 * time.Second,
	}
}

// LinkFactory 上游连接工厂，测试时可注入伪实现
type LinkFactory func(cfg *upstream.LinkConfig, gate upstream.ResponseGate, handler upstream.EventHandler) registry.UpstreamLink

// ClientConn 一个客户端WebSocket通道
type ClientConn struct {
	ID      string
	conn    *websocket.Conn
	IsAdmin bool

	writeMu   sync.Mutex
	stopChan  chan struct{}
	closeOnce sync.Once

	writeTimeout time.Duration
}

// safeClose 安全关闭通道的stopChan
func (c *ClientConn) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// Emit 向客户端发送一个事件信封
func (c *ClientConn) Emit(event string, data interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(protocol.ServerEnvelope{Event: event, Data: data})
}

// Gateway 客户端通道网关：接入浏览器WebSocket，桥接到上游实时连接
type Gateway struct {
	config   *GatewayConfig
	upgrader websocket.Upgrader

	registry   *registry.Registry
	stats      *registry.Stats
	cfgManager *config.Manager
	kbClient   *kb.Client
	recorder   calllog.Recorder
	classifier escalate.Classifier
	wsLogger   *logger.Broadcaster

	newLink LinkFactory

	// 连接管理
	clients       sync.Map // connID -> *ClientConn
	sessionOwners sync.Map // sessionID -> *ClientConn
	connSeq       atomic.Uint64

	// 监控联动，由monitor包注入
	kickMonitoring func()
	kickSessions   func()
}

// NewGateway 创建网关
func NewGateway(cfg *GatewayConfig, reg *registry.Registry, stats *registry.Stats,
	cfgManager *config.Manager, kbClient *kb.Client, recorder calllog.Recorder,
	classifier escalate.Classifier, wsLogger *logger.Broadcaster) *Gateway {

	g := &Gateway{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
		registry:   reg,
		stats:      stats,
		cfgManager: cfgManager,
		kbClient:   kbClient,
		recorder:   recorder,
		classifier: classifier,
		wsLogger:   wsLogger,
	}

	g.newLink = func(lc *upstream.LinkConfig, gate upstream.ResponseGate, handler upstream.EventHandler) registry.UpstreamLink {
		return upstream.NewLink(lc, gate, handler)
	}

	g.kickMonitoring = func() {}
	g.kickSessions = func() {}

	return g
}

// SetLinkFactory 替换上游连接工厂（测试用）
func (g *Gateway) SetLinkFactory(f LinkFactory) {
	g.newLink = f
}

// SetMonitorHooks 注入监控刷新钩子
func (g *Gateway) SetMonitorHooks(kickMonitoring, kickSessions func()) {
	if kickMonitoring != nil {
		g.kickMonitoring = kickMonitoring
	}
	if kickSessions != nil {
		g.kickSessions = kickSessions
	}
}

// HandleWS 客户端WebSocket接入点
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &ClientConn{
		ID:           fmt.Sprintf("conn_%d_%d", time.Now().UnixNano(), g.connSeq.Add(1)),
		conn:         conn,
		IsAdmin:      g.authorizeAdmin(r),
		stopChan:     make(chan struct{}),
		writeTimeout: g.config.WriteTimeout,
	}

	g.clients.Store(client.ID, client)
	log.Printf("Client connected: %s (admin=%v) from %s", client.ID, client.IsAdmin, r.RemoteAddr)

	g.readLoop(client)
}

// authorizeAdmin 校验观察端特权凭证
// 配置了JWT密钥时要求带admin角色声明的HS256令牌，
// 未配置时退化为静态令牌比对
func (g *Gateway) authorizeAdmin(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Admin-Token")
	}
	if token == "" {
		return false
	}

	secret := g.config.AdminJWTSecret
	if secret == "" {
		return token == "admin"
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return false
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}

	role, _ := claims["role"].(string)
	return role == "admin"
}

// readLoop 客户端事件读取循环
// 单连接内命令按接收顺序处理
func (g *Gateway) readLoop(client *ClientConn) {
	defer g.dropClient(client, "connection ended")

	client.conn.SetReadLimit(g.config.ReadLimit)

	for {
		select {
		case <-client.stopChan:
			return
		default:
		}

		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Client read error: %v", err)
			}
			return
		}

		env, derr := protocol.DecodeClientEnvelope(raw)
		if derr != nil {
			log.Printf("Decode client envelope failed: %v, raw: %s", derr, protocol.TruncateForLog(raw, 200))
			continue
		}

		g.dispatch(client, env)
	}
}

// dispatch 按事件名分发客户端命令
// 任何处理失败都被限制在本次回调内，不得拖垮进程
func (g *Gateway) dispatch(client *ClientConn, env *protocol.ClientEnvelope) {
	switch env.Event {
	case protocol.EvtConnectRealtime:
		g.handleConnectRealtime(client, env.Data)
	case protocol.EvtSendAudio:
		g.handleSendAudio(client, env.Data)
	case protocol.EvtSendText:
		g.handleSendText(client, env.Data)
	case protocol.EvtInterrupt:
		g.handleInterrupt(client, env.Data)
	case protocol.EvtDisconnectRealtime:
		g.handleDisconnectRealtime(client, env.Data)
	case protocol.EvtPDFChanged:
		g.handlePDFChanged(client, env.Data)
	case protocol.EvtDispatchHuman:
		g.handleDispatchHuman(client, env.Data)
	case protocol.EvtCloseCall:
		g.handleCloseCall(client, env.Data)
	default:
		log.Printf("Unhandled client event: %s", env.Event)
	}
}

// dropClient 移除客户端连接
func (g *Gateway) dropClient(client *ClientConn, reason string) {
	g.clients.Delete(client.ID)

	client.writeMu.Lock()
	client.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	client.conn.Close()
	client.writeMu.Unlock()

	client.safeClose()
	log.Printf("Client disconnected: %s, reason: %s", client.ID, reason)
}

// BroadcastToAdmins 向所有特权观察端推送事件
func (g *Gateway) BroadcastToAdmins(event string, data interface{}) {
	g.clients.Range(func(_, value interface{}) bool {
		client := value.(*ClientConn)
		if client.IsAdmin {
			if err := client.Emit(event, data); err != nil {
				log.Printf("Broadcast to admin %s failed: %v", client.ID, err)
			}
		}
		return true
	})
}

// broadcastExcept 向除来源外的所有客户端推送事件
func (g *Gateway) broadcastExcept(source *ClientConn, event string, data interface{}) {
	g.clients.Range(func(_, value interface{}) bool {
		client := value.(*ClientConn)
		if client != source {
			if err := client.Emit(event, data); err != nil {
				log.Printf("Broadcast to %s failed: %v", client.ID, err)
			}
		}
		return true
	})
}

// emitToOwner 向会话归属的客户端推送事件
func (g *Gateway) emitToOwner(sessionID, event string, data interface{}) {
	value, ok := g.sessionOwners.Load(sessionID)
	if !ok {
		return
	}
	if err := value.(*ClientConn).Emit(event, data); err != nil {
		log.Printf("Emit %s to session %s owner failed: %v", event, sessionID, err)
	}
}

// appendAudit 审计记录的fire-and-forget提交
func (g *Gateway) appendAudit(sessionID, participant, message, status string) {
	if g.recorder == nil {
		return
	}

	entry := calllog.Entry{
		SessionID:       sessionID,
		ParticipantType: participant,
		Message:         message,
		Timestamp:       time.Now(),
		Status:          status,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.recorder.Append(ctx, entry); err != nil {
			log.Printf("Error logging: %v", err)
		}
	}()
}

// logEvent 记录并广播一条结构化运行日志
func (g *Gateway) logEvent(level, message string) {
	log.Printf("%s", message)
	if g.wsLogger != nil {
		g.wsLogger.Log(level, "relay", message)
	}
}
