package upstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"VoiceSupportRelay/internal/protocol"
)

// LinkState 上游连接状态
type LinkState int32

const (
	StateDisconnected LinkState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventHandler 上游事件回调
// 所有回调在link的读取goroutine上串行执行，同一连接内保证接收顺序
type EventHandler interface {
	OnUpstreamOpen()
	OnUpstreamEvent(ev *protocol.UpstreamEvent)
	OnUpstreamClose(code int, reason string)
}

// ResponseGate 响应在飞状态闸门，由会话状态实现
// link通过它保证同一会话同时至多一个response.create
type ResponseGate interface {
	TryBeginResponse() bool
	EndResponse()
	HasOngoingResponse() bool
}

// LinkConfig 上游连接配置
type LinkConfig struct {
	URL              string
	APIKey           string
	Instructions     string
	Voice            string
	Temperature      float64
	MaxOutputTokens  int
	TurnDetection    *protocol.TurnDetection
	GreetingText     string
	GreetingDelay    time.Duration
	HandshakeTimeout time.Duration
	DialMaxElapsed   time.Duration
}

// DefaultLinkConfig 返回默认连接配置
func DefaultLinkConfig(url, apiKey string) *LinkConfig {
	return &LinkConfig{
		URL:              url,
		APIKey:           apiKey,
		GreetingDelay:    1500 * time.Millisecond,
		HandshakeTimeout: 10 * time.Second,
		DialMaxElapsed:   10 * time.Second,
	}
}

// Link 到外部实时会话服务的持久双工连接
// 每个会话独占一条，会话拆除时一并关闭
type Link struct {
	config *LinkConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	handler EventHandler
	gate    ResponseGate

	mu            sync.RWMutex
	writeMu       sync.Mutex // 专用于WebSocket写入同步
	stopChan      chan struct{}
	closeOnce     sync.Once
	greetingTimer *time.Timer
}

// NewLink 创建上游连接
func NewLink(config *LinkConfig, gate ResponseGate, handler EventHandler) *Link {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout

	l := &Link{
		config:   config,
		dialer:   &dialer,
		handler:  handler,
		gate:     gate,
		stopChan: make(chan struct{}),
	}

	l.state.Store(int32(StateDisconnected))
	return l
}

// Open 建立连接并完成会话配置握手
// 拨号阶段指数退避重试；建立之后的传输失败不自动重连，
// 由客户端重新发起start-session
func (l *Link) Open(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return errors.New("link is not in disconnected state")
	}

	if err := l.doConnect(ctx); err != nil {
		l.state.Store(int32(StateDisconnected))
		return err
	}

	l.state.Store(int32(StateConnected))

	// 先发会话配置，再通知桥接层，最后安排延迟问候
	if err := l.sendSessionConfig(); err != nil {
		l.Close()
		return fmt.Errorf("send session config failed: %w", err)
	}

	if l.handler != nil {
		l.handler.OnUpstreamOpen()
	}

	l.mu.Lock()
	l.greetingTimer = time.AfterFunc(l.config.GreetingDelay, l.sendGreeting)
	l.mu.Unlock()

	go l.readLoop()

	return nil
}

// doConnect 指数退避拨号
func (l *Link) doConnect(ctx context.Context) error {
	headers := http.Header{}
	if l.config.APIKey != "" {
		headers.Set("Authorization", "Bearer "+l.config.APIKey)
		headers.Set("OpenAI-Beta", "realtime=v1")
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxElapsedTime = l.config.DialMaxElapsed

	return backoff.Retry(func() error {
		conn, resp, err := l.dialer.DialContext(ctx, l.config.URL, headers)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("dial failed: %w", err)
		}

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		return nil
	}, backoff.WithContext(backOff, ctx))
}

// sendSessionConfig 下发session.update握手命令
func (l *Link) sendSessionConfig() error {
	session := &protocol.SessionConfig{
		Modalities:              []string{"text", "audio"},
		Instructions:            l.config.Instructions,
		Voice:                   l.config.Voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &protocol.TranscriptionConfig{Model: "whisper-1"},
		TurnDetection:           l.config.TurnDetection,
		Temperature:             l.config.Temperature,
		MaxResponseOutputTokens: l.config.MaxOutputTokens,
	}

	log.Printf("Sending session config: voice=%s temperature=%.2f", session.Voice, session.Temperature)
	return l.sendCommand(protocol.NewSessionUpdate(session))
}

// sendGreeting 延迟问候：注入助手消息并请求响应
// 固定延迟让配置握手先行落定
func (l *Link) sendGreeting() {
	if l.State() != StateConnected || l.config.GreetingText == "" {
		return
	}

	log.Printf("Sending greeting message...")
	if err := l.InjectAssistantMessage(l.config.GreetingText); err != nil {
		log.Printf("Send greeting failed: %v", err)
	}
}

// SendAudioChunk 转发音频到上游输入缓冲
// 握手未完成时静默丢弃，不排队：这是刻意保留的策略
func (l *Link) SendAudioChunk(audioB64 string) error {
	if l.State() != StateConnected {
		return nil
	}

	return l.sendCommand(protocol.NewAudioAppend(audioB64))
}

// SendText 追加用户消息条目并在无在飞响应时请求响应
func (l *Link) SendText(text string) error {
	if l.State() != StateConnected {
		return errors.New("link is not connected")
	}

	if err := l.sendCommand(protocol.NewMessageItem("user", text)); err != nil {
		return err
	}

	l.maybeCreateResponse()
	return nil
}

// InjectAssistantMessage 注入助手消息（问候、转人工提示等）并请求响应
func (l *Link) InjectAssistantMessage(text string) error {
	if l.State() != StateConnected {
		return errors.New("link is not connected")
	}

	if err := l.sendCommand(protocol.NewMessageItem("assistant", text)); err != nil {
		return err
	}

	l.maybeCreateResponse()
	return nil
}

// maybeCreateResponse 无在飞响应时才发response.create
// 已有响应时丢弃请求并记debug日志，不排队
func (l *Link) maybeCreateResponse() {
	if l.gate != nil && !l.gate.TryBeginResponse() {
		log.Printf("Skipping response creation - response already in progress")
		return
	}

	if err := l.sendCommand(protocol.NewResponseCreate(l.config.Instructions)); err != nil {
		log.Printf("Send response.create failed: %v", err)
		if l.gate != nil {
			l.gate.EndResponse()
		}
	}
}

// RequestCancel 有在飞响应时发送取消命令，否则静默no-op
// 上游可能在竞态下回"no active response"错误，由桥接层吞掉
func (l *Link) RequestCancel() error {
	if l.State() != StateConnected {
		return nil
	}

	if l.gate != nil && !l.gate.HasOngoingResponse() {
		log.Printf("Interrupt requested but no active response to cancel")
		return nil
	}

	err := l.sendCommand(protocol.NewResponseCancel())
	if l.gate != nil {
		// 不等上游确认，立即归位
		l.gate.EndResponse()
	}
	return err
}

// SendSystemTransfer 发送转人工系统信号（尽力而为）
func (l *Link) SendSystemTransfer(reason string) error {
	if l.State() != StateConnected {
		return nil
	}
	return l.sendCommand(protocol.NewSystemSignal(protocol.CmdSystemTransfer, reason))
}

// SendSystemClose 发送结束通话系统信号（尽力而为）
func (l *Link) SendSystemClose(reason string) error {
	if l.State() != StateConnected {
		return nil
	}
	return l.sendCommand(protocol.NewSystemSignal(protocol.CmdSystemCloseCall, reason))
}

// Close 关闭连接，幂等
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.state.Store(int32(StateClosed))
		close(l.stopChan)

		l.mu.Lock()
		if l.greetingTimer != nil {
			l.greetingTimer.Stop()
			l.greetingTimer = nil
		}
		conn := l.conn
		l.conn = nil
		l.mu.Unlock()

		if conn != nil {
			l.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			l.writeMu.Unlock()
			conn.Close()
		}
	})

	return nil
}

// State 当前连接状态
func (l *Link) State() LinkState {
	return LinkState(l.state.Load())
}

// sendCommand 序列化并写出一条上游命令
func (l *Link) sendCommand(cmd *protocol.UpstreamCommand) error {
	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()

	if conn == nil {
		return errors.New("connection is nil")
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(cmd)
}

// readLoop 上游事件读取循环
// 同一连接内事件按接收顺序处理；读取失败即视为连接终结
func (l *Link) readLoop() {
	for {
		select {
		case <-l.stopChan:
			return
		default:
		}

		l.mu.RLock()
		conn := l.conn
		l.mu.RUnlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			l.handleReadError(err)
			return
		}

		ev, perr := protocol.ParseUpstreamEvent(raw)
		if perr != nil {
			// 畸形负载：记截断片段后丢弃，会话继续
			log.Printf("Parse upstream event failed: %v, raw: %s", perr, protocol.TruncateForLog(raw, 200))
			continue
		}

		if l.handler != nil {
			l.handler.OnUpstreamEvent(ev)
		}
	}
}

// handleReadError 把读取错误翻译成关闭回调
func (l *Link) handleReadError(err error) {
	code := websocket.CloseAbnormalClosure
	reason := err.Error()

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
		reason = closeErr.Text
	}

	// 主动关闭后不再上报
	select {
	case <-l.stopChan:
		code = websocket.CloseNormalClosure
	default:
		l.state.Store(int32(StateDisconnected))
	}

	log.Printf("Upstream connection closed: %d - %s", code, reason)
	if l.handler != nil {
		l.handler.OnUpstreamClose(code, reason)
	}
}
