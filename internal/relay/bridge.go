package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"VoiceSupportRelay/internal/calllog"
	"VoiceSupportRelay/internal/kb"
	"VoiceSupportRelay/internal/protocol"
	"VoiceSupportRelay/internal/registry"
	"VoiceSupportRelay/internal/upstream"
)

// handleConnectRealtime 建立一个新的桥接会话并异步打开上游连接
func (g *Gateway) handleConnectRealtime(client *ClientConn, data json.RawMessage) {
	var payload protocol.ConnectRealtimePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		client.Emit(protocol.EvtError, protocol.ErrorPayload{Message: "invalid connect-realtime payload"})
		return
	}

	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// 知识库读取是best-effort：失败降级为空上下文
	var doc kb.Document
	if g.kbClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if fetched, err := g.kbClient.ActiveDocument(ctx); err != nil {
			log.Printf("Error fetching PDF: %v", err)
		} else {
			doc = fetched
		}
		cancel()
	}

	agent := g.cfgManager.Agent()
	instructions := kb.ComposeInstructions(agent.Instructions, doc)

	sess, created := g.registry.Create(sessionID, instructions)
	g.sessionOwners.Store(sessionID, client)

	if !created {
		// 同一会话的重复接入：复用既有上游连接，不重建
		if sess.Connected() {
			client.Emit(protocol.EvtRealtimeConnected, protocol.SessionEventPayload{SessionID: sessionID})
		}
		log.Printf("Session %s already exists, reusing", sessionID)
		return
	}

	g.stats.IncrSessions()
	g.logEvent("INFO", fmt.Sprintf("Connecting to realtime upstream for session %s", sessionID))

	linkCfg := &upstream.LinkConfig{
		URL:             g.config.UpstreamURL,
		APIKey:          g.config.UpstreamAPIKey,
		Instructions:    instructions,
		Voice:           agent.Voice,
		Temperature:     agent.Temperature,
		MaxOutputTokens: agent.MaxResponseOutputTokens,
		TurnDetection:   agent.TurnDetection.ToProtocol(),
		GreetingText:    greetingText(doc.Filename),
		GreetingDelay:   g.config.GreetingDelay,
	}

	handler := &sessionEventHandler{gateway: g, session: sess}
	link := g.newLink(linkCfg, sess, handler)
	sess.Link = link

	g.kickMonitoring()
	g.kickSessions()

	go func() {
		if err := link.Open(context.Background()); err != nil {
			log.Printf("Error connecting to realtime: %v", err)
			g.emitToOwner(sessionID, protocol.EvtError, protocol.ErrorPayload{Message: "Failed to connect"})
			g.registry.Remove(sessionID)
			g.sessionOwners.Delete(sessionID)
			g.kickMonitoring()
		}
	}()
}

// greetingText 根据知识库文件名生成动态问候语
func greetingText(filename string) string {
	business := kb.BusinessName(filename)
	if business == "" {
		return "Halo, terima kasih sudah menghubungi kami. Ada yang bisa kami bantu?"
	}
	return fmt.Sprintf("Halo, terima kasih sudah menghubungi %s. Ada yang bisa kami bantu?", business)
}

// handleSendAudio 转发音频块到上游
// 会话不存在或未连接时静默丢弃
func (g *Gateway) handleSendAudio(client *ClientConn, data json.RawMessage) {
	var payload protocol.SendAudioPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	sess, ok := g.registry.Get(payload.SessionID)
	if !ok || !sess.Connected() || sess.Link == nil {
		return
	}

	if err := sess.Link.SendAudioChunk(payload.Audio); err != nil {
		log.Printf("Error sending audio: %v", err)
	}
}

// handleSendText 转发用户文本到上游并审计
func (g *Gateway) handleSendText(client *ClientConn, data json.RawMessage) {
	var payload protocol.SendTextPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	sess, ok := g.registry.Get(payload.SessionID)
	if !ok || !sess.Connected() || sess.Link == nil {
		return
	}

	log.Printf("Sending text message: %s", payload.Text)
	if err := sess.Link.SendText(payload.Text); err != nil {
		log.Printf("Error sending text message: %v", err)
		return
	}

	g.appendAudit(payload.SessionID, calllog.ParticipantUser, payload.Text, calllog.StatusActive)
}

// handleInterrupt 用户主动打断agent
// 无进行中响应时是安全空操作
func (g *Gateway) handleInterrupt(client *ClientConn, data json.RawMessage) {
	var payload protocol.SessionRefPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	sess, ok := g.registry.Get(payload.SessionID)
	if !ok || !sess.Connected() || sess.Link == nil {
		return
	}

	if err := sess.Link.RequestCancel(); err != nil {
		log.Printf("Failed to interrupt agent: %v", err)
	}
}

// handleDisconnectRealtime 客户端主动结束会话，可重入
func (g *Gateway) handleDisconnectRealtime(client *ClientConn, data json.RawMessage) {
	var payload protocol.SessionRefPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	sess, ok := g.registry.Get(payload.SessionID)
	if !ok {
		return
	}

	if sess.Link != nil {
		sess.Link.Close()
	}

	g.registry.Remove(payload.SessionID)
	g.sessionOwners.Delete(payload.SessionID)
	g.kickMonitoring()
}

// handlePDFChanged 管理端切换知识库文档后通知其他客户端
func (g *Gateway) handlePDFChanged(client *ClientConn, data json.RawMessage) {
	var payload protocol.PDFChangedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	log.Printf("PDF changed by admin: %s", payload.Filename)
	g.broadcastExcept(client, protocol.EvtPDFUpdated, protocol.PDFUpdatedPayload{
		Filename:  payload.Filename,
		Timestamp: payload.Timestamp,
	})
}

// handleDispatchHuman 管理端手动转人工
func (g *Gateway) handleDispatchHuman(client *ClientConn, data json.RawMessage) {
	if !client.IsAdmin {
		client.Emit(protocol.EvtError, protocol.ErrorPayload{Message: "Admin only"})
		return
	}

	var payload protocol.LifecyclePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.SessionID == "" {
		client.Emit(protocol.EvtError, protocol.ErrorPayload{Message: "sessionId required"})
		return
	}

	// 先用agent的声音告知客户即将转接
	if sess, ok := g.registry.Get(payload.SessionID); ok && sess.Connected() && sess.Link != nil {
		const courtesy = "Mohon tunggu sebentar, saya akan menghubungkan Anda dengan customer service kami."
		if err := sess.Link.InjectAssistantMessage(courtesy); err != nil {
			log.Printf("Failed to notify customer: %v", err)
		}

		g.emitToOwner(payload.SessionID, protocol.EvtAdminTakeover, protocol.AdminTakeoverPayload{
			Message:   "Admin is joining the conversation",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}

	reason := payload.Reason
	if reason == "" {
		reason = "manual_admin"
	}
	g.TransferToHuman(payload.SessionID, reason)
}

// handleCloseCall 管理端手动关闭会话
func (g *Gateway) handleCloseCall(client *ClientConn, data json.RawMessage) {
	if !client.IsAdmin {
		client.Emit(protocol.EvtError, protocol.ErrorPayload{Message: "Admin only"})
		return
	}

	var payload protocol.LifecyclePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.SessionID == "" {
		client.Emit(protocol.EvtError, protocol.ErrorPayload{Message: "sessionId required"})
		return
	}

	reason := payload.Reason
	if reason == "" {
		reason = "manual_admin_close"
	}
	g.CloseSession(payload.SessionID, reason)
}

// sessionEventHandler 把一个会话的上游事件翻译为客户端通知
// 实现upstream.EventHandler
type sessionEventHandler struct {
	gateway *Gateway
	session *registry.Session
}

// OnUpstreamOpen 上游握手完成
func (h *sessionEventHandler) OnUpstreamOpen() {
	h.session.SetConnected(true)
	h.gateway.logEvent("INFO", fmt.Sprintf("Connected to realtime upstream for session %s", h.session.ID))
	h.gateway.emitToOwner(h.session.ID, protocol.EvtRealtimeConnected,
		protocol.SessionEventPayload{SessionID: h.session.ID})
	h.gateway.kickMonitoring()
}

// OnUpstreamEvent 上游事件翻译表
func (h *sessionEventHandler) OnUpstreamEvent(ev *protocol.UpstreamEvent) {
	g := h.gateway
	sessionID := h.session.ID

	switch ev.Type {
	case protocol.UpAudioDelta:
		if ev.Delta == "" {
			return
		}
		g.stats.IncrAudioChunks()
		g.emitToOwner(sessionID, protocol.EvtAudioDelta,
			protocol.DeltaPayload{SessionID: sessionID, Delta: ev.Delta})
		g.kickMonitoring()

	case protocol.UpTextDelta:
		if ev.Delta == "" {
			return
		}
		g.stats.IncrMessages()
		g.emitToOwner(sessionID, protocol.EvtTextDelta,
			protocol.DeltaPayload{SessionID: sessionID, Delta: ev.Delta})
		g.kickMonitoring()

	case protocol.UpAudioTranscriptDelta:
		if ev.Delta == "" {
			return
		}
		g.emitToOwner(sessionID, protocol.EvtTextDelta,
			protocol.DeltaPayload{SessionID: sessionID, Delta: ev.Delta})

	case protocol.UpUserTranscriptDelta:
		if ev.Delta == "" {
			return
		}
		g.emitToOwner(sessionID, protocol.EvtUserSpeechDelta,
			protocol.DeltaPayload{SessionID: sessionID, Delta: ev.Delta})

	case protocol.UpSpeechStarted:
		log.Printf("User speech started - interrupting agent")
		// 插话打断：用户开口永远优先
		if h.session.HasOngoingResponse() && h.session.Link != nil {
			if err := h.session.Link.RequestCancel(); err != nil {
				log.Printf("Failed to cancel response: %v", err)
			} else {
				log.Printf("Response cancelled due to user interruption")
			}
		}
		g.emitToOwner(sessionID, protocol.EvtUserSpeechStart,
			protocol.SessionEventPayload{SessionID: sessionID})

	case protocol.UpSpeechStopped:
		log.Printf("User speech stopped")
		g.emitToOwner(sessionID, protocol.EvtUserSpeechEnd,
			protocol.SessionEventPayload{SessionID: sessionID})

	case protocol.UpResponseCreated:
		log.Printf("Response started")
		h.session.BeginResponse()
		// 延迟speech-started，给转写文本留出先到达的窗口
		h.session.ScheduleSpeechStartFlush(g.config.FlushDelay, func(pendingTranscript string) {
			if pendingTranscript != "" {
				g.emitToOwner(sessionID, protocol.EvtUserTranscript,
					protocol.TranscriptPayload{SessionID: sessionID, Transcript: pendingTranscript})
			}
			g.emitToOwner(sessionID, protocol.EvtSpeechStarted,
				protocol.SessionEventPayload{SessionID: sessionID})
		})

	case protocol.UpResponseAudioDone:
		log.Printf("Audio response completed")
		g.emitToOwner(sessionID, protocol.EvtSpeechStopped,
			protocol.SessionEventPayload{SessionID: sessionID})

	case protocol.UpResponseDone:
		log.Printf("Response completed")
		h.session.EndResponse()
		g.emitToOwner(sessionID, protocol.EvtResponseDone,
			protocol.SessionEventPayload{SessionID: sessionID})

	case protocol.UpResponseCancelled:
		log.Printf("Response cancelled")
		h.session.EndResponse()
		h.session.CancelSpeechStartFlush()
		g.emitToOwner(sessionID, protocol.EvtSpeechStopped,
			protocol.SessionEventPayload{SessionID: sessionID})

	case protocol.UpUserTranscriptDone:
		if ev.Transcript == "" {
			return
		}
		log.Printf("User transcript received: %s", ev.Transcript)
		g.stats.IncrMessages()
		// 双路径：立即下发，同时缓存供顺序修正用
		g.emitToOwner(sessionID, protocol.EvtUserTranscript,
			protocol.TranscriptPayload{SessionID: sessionID, Transcript: ev.Transcript})
		h.session.StorePendingTranscript(ev.Transcript)
		g.appendAudit(sessionID, calllog.ParticipantUser, ev.Transcript, calllog.StatusActive)
		g.kickMonitoring()

	case protocol.UpAudioCommitted:
		log.Printf("Audio buffer committed")

	case protocol.UpOutputItemDone:
		text, ok := ev.Item.TextContent()
		if !ok {
			return
		}
		log.Printf("Agent response text: %s", protocol.TruncateForLog([]byte(text), 100))
		g.stats.IncrMessages()
		g.appendAudit(sessionID, calllog.ParticipantAgent, text, calllog.StatusActive)
		g.kickMonitoring()

		if g.classifier != nil {
			result := g.classifier.Classify(text)
			if result.Uncertain {
				log.Printf("Agent uncertainty detected - dispatching to human for session %s", sessionID)
				g.TransferToHuman(sessionID, "auto_uncertainty_detected")
			}
			if result.Closing {
				log.Printf("Agent signaled call closure - closing session %s", sessionID)
				g.CloseSession(sessionID, "agent_signaled_close")
			}
		}

	case protocol.UpError:
		h.handleUpstreamError(ev.Error)

	default:
		log.Printf("Unhandled event type: %s", ev.Type)
	}
}

// handleUpstreamError 上游错误处理
// 两类已知的良性竞态错误只记日志，不下发给客户端
func (h *sessionEventHandler) handleUpstreamError(uerr *protocol.UpstreamError) {
	g := h.gateway
	sessionID := h.session.ID

	if uerr == nil {
		g.emitToOwner(sessionID, protocol.EvtError, protocol.ErrorPayload{Message: "Unknown error"})
		return
	}

	log.Printf("Upstream realtime error: type=%s code=%s message=%s", uerr.Type, uerr.Code, uerr.Message)

	if uerr.Type == "invalid_request_error" {
		if containsIgnoreCase(uerr.Message, "no active response") {
			log.Printf("Cancellation failed - no active response (this is normal)")
			h.session.EndResponse()
			return
		}
		if containsIgnoreCase(uerr.Message, "already has an active response") {
			log.Printf("Response creation blocked - response already in progress")
			return
		}
	}

	msg := uerr.Message
	if msg == "" {
		msg = "Unknown error"
	}
	g.emitToOwner(sessionID, protocol.EvtError, protocol.ErrorPayload{Message: msg})
}

// OnUpstreamClose 上游连接关闭，会话随之终结
func (h *sessionEventHandler) OnUpstreamClose(code int, reason string) {
	g := h.gateway
	sessionID := h.session.ID

	log.Printf("Upstream closed for session %s: %d - %s", sessionID, code, reason)

	switch code {
	case websocket.ClosePolicyViolation: // 1008 通常是鉴权失败
		g.emitToOwner(sessionID, protocol.EvtError,
			protocol.ErrorPayload{Message: "Authentication failed - check API key"})
	case websocket.CloseProtocolError: // 1002
		g.emitToOwner(sessionID, protocol.EvtError,
			protocol.ErrorPayload{Message: "Protocol error - invalid request format"})
	}

	h.session.SetConnected(false)
	h.session.CancelSpeechStartFlush()
	g.registry.Remove(sessionID)
	g.emitToOwner(sessionID, protocol.EvtRealtimeDisconnected,
		protocol.SessionEventPayload{SessionID: sessionID})
	g.sessionOwners.Delete(sessionID)

	g.kickMonitoring()
	g.kickSessions()
}
