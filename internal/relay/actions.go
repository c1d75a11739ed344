package relay

import (
	"fmt"
	"log"
	"strings"

	"VoiceSupportRelay/internal/calllog"
	"VoiceSupportRelay/internal/protocol"
)

// TransferToHuman 把会话转交人工坐席
// 审计、广播、上游转接信号都是best-effort，失败不拖垮会话
func (g *Gateway) TransferToHuman(sessionID, reason string) {
	if reason == "" {
		reason = "agent_request"
	}

	g.appendAudit(sessionID, calllog.ParticipantSystem,
		fmt.Sprintf("TRANSFER_TO_HUMAN: %s", reason), calllog.StatusTransferred)

	g.BroadcastToAdmins(protocol.EvtDispatchToHuman, protocol.LifecyclePayload{
		SessionID: sessionID,
		Reason:    reason,
	})

	if sess, ok := g.registry.Get(sessionID); ok && sess.Link != nil {
		if err := sess.Link.SendSystemTransfer(reason); err != nil {
			log.Printf("Failed to send transfer signal for session %s: %v", sessionID, err)
		}
	}

	g.logEvent("WARNING", fmt.Sprintf("Session %s transferred to human: %s", sessionID, reason))
	g.kickMonitoring()
	g.kickSessions()
}

// CloseSession 关闭会话并释放上游连接，可重入
func (g *Gateway) CloseSession(sessionID, reason string) {
	if reason == "" {
		reason = "agent_auto_close"
	}

	g.appendAudit(sessionID, calllog.ParticipantSystem,
		fmt.Sprintf("CLOSE_CALL_CONFIRMED: %s", reason), calllog.StatusCompleted)

	g.BroadcastToAdmins(protocol.EvtCallClosed, protocol.LifecyclePayload{
		SessionID: sessionID,
		Reason:    reason,
	})

	if sess, ok := g.registry.Get(sessionID); ok && sess.Link != nil {
		if err := sess.Link.SendSystemClose(reason); err != nil {
			log.Printf("Failed to send close signal for session %s: %v", sessionID, err)
		}
		if err := sess.Link.Close(); err != nil {
			log.Printf("Failed to close upstream link for session %s: %v", sessionID, err)
		}
	}

	g.logEvent("INFO", fmt.Sprintf("Session %s closed: %s", sessionID, reason))
	g.kickMonitoring()
	g.kickSessions()
}

// SendGreetingToSessions 向指定会话（为空则全部）重发问候语，调试用
func (g *Gateway) SendGreetingToSessions(sessionID, greeting string) []string {
	if greeting == "" {
		greeting = greetingText("")
	}

	targets := make([]string, 0)
	if sessionID != "" {
		targets = append(targets, sessionID)
	} else {
		for _, status := range g.registry.List() {
			targets = append(targets, status.SessionID)
		}
	}

	var sentTo []string
	for _, id := range targets {
		sess, ok := g.registry.Get(id)
		if !ok || !sess.Connected() || sess.Link == nil {
			continue
		}
		if err := sess.Link.InjectAssistantMessage(greeting); err != nil {
			log.Printf("Failed to send greeting to session %s: %v", id, err)
			continue
		}
		sentTo = append(sentTo, id)
	}
	return sentTo
}

func containsIgnoreCase(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
