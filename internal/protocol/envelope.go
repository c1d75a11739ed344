package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// 单个客户端事件信封的最大字节数（防止内存攻击）
	MaxEnvelopeSize = 1024 * 1024 // 1MB
)

var (
	ErrEnvelopeTooLarge = errors.New("envelope too large")
	ErrMissingEvent     = errors.New("envelope missing event name")
	ErrInvalidEnvelope  = errors.New("invalid envelope format")
)

// 客户端 → 中继 事件名
const (
	EvtConnectRealtime    = "connect-realtime"
	EvtSendAudio          = "send-audio"
	EvtSendText           = "send-text"
	EvtInterrupt          = "interrupt"
	EvtDisconnectRealtime = "disconnect-realtime"
	EvtPDFChanged         = "pdf-changed"
	EvtDispatchHuman      = "dispatch-human"
	EvtCloseCall          = "close-call"
)

// 中继 → 客户端 事件名
const (
	EvtRealtimeConnected    = "realtime-connected"
	EvtAudioDelta           = "audio-delta"
	EvtTextDelta            = "text-delta"
	EvtUserSpeechStart      = "user-speech-start"
	EvtUserSpeechEnd        = "user-speech-end"
	EvtUserSpeechDelta      = "user-speech-delta"
	EvtUserTranscript       = "user-transcript"
	EvtSpeechStarted        = "speech-started"
	EvtSpeechStopped        = "speech-stopped"
	EvtResponseDone         = "response-done"
	EvtError                = "error"
	EvtRealtimeDisconnected = "realtime-disconnected"
	EvtPDFUpdated           = "pdf-updated"
	EvtAdminTakeover        = "admin-takeover"
)

// 中继 → 管理观察端 事件名
const (
	EvtMonitoringUpdate = "monitoring.update"
	EvtSessionsUpdate   = "sessions.update"
	EvtDispatchToHuman  = "dispatch.to_human"
	EvtCallClosed       = "call.closed"
)

// ClientEnvelope 客户端入站事件信封
// 格式: {"event": "send-text", "data": {...}}
type ClientEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ServerEnvelope 中继出站事件信封
type ServerEnvelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// DecodeClientEnvelope 解码客户端事件信封并校验基本格式
func DecodeClientEnvelope(raw []byte) (*ClientEnvelope, error) {
	if len(raw) > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}

	var env ClientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	if env.Event == "" {
		return nil, ErrMissingEvent
	}

	return &env, nil
}

// 客户端入站事件负载

type ConnectRealtimePayload struct {
	SessionID string `json:"sessionId"`
}

type SendAudioPayload struct {
	SessionID string `json:"sessionId"`
	Audio     string `json:"audio"` // base64编码的PCM16音频
}

type SendTextPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type SessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

type PDFChangedPayload struct {
	Filename  string `json:"filename"`
	Timestamp string `json:"timestamp"`
}

type LifecyclePayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// 中继出站事件负载

type SessionEventPayload struct {
	SessionID string `json:"sessionId"`
}

type DeltaPayload struct {
	SessionID string `json:"sessionId"`
	Delta     string `json:"delta"`
}

type TranscriptPayload struct {
	SessionID  string `json:"sessionId"`
	Transcript string `json:"transcript"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type PDFUpdatedPayload struct {
	Filename  string `json:"filename"`
	Timestamp string `json:"timestamp"`
}

type AdminTakeoverPayload struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// TruncateForLog 截断原始负载用于诊断日志输出
func TruncateForLog(raw []byte, limit int) string {
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "..."
}
