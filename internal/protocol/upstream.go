package protocol

import (
	"encoding/json"
	"fmt"
)

// 上游实时会话协议：出站命令类型
const (
	CmdSessionUpdate    = "session.update"
	CmdInputAudioAppend = "input_audio_buffer.append"
	CmdItemCreate       = "conversation.item.create"
	CmdResponseCreate   = "response.create"
	CmdResponseCancel   = "response.cancel"
	CmdSystemTransfer   = "system.transfer"
	CmdSystemCloseCall  = "system.close_call"
)

// 上游实时会话协议：入站事件类型
const (
	UpAudioDelta           = "response.audio.delta"
	UpTextDelta            = "response.text.delta"
	UpAudioTranscriptDelta = "response.audio_transcript.delta"
	UpUserTranscriptDelta  = "conversation.item.input_audio_transcription.delta"
	UpUserTranscriptDone   = "conversation.item.input_audio_transcription.completed"
	UpSpeechStarted        = "input_audio_buffer.speech_started"
	UpSpeechStopped        = "input_audio_buffer.speech_stopped"
	UpAudioCommitted       = "input_audio_buffer.committed"
	UpResponseCreated      = "response.created"
	UpResponseAudioDone    = "response.audio.done"
	UpResponseDone         = "response.done"
	UpResponseCancelled    = "response.cancelled"
	UpOutputItemDone       = "response.output_item.done"
	UpError                = "error"
)

// TurnDetection 服务端VAD转向检测参数
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

// TranscriptionConfig 输入音频转写模型配置
type TranscriptionConfig struct {
	Model string `json:"model"`
}

// SessionConfig session.update命令携带的会话配置
type SessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	Temperature             float64              `json:"temperature"`
	MaxResponseOutputTokens int                  `json:"max_response_output_tokens"`
}

// ContentPart 会话条目内容片段
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ConversationItem conversation.item.create命令携带的条目
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ResponseParams response.create命令携带的响应参数
type ResponseParams struct {
	Modalities   []string `json:"modalities"`
	Instructions string   `json:"instructions,omitempty"`
}

// UpstreamCommand 发往上游的命令信封
type UpstreamCommand struct {
	Type     string            `json:"type"`
	Session  *SessionConfig    `json:"session,omitempty"`
	Audio    string            `json:"audio,omitempty"`
	Item     *ConversationItem `json:"item,omitempty"`
	Response *ResponseParams   `json:"response,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// NewSessionUpdate 构造会话配置握手命令
func NewSessionUpdate(session *SessionConfig) *UpstreamCommand {
	return &UpstreamCommand{Type: CmdSessionUpdate, Session: session}
}

// NewAudioAppend 构造音频追加命令
func NewAudioAppend(audioB64 string) *UpstreamCommand {
	return &UpstreamCommand{Type: CmdInputAudioAppend, Audio: audioB64}
}

// NewMessageItem 构造会话消息条目命令
// role为user时内容类型使用input_text，assistant时使用text
func NewMessageItem(role, text string) *UpstreamCommand {
	contentType := "text"
	if role == "user" {
		contentType = "input_text"
	}

	return &UpstreamCommand{
		Type: CmdItemCreate,
		Item: &ConversationItem{
			Type:    "message",
			Role:    role,
			Content: []ContentPart{{Type: contentType, Text: text}},
		},
	}
}

// NewResponseCreate 构造响应请求命令
func NewResponseCreate(instructions string) *UpstreamCommand {
	return &UpstreamCommand{
		Type: CmdResponseCreate,
		Response: &ResponseParams{
			Modalities:   []string{"text", "audio"},
			Instructions: instructions,
		},
	}
}

// NewResponseCancel 构造响应取消命令
func NewResponseCancel() *UpstreamCommand {
	return &UpstreamCommand{Type: CmdResponseCancel}
}

// NewSystemSignal 构造system.transfer / system.close_call信号
func NewSystemSignal(signalType, reason string) *UpstreamCommand {
	return &UpstreamCommand{Type: signalType, Reason: reason}
}

// UpstreamError 上游错误详情
type UpstreamError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// UpstreamItem 入站事件携带的会话条目
type UpstreamItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// UpstreamEvent 上游入站事件
type UpstreamEvent struct {
	Type       string         `json:"type"`
	Delta      string         `json:"delta,omitempty"`
	Transcript string         `json:"transcript,omitempty"`
	Item       *UpstreamItem  `json:"item,omitempty"`
	Error      *UpstreamError `json:"error,omitempty"`
}

// ParseUpstreamEvent 解析上游事件，负载过大或缺少类型视为格式错误
func ParseUpstreamEvent(raw []byte) (*UpstreamEvent, error) {
	if len(raw) > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}

	var ev UpstreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	if ev.Type == "" {
		return nil, ErrMissingEvent
	}

	return &ev, nil
}

// TextContent 提取条目中第一个text类型的内容片段
func (it *UpstreamItem) TextContent() (string, bool) {
	if it == nil {
		return "", false
	}

	for _, c := range it.Content {
		if c.Type == "text" && c.Text != "" {
			return c.Text, true
		}
	}

	return "", false
}
