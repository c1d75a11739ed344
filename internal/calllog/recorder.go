package calllog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// 参与者类型
const (
	ParticipantUser   = "user"
	ParticipantAgent  = "agent"
	ParticipantSystem = "system"
)

// 会话记录状态
const (
	StatusActive      = "active"
	StatusTransferred = "transferred"
	StatusCompleted   = "completed"
)

// Entry 一条审计记录
type Entry struct {
	SessionID       string    `json:"session_id"`
	ParticipantType string    `json:"participant_type"`
	Message         string    `json:"message"`
	Timestamp       time.Time `json:"timestamp"`
	Status          string    `json:"status"`
}

// Recorder 审计日志写入端
// 中继视角下fire-and-forget：失败记日志，不重试，绝不影响会话
type Recorder interface {
	Append(ctx context.Context, entry Entry) error
}

// HTTPRecorder 后端协作方的/log-conversation写入端
type HTTPRecorder struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPRecorder 创建HTTP审计写入端
func NewHTTPRecorder(baseURL string) *HTTPRecorder {
	return &HTTPRecorder{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Append 提交一条审计记录
func (r *HTTPRecorder) Append(ctx context.Context, entry Entry) error {
	payload := map[string]interface{}{
		"session_id":       entry.SessionID,
		"participant_type": entry.ParticipantType,
		"message":          entry.Message,
		"timestamp":        entry.Timestamp.Format(time.RFC3339),
		"status":           entry.Status,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal log entry failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/log-conversation", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build log request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post log entry failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("log-conversation returned status %d", resp.StatusCode)
	}

	return nil
}

// PGRecorder Postgres审计写入端（可选，配置DSN时启用）
type PGRecorder struct {
	pool *pgxpool.Pool
}

// NewPGRecorder 创建Postgres审计写入端并确保表结构存在
func NewPGRecorder(ctx context.Context, pool *pgxpool.Pool) (*PGRecorder, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS call_events (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			participant_type TEXT NOT NULL,
			message TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("ensure call_events table failed: %w", err)
	}

	return &PGRecorder{pool: pool}, nil
}

// Append 插入一条审计记录
func (r *PGRecorder) Append(ctx context.Context, entry Entry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO call_events (session_id, participant_type, message, ts, status) VALUES ($1, $2, $3, $4, $5)`,
		entry.SessionID, entry.ParticipantType, entry.Message, entry.Timestamp, entry.Status,
	)
	if err != nil {
		return fmt.Errorf("insert call event failed: %w", err)
	}

	return nil
}

// MultiRecorder 把同一条记录分发给多个写入端
// 单个写入端失败只记日志，不中断其余写入端
type MultiRecorder struct {
	recorders []Recorder
}

// NewMultiRecorder 组合多个写入端
func NewMultiRecorder(recorders ...Recorder) *MultiRecorder {
	return &MultiRecorder{recorders: recorders}
}

// Append 依次写入所有后端
func (m *MultiRecorder) Append(ctx context.Context, entry Entry) error {
	var lastErr error
	for _, r := range m.recorders {
		if err := r.Append(ctx, entry); err != nil {
			log.Printf("Audit recorder failed: %v", err)
			lastErr = err
		}
	}
	return lastErr
}
