package calllog

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RecordMessage 持久化记录里的单条消息
type RecordMessage struct {
	ParticipantType string `json:"participant_type"`
	Message         string `json:"message"`
	Timestamp       string `json:"timestamp"`
}

// RecordStats 持久化记录里的会话统计
type RecordStats struct {
	TotalMessages int `json:"total_messages"`
}

// SessionRecord 外部存储的通话记录文件结构（按会话一个JSON文件）
type SessionRecord struct {
	SessionID    string          `json:"session_id"`
	Status       string          `json:"status"`
	StartTime    string          `json:"start_time"`
	EndTime      string          `json:"end_time"`
	Messages     []RecordMessage `json:"messages"`
	SessionStats *RecordStats    `json:"session_stats"`
}

// SessionSummary 对外呈现的历史会话摘要
type SessionSummary struct {
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
	StartTime       string `json:"start_time"`
	LastMessage     string `json:"last_message"`
	MessageCount    int    `json:"message_count"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// ListSessions 扫描通话记录目录，重建历史会话列表
// 解析失败的文件跳过并记日志；结果按开始时间降序
func ListSessions(dir string) []SessionSummary {
	sessions := make([]SessionSummary, 0)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Read call logs dir failed: %v", err)
		}
		return sessions
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Printf("Read call log %s failed: %v", e.Name(), err)
			continue
		}

		var rec SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Printf("Parse call log %s failed: %v", e.Name(), err)
			continue
		}

		sessions = append(sessions, summarize(rec, e.Name()))
	}

	sort.Slice(sessions, func(i, j int) bool {
		ti, okI := parseLogTime(sessions[i].StartTime)
		tj, okJ := parseLogTime(sessions[j].StartTime)
		switch {
		case okI && okJ:
			return ti.After(tj)
		case okI:
			return true
		case okJ:
			return false
		default:
			return sessions[i].SessionID < sessions[j].SessionID
		}
	})

	return sessions
}

// summarize 把一份原始记录压缩成摘要
func summarize(rec SessionRecord, filename string) SessionSummary {
	s := SessionSummary{
		SessionID: rec.SessionID,
		Status:    rec.Status,
		StartTime: rec.StartTime,
	}

	if s.SessionID == "" {
		s.SessionID = strings.TrimSuffix(filename, ".json")
	}
	if s.Status == "" {
		s.Status = "unknown"
	}

	if rec.SessionStats != nil && rec.SessionStats.TotalMessages > 0 {
		s.MessageCount = rec.SessionStats.TotalMessages
	} else {
		s.MessageCount = len(rec.Messages)
	}

	if len(rec.Messages) > 0 {
		s.LastMessage = rec.Messages[len(rec.Messages)-1].Timestamp
	} else if rec.EndTime != "" {
		s.LastMessage = rec.EndTime
	}

	if start, ok := parseLogTime(s.StartTime); ok {
		if last, ok := parseLogTime(s.LastMessage); ok {
			d := int64(last.Sub(start).Seconds())
			if d > 0 {
				s.DurationSeconds = d
			}
		}
	}

	return s
}

// parseLogTime 宽容解析记录里的时间戳
func parseLogTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}
