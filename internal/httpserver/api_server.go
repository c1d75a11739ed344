package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"VoiceSupportRelay/internal/calllog"
	"VoiceSupportRelay/internal/config"
	"VoiceSupportRelay/internal/logger"
	"VoiceSupportRelay/internal/monitor"
	"VoiceSupportRelay/internal/relay"
)

// APIServer 管理与监控HTTP API服务器
type APIServer struct {
	router *mux.Router
	server *http.Server

	gateway      *relay.Gateway
	publisher    *monitor.Publisher
	cfgManager   *config.Manager
	logStream    *logger.Broadcaster
	callLogsDir  string
	adminSecret  string
	startTime    time.Time
	requestCount int64
	errorCount   int64
	mu           sync.RWMutex
}

// API响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewAPIServer 创建管理API服务器
func NewAPIServer(addr string, gateway *relay.Gateway, publisher *monitor.Publisher,
	cfgManager *config.Manager, logStream *logger.Broadcaster,
	callLogsDir, adminSecret string) *APIServer {

	server := &APIServer{
		router:      mux.NewRouter(),
		gateway:     gateway,
		publisher:   publisher,
		cfgManager:  cfgManager,
		logStream:   logStream,
		callLogsDir: callLogsDir,
		adminSecret: adminSecret,
		startTime:   time.Now(),
	}

	server.setupRoutes()

	// 设置CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	server.server = &http.Server{
		Addr:         addr,
		Handler:      c.Handler(server.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	// API路由
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// 配置查看与热更新
	api.HandleFunc("/config", s.getConfigHandler).Methods("GET")
	api.HandleFunc("/config", s.requireAdmin(s.updateConfigHandler)).Methods("POST")

	// 监控与会话
	api.HandleFunc("/monitoring", s.requireAdmin(s.monitoringHandler)).Methods("GET")
	api.HandleFunc("/sessions", s.requireAdmin(s.sessionsHandler)).Methods("GET")

	// 健康检查和服务器自身指标
	api.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	api.HandleFunc("/metrics", s.metricsHandler).Methods("GET")

	// 调试辅助：向活跃会话强制下发问候语
	s.router.HandleFunc("/debug/send-greeting", s.sendGreetingHandler).Methods("POST")
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, duration)
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.mu.Lock()
		s.requestCount++
		s.mu.Unlock()
	})
}

// requireAdmin 管理端点鉴权
// 配置了JWT密钥时校验Bearer令牌的admin角色，未配置时退化为静态令牌
func (s *APIServer) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			s.writeErrorResponse(w, http.StatusUnauthorized, "missing_token", "Authorization required")
			return
		}

		if s.adminSecret == "" {
			if token != "admin" {
				s.writeErrorResponse(w, http.StatusForbidden, "forbidden", "Admin only")
				return
			}
			next(w, r)
			return
		}

		parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(s.adminSecret), nil
		})
		if err != nil || !parsed.Valid {
			s.writeErrorResponse(w, http.StatusForbidden, "invalid_token", "Invalid admin token")
			return
		}

		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			s.writeErrorResponse(w, http.StatusForbidden, "invalid_token", "Invalid admin token")
			return
		}
		if role, _ := claims["role"].(string); role != "admin" {
			s.writeErrorResponse(w, http.StatusForbidden, "forbidden", "Admin only")
			return
		}

		next(w, r)
	}
}

// 配置处理器

func (s *APIServer) getConfigHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, s.cfgManager.Agent())
}

func (s *APIServer) updateConfigHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instructions            *string  `json:"instructions"`
		Voice                   *string  `json:"voice"`
		Temperature             *float64 `json:"temperature"`
		MaxResponseOutputTokens *int     `json:"max_response_output_tokens"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	updated, err := s.cfgManager.UpdateAgent(func(agent *config.AgentConfig) {
		if req.Instructions != nil {
			agent.Instructions = *req.Instructions
		}
		if req.Voice != nil {
			agent.Voice = *req.Voice
		}
		if req.Temperature != nil {
			agent.Temperature = *req.Temperature
		}
		if req.MaxResponseOutputTokens != nil {
			agent.MaxResponseOutputTokens = *req.MaxResponseOutputTokens
		}
	})
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_config", err.Error())
		return
	}

	log.Printf("Config updated via API")
	s.writeSuccessResponse(w, updated)
}

// 监控处理器

func (s *APIServer) monitoringHandler(w http.ResponseWriter, r *http.Request) {
	snapshot := s.publisher.Snapshot()
	s.writeSuccessResponse(w, map[string]interface{}{
		"stats":    snapshot.Stats,
		"sessions": snapshot.Sessions,
		"config":   s.cfgManager.Agent(),
	})
}

func (s *APIServer) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, map[string]interface{}{
		"sessions": calllog.ListSessions(s.callLogsDir),
	})
}

func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

func (s *APIServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.writeSuccessResponse(w, map[string]interface{}{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"total_requests": s.requestCount,
		"error_count":    s.errorCount,
	})
}

// 调试处理器

func (s *APIServer) sendGreetingHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Text      string `json:"text"`
	}
	// 空body也接受，广播到所有会话
	json.NewDecoder(r.Body).Decode(&req)

	sentTo := s.gateway.SendGreetingToSessions(req.SessionID, req.Text)
	if len(sentTo) == 0 {
		s.writeErrorResponse(w, http.StatusNotFound, "no_sessions", "No active sessions found")
		return
	}

	s.writeSuccessResponse(w, map[string]interface{}{"sentTo": sentTo})
}

// 辅助方法

func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	response := APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, statusCode, response)
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Start 启动服务器
func (s *APIServer) Start() error {
	log.Printf("Starting HTTP API server on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop 停止服务器
func (s *APIServer) Stop(ctx context.Context) error {
	log.Printf("Stopping HTTP API server")
	return s.server.Shutdown(ctx)
}
