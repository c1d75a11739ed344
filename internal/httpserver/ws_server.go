package httpserver

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"VoiceSupportRelay/internal/logger"
	"VoiceSupportRelay/internal/relay"
)

// WSServer 客户端实时通道服务器
// 只承载WebSocket端点，管理API走APIServer
type WSServer struct {
	server *http.Server
}

// NewWSServer 创建实时通道服务器
func NewWSServer(addr string, gateway *relay.Gateway, logStream *logger.Broadcaster) *WSServer {
	router := mux.NewRouter()
	router.HandleFunc("/ws", gateway.HandleWS)
	if logStream != nil {
		router.HandleFunc("/ws/logs", logStream.HandleWebSocket)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return &WSServer{
		server: &http.Server{
			Addr:    addr,
			Handler: c.Handler(router),
			// WebSocket连接是长连接，只限制握手阶段的读头部时间
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start 启动服务器
func (s *WSServer) Start() error {
	log.Printf("Starting realtime WS server on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop 停止服务器
func (s *WSServer) Stop(ctx context.Context) error {
	log.Printf("Stopping realtime WS server")
	return s.server.Shutdown(ctx)
}
