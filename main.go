package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"VoiceSupportRelay/internal/calllog"
	"VoiceSupportRelay/internal/config"
	"VoiceSupportRelay/internal/database"
	"VoiceSupportRelay/internal/escalate"
	"VoiceSupportRelay/internal/httpserver"
	"VoiceSupportRelay/internal/kb"
	"VoiceSupportRelay/internal/logger"
	"VoiceSupportRelay/internal/monitor"
	"VoiceSupportRelay/internal/registry"
	"VoiceSupportRelay/internal/relay"
)

func main() {
	var (
		configPath = flag.String("config", "", "配置文件路径 (默认搜索./configs/relay-config.yaml)")
		apiAddr    = flag.String("api-addr", "", "HTTP API监听地址 (覆盖配置文件)")
		watch      = flag.Bool("watch-config", true, "启用配置文件热重载")
	)
	flag.Parse()

	logger.InitLogger()

	manager := config.NewManager(
		config.WithConfigPath(*configPath),
		config.WithWatchEnabled(*watch),
	)
	cfg, err := manager.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	addr := cfg.Server.APIAddr
	if *apiAddr != "" {
		addr = *apiAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 日志广播器
	logStream := logger.NewBroadcaster()
	go logStream.Run()

	// 审计记录器：后端HTTP必选，PostgreSQL可选
	var recorder calllog.Recorder = calllog.NewHTTPRecorder(cfg.Server.BackendURL)
	if cfg.Server.PostgresDSN != "" {
		pool, perr := database.Connect(ctx, cfg.Server.PostgresDSN)
		if perr != nil {
			log.Printf("PostgreSQL不可用，仅使用HTTP审计: %v", perr)
		} else {
			defer database.Close(pool)
			pg, rerr := calllog.NewPGRecorder(ctx, pool)
			if rerr != nil {
				log.Printf("初始化PG审计失败，仅使用HTTP审计: %v", rerr)
			} else {
				recorder = calllog.NewMultiRecorder(recorder, pg)
			}
		}
	}

	reg := registry.NewRegistry()
	stats := registry.NewStats()

	gwCfg := relay.DefaultGatewayConfig(cfg.Server.UpstreamURL, cfg.Server.UpstreamAPIKey)
	gwCfg.AdminJWTSecret = cfg.Server.AdminJWTSecret
	gwCfg.GreetingDelay = cfg.Server.GreetingDelay
	gwCfg.FlushDelay = cfg.Server.FlushDelay

	gateway := relay.NewGateway(gwCfg, reg, stats, manager,
		kb.NewClient(cfg.Server.BackendURL), recorder,
		escalate.NewRegexClassifier(), logStream)

	// 监控推送
	publisher := monitor.NewPublisher(reg, stats, gateway, cfg.Server.CallLogsDir, cfg.Server.MonitorEvery)
	gateway.SetMonitorHooks(publisher.KickMonitoring, publisher.KickSessions)
	go publisher.Run(ctx)

	// 审计日志目录变更时刷新会话列表
	if cfg.Server.CallLogsDir != "" {
		watcher := calllog.NewWatcher(cfg.Server.CallLogsDir, cfg.Server.WatchDebounce, publisher.KickSessions)
		go func() {
			if werr := watcher.Run(ctx); werr != nil {
				log.Printf("call_logs目录监听不可用: %v", werr)
			}
		}()
	}

	wsServer := httpserver.NewWSServer(cfg.Server.WSAddr, gateway, logStream)
	apiServer := httpserver.NewAPIServer(addr, gateway, publisher, manager, logStream,
		cfg.Server.CallLogsDir, cfg.Server.AdminJWTSecret)

	go func() {
		if serr := wsServer.Start(); serr != nil && serr != http.ErrServerClosed {
			log.Printf("WS服务器退出: %v", serr)
			cancel()
		}
	}()
	go func() {
		if serr := apiServer.Start(); serr != nil && serr != http.ErrServerClosed {
			log.Printf("HTTP服务器退出: %v", serr)
			cancel()
		}
	}()

	fmt.Printf("✅ 语音中继已启动\n")
	fmt.Printf("🔌 WebSocket端点: ws://%s/ws\n", cfg.Server.WSAddr)
	fmt.Printf("📊 监控端点: http://%s/api/v1/monitoring\n", addr)

	// 优雅关闭
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case <-c:
	case <-ctx.Done():
	}
	fmt.Println("\n🔄 正在关闭服务器...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := wsServer.Stop(shutdownCtx); err != nil {
		log.Printf("WS服务器关闭错误: %v", err)
	}
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Printf("服务器关闭错误: %v", err)
	}

	fmt.Println("✅ 服务器已关闭")
}
