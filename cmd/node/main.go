package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "fedmail/node/internal/auth/jwt"
	"fedmail/node/internal/config"
	"fedmail/node/internal/directory"
	"fedmail/node/internal/domain"
	"fedmail/node/internal/gateway"
	"fedmail/node/internal/health"
	"fedmail/node/internal/ident"
	"fedmail/node/internal/ledger"
	"fedmail/node/internal/logger"
	"fedmail/node/internal/metering"
	"fedmail/node/internal/monitoring"
	"fedmail/node/internal/peer"
	"fedmail/node/internal/routing"
	"fedmail/node/internal/signer"
	"fedmail/node/internal/smtp"
	httptransport "fedmail/node/internal/transport/http"
	"fedmail/node/internal/websocket"
)

// main 启动邮件节点：HTTP API、SMTP 接收与 WebSocket 推送。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting fedmail node",
		zap.String("domain", cfg.Node.Domain),
		zap.String("version", cfg.Node.Version),
		zap.Bool("permissioned", cfg.Node.Permissioned),
	)

	// 初始化账本
	nodeCfg := cfg.NodeConfiguration()
	mailLedger := ledger.New(nodeCfg)

	// 初始化计量后端
	var meter metering.Meter
	var meterPinger health.Pinger
	if cfg.Redis.Enabled {
		redisMeter, err := metering.NewRedisMeter(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			panic(fmt.Sprintf("failed to connect redis meter: %v", err))
		}
		defer redisMeter.Close()
		meter = redisMeter
		meterPinger = redisMeter
		log.Info("using redis metering", zap.String("address", cfg.Redis.Address))
	} else {
		meter = metering.NewMemoryMeter()
		log.Info("using in-process metering (development mode)")
	}

	// 初始化监控与健康检查
	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(cfg.Node.DirectoryURL, meterPinger, log)

	// 初始化ID铸造器与网关签名器
	minter := ident.NewMinter(ident.CryptoSource{})

	var seed []byte
	if cfg.Node.SigningSeed != "" {
		seed, err = hex.DecodeString(cfg.Node.SigningSeed)
		if err != nil {
			panic(fmt.Sprintf("invalid signing seed: %v", err))
		}
	}
	mailSigner, err := signer.NewLocalSigner(seed)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize signer: %v", err))
	}

	// 初始化联邦客户端
	nodeID := domain.Principal(cfg.Node.NodeID)
	resolver := directory.NewClient(cfg.Node.DirectoryURL, nodeID, log)
	peers := peer.NewClient(nodeID, log)
	dispatcher := gateway.NewDispatcher(cfg.Node.GatewayURL, nodeID, mailSigner, log)

	// 初始化认证
	jwtManager := jwtpkg.NewManager(
		cfg.JWT.Secret,
		cfg.JWT.Issuer,
		cfg.JWT.AccessExpiry,
		cfg.JWT.RefreshExpiry,
	)

	// 创建 WebSocket Hub
	wsHub := websocket.NewHub(jwtManager, mailLedger, cfg.CORS.AllowedOrigins, log).
		WithGauge(metrics.WSConnections)

	// 初始化路由引擎
	engine := routing.NewEngine(mailLedger, minter, resolver, peers, dispatcher, log).
		WithMetrics(metrics).
		WithNotifier(wsHub)

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:       cfg,
		Ledger:       mailLedger,
		Engine:       engine,
		Minter:       minter,
		Meter:        meter,
		JWTManager:   jwtManager,
		WebSocketHub: wsHub,
		Metrics:      metrics,
		Health:       healthChecker,
		Logger:       log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine（可选）
	var smtpServer *gosmtp.Server
	if cfg.SMTP.Enabled {
		limiter := smtp.NewConnectionLimiter(100, 10)
		smtpBackend := smtp.NewBackend(mailLedger, minter, limiter, log).
			WithNotifier(wsHub).
			WithSessionCounter(metrics.SMTPSessions)

		smtpServer = gosmtp.NewServer(smtpBackend)
		smtpServer.Addr = cfg.SMTP.BindAddr
		smtpServer.Domain = cfg.Node.Domain
		smtpServer.ReadTimeout = 10 * time.Second
		smtpServer.WriteTimeout = 10 * time.Second
		smtpServer.MaxMessageBytes = 10 * 1024 * 1024 // 10MB
		smtpServer.MaxRecipients = 50

		group.Go(func() error {
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.Node.Domain),
			)
			if err := smtpServer.ListenAndServe(); err != nil && err != gosmtp.ErrServerClosed {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
		}

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("node error", zap.Error(err))
	}

	log.Info("node exited cleanly")
}
