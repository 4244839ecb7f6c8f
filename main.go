package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"GroundingDet/config"
	"GroundingDet/logger"
	"GroundingDet/monitor"
	"GroundingDet/remote"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogMode); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Log()

	fmt.Println(strings.Repeat("#", 64))
	fmt.Println(" HTTP    Port:", cfg.HTTPPort)
	fmt.Println(" Metrics Port:", cfg.MonitorPort)
	fmt.Println(" Anchor  Mode:", cfg.AnchorMode())
	fmt.Println(strings.Repeat("#", 64))
	if cfg.APIKey == "" {
		log.Warn("no API key found, every request will fail until it is set", zap.String("env", cfg.Remote.APIKeyEnv))
	}

	// 收到中断信号后优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := remote.NewClient(cfg.RemoteOptions())
	srv := newServer(cfg, client, client, client)
	defer srv.releaseAll()

	// 端口为 0 时不启动 prometheus
	if cfg.MonitorPort > 0 {
		go monitor.StartMon(cfg.MonitorPort, ctx)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: srv.router(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()
	log.Info("service started", zap.Int("port", cfg.HTTPPort))

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown", zap.Error(err))
	}
	fmt.Println("Safely exited")
}
