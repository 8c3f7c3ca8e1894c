package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"liuproxy_edge/internal/server"
	"liuproxy_edge/internal/shared/config"
	"liuproxy_edge/internal/shared/logger"
)

func main() {
	configPath := flag.String("config", "configs/edge.ini", "Path to edge config file (empty: environment only)")
	flag.Parse()

	// 1. 加载配置
	cfg := config.Default()
	if err := config.LoadIni(cfg, *configPath); err != nil {
		log.Fatalf("Failed to load config file '%s': %v", *configPath, err)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.LogConf); err != nil {
		log.Fatalf("Error initializing logger: %v", err)
	}

	// 3. 创建并运行服务器，收到信号后优雅退出
	appServer, err := server.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := appServer.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Edge server exited with error")
		os.Exit(1)
	}
}
