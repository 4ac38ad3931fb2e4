package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"stevedore/internal/common"
	"stevedore/internal/daemon"
	"stevedore/internal/daemon/server"
	"stevedore/internal/runtime"
	"stevedore/internal/stack"
	"stevedore/internal/state"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Daemon config file path")
		port        = flag.Int("port", 0, "API port (overrides config)")
		runtimeType = flag.String("runtime", "", "Runtime type: docker or exec (overrides config)")
		stackPath   = flag.String("stack", "", "Stack file to deploy on startup")
		development = flag.Bool("dev", false, "Enable development mode")
	)
	flag.Parse()

	config, err := common.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		config.API.Port = *port
	}
	if *runtimeType != "" {
		config.Runtime.Type = *runtimeType
	}

	// 初始化日志系统
	if err := common.InitFileLogger(config.Logs.DaemonFile, config.Logs.MaxSizeMB, config.Logs.MaxBackups, *development); err != nil {
		panic(err)
	}
	defer common.Sync()

	logger := common.GetLogger()
	logger.Info("Stevedore daemon configuration",
		zap.Int("port", config.API.Port),
		zap.String("runtime", config.Runtime.Type),
		zap.Bool("development", *development),
		zap.String("stack", *stackPath))

	rt, err := runtime.New(config.Runtime)
	if err != nil {
		logger.Fatal("Failed to create runtime", zap.Error(err))
	}

	store, err := state.NewFileStore(config.State.Directory)
	if err != nil {
		logger.Fatal("Failed to open state store", zap.Error(err))
	}

	d := daemon.New(config, rt, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 恢复上次期望运行的服务
	if err := d.Restore(ctx); err != nil {
		logger.Error("Failed to restore services", zap.Error(err))
	}

	// 启动时部署指定的描述文件
	if *stackPath != "" {
		st, err := stack.Load(*stackPath)
		if err != nil {
			logger.Fatal("Failed to load stack file", zap.Error(err))
		}
		if _, err := d.Deploy(ctx, st); err != nil {
			logger.Fatal("Failed to deploy stack", zap.Error(err))
		}
	}

	httpServer := server.NewHTTPServer(d, common.ComponentLogger("http-server"))
	if err := httpServer.Start(config.API); err != nil {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	// 优雅关闭处理
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("收到信号", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping daemon", zap.Error(err))
	}

	logger.Info("Stevedore daemon exited gracefully")
}
