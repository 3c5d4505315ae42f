package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"bbo-stream-go/config"
	"bbo-stream-go/infrastructure/logger"
	"bbo-stream-go/internal/container"
	"bbo-stream-go/monitor/logschema"
)

const (
	exitOK    = 0
	exitError = 1
	exitFatal = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "配置文件路径，留空则只用默认值与环境变量（同时关闭热更新）")
	envFile := flag.String("env", ".env", "dotenv 文件，不存在时忽略")
	logLevel := flag.String("log-level", "", "覆盖配置中的日志级别")
	events := flag.Bool("events", false, "列出结构化日志事件及其级别后退出")
	flag.Parse()

	if *events {
		printEvents(os.Stdout)
		return exitOK
	}

	// .env 只补充未设置的环境变量
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("加载 %s 失败: %v", *envFile, err)
	}

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Printf("加载配置失败: %v", err)
		return exitError
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Printf("初始化日志失败: %v", err)
		return exitError
	}
	defer lg.Close()
	lg = lg.WithFields(map[string]interface{}{"service": "bbostream", "env": cfg.Env})

	c := container.New(cfg, *cfgPath, lg)
	if err := c.Build(); err != nil {
		lg.LogError(err, map[string]interface{}{"action": "build"})
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		lg.LogError(err, map[string]interface{}{"action": "start"})
		return exitError
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		lg.Warn("sd_notify ready failed", zap.Error(err))
	}
	lg.Info("bbo stream running",
		zap.Strings("symbols", cfg.Feed.Symbols),
		zap.String("http", cfg.Server.HTTPAddr),
		zap.String("metrics", cfg.Server.MetricsAddr),
	)

	code := exitOK
	select {
	case <-ctx.Done():
		lg.Info("shutdown signal received")
	case err := <-c.Fatal():
		lg.Error("fatal ingest error, shutting down", zap.Error(err))
		code = exitFatal
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err := c.Stop(); err != nil && code == exitOK {
		code = exitError
	}
	return code
}

// printEvents 输出日志事件表，供告警规则和日志查询对照。
func printEvents(w io.Writer) {
	for _, name := range logschema.Known() {
		fmt.Fprintf(w, "%-24s %s\n", name, logschema.LevelOf(name).CapitalString())
	}
}
