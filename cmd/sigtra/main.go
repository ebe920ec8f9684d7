package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"sigtra/internal/app"
	sigcfg "sigtra/internal/config"
	"sigtra/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := os.Getenv("SIGTRA_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := sigcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logFile, err := openLogFile(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("打开日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
		out := io.MultiWriter(os.Stdout, logFile)
		log.SetOutput(out)
		logger.SetOutput(out)
	}

	llmFile, err := openLogFile(cfg.App.LLMLog)
	if err != nil {
		log.Fatalf("打开 LLM 日志失败: %v", err)
	}
	if llmFile != nil {
		defer llmFile.Close()
		logger.SetLLMWriter(llmFile)
	}

	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，模式=%s）", cfg.App.Env, cfg.App.Mode)

	application, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("组装应用失败: %v", err)
	}
	if err := application.Run(ctx); err != nil {
		log.Fatalf("运行出错: %v", err)
	}
	logger.Infof("已停机")
}

// openLogFile 按追加方式打开日志文件，目录不存在时先创建；path 为空返回 nil。
func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
