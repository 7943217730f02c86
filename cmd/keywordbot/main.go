package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"telegram-keyword-bot/internal/app"
	"telegram-keyword-bot/internal/infra/config"
	"telegram-keyword-bot/internal/infra/logger"
	"telegram-keyword-bot/internal/infra/pr"
)

func main() {
	if err := pr.Init(); err != nil {
		logger.Fatal("failed to assigning stdout and stderr", zap.Error(err))
	}

	// envPath определяет расположение .env с секретами и общими настройками.
	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	// Часовая зона приложения действует глобально на time.Local.
	time.Local = config.AppLocation //nolint:reassign // намеренно задаём часовую зону процесса

	// Логи уходят в подсистему pr, чтобы не ломать строку ввода CLI.
	logger.Init(config.Env().LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	if cfg := config.Env(); cfg.LogFile != "" {
		logger.InitFile(logger.FileOptions{
			Path:       cfg.LogFile,
			Level:      cfg.LogFileLevel,
			MaxSizeMB:  cfg.LogFileMaxSize,
			MaxBackups: cfg.LogFileMaxBackups,
			MaxAgeDays: cfg.LogFileMaxAge,
			Compress:   cfg.LogFileCompress,
		})
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp(ctx, stop)
	if runErr := a.Run(); runErr != nil && ctx.Err() == nil {
		stop()
		logger.Sync()
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	stop()
	logger.Info("Graceful shutdown complete")
	logger.Sync()
}
