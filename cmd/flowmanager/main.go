package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"bybit-carry-bot/internal/alerts"
	"bybit-carry-bot/internal/bybit"
	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/flow"
	"bybit-carry-bot/internal/logging"
	"bybit-carry-bot/internal/state/sqlite"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		panic(err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Log)

	key := strings.TrimSpace(os.Getenv("BYBIT_API_KEY"))
	secret := strings.TrimSpace(os.Getenv("BYBIT_API_SECRET"))
	if key == "" || secret == "" {
		log.Error("BYBIT_API_KEY and BYBIT_API_SECRET are required")
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		log.Error("state dir create failed", zap.Error(err))
		os.Exit(1)
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		log.Error("sqlite open failed", zap.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	client := bybit.New(cfg.Exchange, key, secret, log)
	telegram := alerts.NewTelegram(cfg.Telegram, cfg.Report, log)
	manager := flow.New(cfg.Flow, store, client, telegram, log)
	log.Info("flow manager started", zap.Duration("interval", cfg.Flow.Interval))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("flow manager terminated", zap.Error(err))
		os.Exit(1)
	}
}
