package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"quoterelay/internal/infrastructure/config"
	"quoterelay/internal/infrastructure/logger"
	"quoterelay/internal/infrastructure/svc"
)

func main() {
	logger.Setup("info", true)

	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	envFile := flag.String("env", ".env", "dotenv file loaded before the QR_* overlay")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel, cfg.App.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer sc.Close()

	log.Info().
		Str("config", *configPath).
		Str("listen", cfg.App.Listen).
		Str("source", cfg.Feed.Source).
		Str("storage", cfg.Storage.Driver).
		Bool("redis", cfg.Redis.Enabled).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("quoterelay started")

	if err := sc.Run(ctx); err != nil {
		log.Error().Err(err).Msg("quoterelay exited")
	}
}
