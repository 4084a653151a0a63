package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dropDatabas3/discover/internal/app"
	"github.com/dropDatabas3/discover/internal/config"
	"github.com/dropDatabas3/discover/internal/observability/logger"
)

func main() {
	cfgPath := flag.String("config", envOr("DISCOVER_CONFIG", ""), "ruta al YAML de configuración (env DISCOVER_CONFIG)")
	envFile := flag.String("env", ".env", "archivo .env opcional")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("env file %s not loaded: %v", *envFile, err)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: cfg.Self.Type,
	})
	defer func() { _ = logger.Sync() }()
	l := logger.Named("discoverd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Deps{Logger: l})
	if err != nil {
		l.Fatal("wiring failed", logger.Err(err))
	}

	l.Info("starting",
		logger.Kind(cfg.Self.Type),
		logger.String("transport", cfg.Transport.Kind),
		logger.String("addr", cfg.Server.Addr),
		logger.Count(len(cfg.Services)),
	)
	if err := a.Run(ctx); err != nil {
		l.Error("stopped with error", logger.Err(err))
		os.Exit(1)
	}
	l.Info("stopped")
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
