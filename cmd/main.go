package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/mkovalev/converthub/internal/app"
	"github.com/mkovalev/converthub/internal/config"
	"github.com/mkovalev/converthub/internal/logger"
)

const file = "config.json"

func initSentry(cfg *config.SentryConfig, version string) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     version,
	})
}

func main() {
	cfg := config.NewConfig()
	err := cfg.Read(file)
	if err != nil {
		log.Fatal(err)
	}

	sentryEnabled := cfg.Sentry.SentryDSN != ""
	if sentryEnabled {
		if err := initSentry(&cfg.Sentry, "v1"); err != nil {
			log.Fatalf("sentry.Init: %s", err)
		}
		// Flush buffered events before the program terminates.
		defer sentry.Flush(2 * time.Second)
	}

	slogger := logger.Init(cfg.Sentry.Environment, sentryEnabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, slogger)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			slogger.Error("shutdown error", "err", err)
		}
	}()

	if err := a.Run(); err != nil {
		log.Fatal(err)
	}
}
