package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mkovalev/converthub/cmd/migrate"
	"github.com/mkovalev/converthub/internal/blob"
	"github.com/mkovalev/converthub/internal/cache"
	"github.com/mkovalev/converthub/internal/codec"
	"github.com/mkovalev/converthub/internal/config"
	"github.com/mkovalev/converthub/internal/dispatcher"
	"github.com/mkovalev/converthub/internal/engine"
	"github.com/mkovalev/converthub/internal/redisholder"
	"github.com/mkovalev/converthub/internal/repository/storage"
	"github.com/mkovalev/converthub/internal/transport/handler"
	"github.com/mkovalev/converthub/internal/transport/router"
)

type App struct {
	HttpServer *http.Server

	store *storage.Store
	log   *slog.Logger
}

func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations)
	if err != nil {
		return nil, err
	}

	store, err := storage.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	holder, err := redisholder.Build(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	rc := holder.Get()

	blobs, err := blob.NewStore(ctx, &cfg.S3)
	if err != nil {
		return nil, err
	}

	resultCache := cache.NewCache("converthub:results", rc)

	eng := engine.New(store, blobs, codec.Converter{}, nil, engine.Options{
		MaxQuality:          cfg.Conversion.MaxQuality,
		DefaultQualityLossy: cfg.Conversion.DefaultQualityLossy,
		ArtifactTTL:         cfg.Conversion.ArtifactTTL * time.Second,
	}, log)

	// Config durations are plain second counts.
	dcfg := cfg.Dispatcher
	dcfg.BlockTimeout *= time.Second
	dcfg.PollInterval *= time.Second
	dcfg.ClaimTimeout *= time.Second

	producer := dispatcher.Init(ctx, rc, dcfg, eng, store, log)
	eng.SetNotifier(producer)

	h := handler.New(eng, store, resultCache, log)
	r := router.NewRouter(h, cfg.Server.RateLimit)

	s := &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout * time.Second,
		WriteTimeout: cfg.Server.WriteTimeout * time.Second,
	}

	return &App{
		HttpServer: s,
		store:      store,
		log:        log,
	}, nil
}

func (a *App) Run() error {
	a.log.Info("starting server", "addr", a.HttpServer.Addr)
	if err := a.HttpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and lets in-flight jobs finish.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.HttpServer.Shutdown(ctx)
	a.store.Close()
	return err
}
