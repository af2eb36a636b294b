package app

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gokart/internal/products/config"
	"gokart/internal/products/httpapi"
	"gokart/internal/products/product"
	"gokart/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *storage.Store
	cache    *product.Cache
	products *product.Service
	httpSrv  *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	store, err := storage.New(ctx, cfg.DatabaseURL, migrations)
	if err != nil {
		return nil, err
	}

	cache := product.NewCache(cfg.RedisAddr, cfg.CacheTTL, logger)
	products := product.NewService(product.NewPgStore(store.Pool()), cache, logger)

	api := httpapi.NewServer(products, logger)
	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api,
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		cache:    cache,
		products: products,
		httpSrv:  httpSrv,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("products http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownGracePeriod)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	_ = a.cache.Close()
	a.store.Close()
}

func Run() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close(ctx)

	return app.Run(ctx)
}
