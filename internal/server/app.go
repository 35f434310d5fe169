// Package server initializes and runs the token lifecycle server.
// It selects the refresh token store backend, wires the codec, service,
// HTTP endpoint and sweeper together, and handles graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/tokenvault/internal/common"
	"github.com/dmitrijs2005/tokenvault/internal/logging"
	"github.com/dmitrijs2005/tokenvault/internal/server/auth"
	"github.com/dmitrijs2005/tokenvault/internal/server/config"
	"github.com/dmitrijs2005/tokenvault/internal/server/httpapi"
	"github.com/dmitrijs2005/tokenvault/internal/server/services"
	"github.com/dmitrijs2005/tokenvault/internal/server/sweeper"
)

type App struct {
	config     *config.Config
	logger     logging.Logger
	service    *services.TokenService
	httpServer *httpapi.Server
	sweeper    *sweeper.Sweeper
	closeStore func() error
}

func NewApp(ctx context.Context, cfg *config.Config, resolver httpapi.IdentityResolver) (*App, error) {

	slog := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slog)

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store init error: %w", err)
	}

	// The codec copies the key, so the temporary buffer can be wiped.
	key := []byte(cfg.SecretKey)
	codec := auth.NewCodec(key)
	common.WipeByteArray(key)

	service := services.NewTokenService(store, codec, logger, cfg)

	return &App{
		config:     cfg,
		logger:     logger,
		service:    service,
		httpServer: httpapi.NewServer(cfg, service, codec, resolver, logger),
		sweeper:    sweeper.New(service, logger, cfg.SweepInterval),
		closeStore: closeStore,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	app.logger.Info(ctx, "HTTP server listening", "addr", app.config.EndpointAddrHTTP, "store", app.config.StoreBackend)
	if err := app.httpServer.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.sweeper.Run(ctx)
	}()

	wg.Wait()

	if app.closeStore != nil {
		if err := app.closeStore(); err != nil {
			app.logger.Error(ctx, "closing store", "error", err.Error())
		}
	}
}
