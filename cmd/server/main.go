package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/HMasataka/chathub/internal/api"
	"github.com/HMasataka/chathub/internal/auth"
	"github.com/HMasataka/chathub/internal/config"
	"github.com/HMasataka/chathub/internal/eventbus"
	"github.com/HMasataka/chathub/internal/logging"
	"github.com/HMasataka/chathub/internal/store"
	"github.com/HMasataka/chathub/pkg/chat"
	"github.com/HMasataka/chathub/pkg/transport/websocket"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "chathub-server:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("chathub-server", pflag.ContinueOnError)
	var (
		configPath = flagSet.StringP("config", "c", "", "YAML or JSONC config file")
		envFile    = flagSet.String("env-file", ".env", "dotenv file merged into the environment")
		logLevel   = flagSet.String("log-level", "", "override logging.level (debug, info, warn, error)")
		logFormat  = flagSet.String("log-format", "", "override logging.format (text, json, pretty)")
		port       = flagSet.IntP("port", "p", 0, "override server.port")
	)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(config.LoadOptions{Path: *configPath, EnvFile: *envFile})
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	bus := eventbus.NewInMemoryBus(cfg.Hub.EventBufferSize, logger)
	bus.Subscribe(func(event *eventbus.Event) {
		logger.Debug("event",
			"type", event.Type,
			"source", event.Source,
			"event_id", event.ID,
			"room_id", event.RoomID(),
		)
	})
	bus.Start(ctx)
	defer func() {
		bus.Stop()
		if dropped := bus.Dropped(); dropped > 0 {
			logger.Warn("events dropped", "count", dropped)
		}
	}()

	jwt := auth.NewJWTManager(auth.JWTConfig{
		SecretKey: cfg.Auth.Secret,
		Issuer:    cfg.Auth.Issuer,
	})

	hub := chat.NewHub(backend.Membership, backend.Messages, bus, logger.WithField("component", "hub"), chat.OptionsFromConfig(cfg.Hub))
	hub.Start(ctx)

	wsOptions := []websocket.ServerOption{
		websocket.WithHub(hub),
		websocket.WithAuth(jwt),
		websocket.WithLogger(logger.WithField("component", "websocket")),
		websocket.WithEventBus(bus),
		websocket.WithClientOptions(websocket.ClientOptionsFromConfig(cfg.Hub)),
	}
	if len(cfg.CORS.AllowedOrigins) > 0 {
		wsOptions = append(wsOptions, websocket.WithAllowedOrigins(cfg.CORS.AllowedOrigins))
	}

	router := api.NewRouter(api.RouterOptions{
		Hub:            hub,
		Auth:           jwt,
		WebSocket:      websocket.NewServer(wsOptions...),
		Logger:         logger,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting chathub server",
			"addr", srv.Addr,
			"store", cfg.Store.Driver,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			hub.Stop()
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	hub.Stop()

	logger.Info("server stopped")
	return nil
}
