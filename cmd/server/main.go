package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexiqai/avatar-console/internal/avatar"
	"github.com/lexiqai/avatar-console/internal/catalog"
	"github.com/lexiqai/avatar-console/internal/config"
	"github.com/lexiqai/avatar-console/internal/dispatch"
	"github.com/lexiqai/avatar-console/internal/interrupt"
	"github.com/lexiqai/avatar-console/internal/observability"
	"github.com/lexiqai/avatar-console/internal/resilience"
	"github.com/lexiqai/avatar-console/internal/session"
	"github.com/lexiqai/avatar-console/internal/surface"
)

// Speaking rate of the dry-run avatar
const dryRunPerCharacter = 60 * time.Millisecond

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("avatar_api_url", cfg.AvatarAPIURL).
		Bool("dry_run", cfg.AvatarDryRun).
		Str("overlap_policy", cfg.SpeakOverlapPolicy).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Avatar console starting")

	// Message catalog
	cat := catalog.Default()
	if cfg.CatalogPath != "" {
		cat, err = catalog.Load(cfg.CatalogPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("Failed to load message catalog")
		}
	}
	logger.Info().Int("messages", cat.Len()).Msg("Message catalog loaded")

	policy, err := session.ParseOverlapPolicy(cfg.SpeakOverlapPolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid overlap policy")
	}

	if cfg.AvatarDryRun {
		logger.Warn().Msg("Dry run: using the in-process avatar, nothing is sent to the avatar service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconnect := &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
		Logger:      &logger,
	}

	// Every session gets its own avatar client; a closed one is replaced from the surface
	newSession := func() surface.Binding {
		var client avatar.Client
		if cfg.AvatarDryRun {
			client = avatar.NewDryRun(dryRunPerCharacter)
		} else {
			client = avatar.NewStreamingClient(cfg)
		}

		handle := session.New(client,
			session.WithPolicy(policy),
			session.WithCallTimeout(time.Duration(cfg.AvatarRequestTimeout)*time.Second),
		)

		return surface.Binding{
			Session:     handle,
			Dispatcher:  dispatch.New(handle),
			Interrupter: interrupt.New(handle),
			// Connect in the background so the page is served (with disabled buttons) meanwhile
			Start: func() { go connect(ctx, handle, reconnect) },
		}
	}

	surf := surface.New(surface.Options{
		Catalog:        cat,
		NewSession:     newSession,
		MetricsEnabled: cfg.MetricsEnabled,
	})

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      surf.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("url", cfg.BaseURL()).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	surf.Close()

	logger.Info().Msg("Server exited gracefully")
}

// connect opens the session, retrying until it succeeds or cannot
func connect(ctx context.Context, handle *session.Handle, config *resilience.ReconnectConfig) {
	logger := observability.GetLogger()

	err := resilience.Reconnect(ctx, func() error {
		err := handle.Connect(ctx)
		if session.IsPermanent(err) {
			return resilience.NewPermanentError(err)
		}
		return err
	}, config)
	if err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("Giving up connecting to the avatar service")
	}
}
