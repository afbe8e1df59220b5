package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mission-talk/server/internal/api"
	"mission-talk/server/internal/auth"
	"mission-talk/server/internal/config"
	"mission-talk/server/internal/dialogue"
	"mission-talk/server/internal/domain"
	"mission-talk/server/internal/imagegen"
	"mission-talk/server/internal/llm"
	"mission-talk/server/internal/results"
	"mission-talk/server/internal/session"
	"mission-talk/server/internal/speech"
	"mission-talk/server/internal/timeline"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var structured bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mission HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadRuntime()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cmd.Context(), cfg, log, structured)
		},
	}
	cmd.Flags().BoolVar(&structured, "structured-output", false, "ask the model for JSON-schema constrained replies")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, log *zap.Logger, structured bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	missions, err := domain.LoadMissions(cfg.Paths.Missions)
	if err != nil {
		return err
	}

	var opts []dialogue.Option
	if structured {
		opts = append(opts, dialogue.WithStructuredOutput())
	}
	dialogueSvc := dialogue.NewService(llm.NewOpenAIClient(cfg.OpenAI), log, opts...)

	sessions, closeSessions, err := openSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSessions()

	resultStore, closeResults, err := openResultStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeResults()

	var verifier *auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.Auth.JWTSecret)
	}

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(cfg, api.Deps{
		Dialogue: dialogueSvc,
		Image:    imagegen.NewClient(cfg.Replicate, log),
		Speech:   speech.NewClient(cfg.ElevenLabs, log),
		Sessions: sessions,
		Timeline: timeline.NewInMemoryStore(),
		Results:  resultStore,
		Verifier: verifier,
		Missions: missions,
		Logger:   log,
	})

	go server.RunReaper(ctx)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("missiontalk server listening",
			zap.String("addr", srv.Addr),
			zap.Int("missions", len(missions)),
			zap.String("session_backend", cfg.Storage.SessionBackend),
			zap.String("results_backend", cfg.Storage.ResultsBackend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server forced to shutdown", zap.Error(err))
	}
	server.Shutdown()
	log.Info("server exiting")
	return nil
}

func openSessionStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	if cfg.Storage.SessionBackend != "redis" {
		return session.NewInMemoryStore(), func() {}, nil
	}
	store, err := session.NewRedisStore(cfg.Storage.RedisURL, cfg.Storage.SessionTTL)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func openResultStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (results.Store, func(), error) {
	if cfg.Storage.ResultsBackend != "postgres" {
		return results.NewInMemoryStore(), func() {}, nil
	}
	pool, err := results.Connect(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.AutoMigrate {
		if err := results.NewMigrator(pool).Up(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("database migrations applied")
	}
	return results.NewPostgresStore(pool, log), pool.Close, nil
}
