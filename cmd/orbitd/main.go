// orbitd is the command-mediation daemon: it classifies shell input,
// consults the learning store, routes natural language to AI providers and
// learns from execution feedback.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/northriverfence/orbit/pkg/audit"
	"github.com/northriverfence/orbit/pkg/classifier"
	"github.com/northriverfence/orbit/pkg/config"
	"github.com/northriverfence/orbit/pkg/governor"
	"github.com/northriverfence/orbit/pkg/ipcserve"
	"github.com/northriverfence/orbit/pkg/learning"
	"github.com/northriverfence/orbit/pkg/learning/embedding"
	"github.com/northriverfence/orbit/pkg/license"
	"github.com/northriverfence/orbit/pkg/localdb"
	"github.com/northriverfence/orbit/pkg/mediation"
	"github.com/northriverfence/orbit/pkg/provider"
)

func main() {
	log := newLogger()
	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("orbitd exited with error")
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(os.Getenv("ORBIT_LOG_LEVEL")); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
}

func run(log zerolog.Logger) error {
	cfg, err := config.LoadOrbit(config.ConfigPath("orbitd"))
	if err != nil {
		return err
	}
	if cfg.Daemon.LogLevel != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Daemon.LogLevel); err == nil {
			log = log.Level(parsed)
		}
	}
	dataDir := config.DataDir(cfg.Daemon.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := localdb.Open(filepath.Join(dataDir, "learning.db"), 0)
	if err != nil {
		return err
	}
	defer db.Close()

	var embedder *embedding.Provider
	if cfg.Learning.EmbeddingBaseURL != "" {
		embedder, err = embedding.NewLocalProvider(
			cfg.Learning.EmbeddingBaseURL, cfg.Learning.EmbeddingAPIKey,
			cfg.Learning.EmbeddingModel, cfg.Learning.EmbeddingDimension)
		if err != nil {
			// The store downgrades to exact matching without a provider.
			log.Warn().Err(err).Msg("Embedding provider unavailable, using exact matching")
			embedder = nil
		}
	}

	store, err := learning.NewStore(ctx, db, embedder, log)
	if err != nil {
		return err
	}
	auditLog, err := audit.NewLogger(ctx, db, log)
	if err != nil {
		return err
	}

	classify := classifier.New(store, cfg.Learning.ConfidenceThreshold, log)
	if err := classify.WatchPath(ctx); err != nil {
		log.Warn().Err(err).Msg("PATH watcher unavailable")
	}

	registry := provider.NewRegistry()
	if cfg.Providers.OpenAIAPIKey != "" {
		registry.Register(provider.NewOpenAIProvider(
			cfg.Providers.OpenAIAPIKey, cfg.Providers.OpenAIBaseURL, cfg.Providers.OpenAIModel, 10, log))
	}
	router := provider.NewRouter(registry, provider.RouterConfig{
		Preferred:     cfg.Providers.Default,
		MaxRequests:   cfg.Providers.MaxRequests,
		RatePerSecond: cfg.Providers.RatePerSecond,
	}, log)

	pipeline := mediation.NewPipeline(classify, store, router, auditLog, log)
	limiter := governor.NewLimiter(cfg.Limits.MaxMemoryMB, cfg.Limits.MaxConcurrent, log)

	if cfg.License.Key != "" {
		manager, err := license.NewManager(cfg.License.Server, dataDir, cfg.License.Key, log)
		if err != nil {
			return err
		}
		if err := manager.Validate(ctx); err != nil {
			return err
		}
	}

	socketPath := cfg.Daemon.SocketPath
	if socketPath == "" {
		socketPath = ipcserve.SocketPath("orbitd")
	}
	server, err := ipcserve.Listen("orbitd", socketPath, cfg.Limits.MaxConnections, log)
	if err != nil {
		return err
	}
	ipcserve.RegisterOrbit(server, ipcserve.OrbitDeps{
		Pipeline: pipeline,
		Store:    store,
		Limiter:  limiter,
		Started:  time.Now(),
	})
	server.OnShutdown(stop)

	// Nightly audit retention sweep.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@daily", func() {
		removed, err := auditLog.CleanupOlderThan(context.Background(), 90*24*time.Hour)
		if err != nil {
			log.Warn().Err(err).Msg("Audit cleanup failed")
			return
		}
		if removed > 0 {
			log.Info().Int64("removed", removed).Msg("Audit retention sweep")
		}
	}); err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Serve(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		return server.Close()
	})
	log.Info().Str("socket", socketPath).Msg("orbitd ready")
	return group.Wait()
}
