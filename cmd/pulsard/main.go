// pulsard is the terminal-multiplexer daemon: persistent PTY sessions with
// multi-client fan-out, workspace layouts, an encrypted credential vault
// and resumable file transfer over QUIC.
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

	"github.com/northriverfence/orbit/pkg/config"
	"github.com/northriverfence/orbit/pkg/ipcserve"
	"github.com/northriverfence/orbit/pkg/localdb"
	"github.com/northriverfence/orbit/pkg/sessiond"
	"github.com/northriverfence/orbit/pkg/transfer"
	"github.com/northriverfence/orbit/pkg/transport"
	"github.com/northriverfence/orbit/pkg/vault"
	"github.com/northriverfence/orbit/pkg/workspace"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()
	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("pulsard exited with error")
	}
}

func run(log zerolog.Logger) error {
	cfg, err := config.LoadPulsar(config.ConfigPath("pulsard"))
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

	sessionDB, err := localdb.Open(filepath.Join(dataDir, "sessions.db"), 0)
	if err != nil {
		return err
	}
	defer sessionDB.Close()
	vaultDB, err := localdb.Open(filepath.Join(dataDir, "vault.db"), 0o600)
	if err != nil {
		return err
	}
	defer vaultDB.Close()

	sessionStore, err := sessiond.NewStore(ctx, sessionDB)
	if err != nil {
		return err
	}
	sessions, err := sessiond.NewManager(ctx, sessiond.ManagerConfig{
		Shell:             cfg.Sessions.Shell,
		SnapshotRetention: cfg.Sessions.SnapshotRetention,
	}, sessionStore, log)
	if err != nil {
		return err
	}
	defer sessions.StopAll(context.Background())

	workspaces, err := workspace.NewStore(ctx, sessionDB)
	if err != nil {
		return err
	}
	vaultManager, err := vault.NewManager(ctx, vaultDB, log)
	if err != nil {
		return err
	}

	transfers, err := transfer.NewEngine(transfer.Config{
		Root:        filepath.Join(dataDir, "transfers"),
		DestDir:     cfg.Transfer.DestDir,
		MaxFileSize: uint64(cfg.Transfer.MaxFileSizeMB) << 20,
		ChunkSize:   cfg.Transfer.ChunkSizeKB << 10,
		IdleTimeout: cfg.Transfer.IdleTimeout(),
	}, log)
	if err != nil {
		return err
	}

	quicServer, err := transport.Listen(cfg.Transport.QuicAddr, sessions, transfers, log)
	if err != nil {
		return err
	}

	socketPath := cfg.Daemon.SocketPath
	if socketPath == "" {
		socketPath = ipcserve.SocketPath("pulsard")
	}
	ipcServer, err := ipcserve.Listen("pulsard", socketPath, cfg.Limits.MaxConnections, log)
	if err != nil {
		return err
	}
	ipcserve.RegisterPulsar(ipcServer, ipcserve.PulsarDeps{
		Sessions:   sessions,
		Workspaces: workspaces,
		Vault:      vaultManager,
		Transfers:  transfers,
		Started:    time.Now(),
	})
	ipcServer.OnShutdown(stop)

	// Periodic sweeps: expired transfers and stopped-session cleanup.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 1m", func() {
		if cleaned := transfers.CleanupExpired(); cleaned > 0 {
			log.Info().Int("cleaned", cleaned).Msg("Expired transfer sweep")
		}
		sessions.Cleanup()
	}); err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ipcServer.Serve(ctx)
	})
	group.Go(func() error {
		return quicServer.Serve(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		_ = ipcServer.Close()
		return quicServer.Close()
	})
	log.Info().Str("socket", socketPath).Str("quic", quicServer.Addr()).Msg("pulsard ready")
	return group.Wait()
}
