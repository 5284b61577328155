package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/hle-world/hle-addon/internal/config"
	"github.com/hle-world/hle-addon/internal/controller"
	"github.com/hle-world/hle-addon/internal/debughttp"
	ilog "github.com/hle-world/hle-addon/internal/log"
	"github.com/hle-world/hle-addon/internal/policy"
	"github.com/hle-world/hle-addon/internal/relay"
	"github.com/hle-world/hle-addon/internal/server"
	"github.com/hle-world/hle-addon/internal/store/sqlite"
	"github.com/hle-world/hle-addon/internal/supervisor"
)

func runServe(ctx context.Context, args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting hleaddon", "version", Version, "relay_host", cfg.RelayHost)

	if err := debughttp.StartPprofServer(ctx, cfg.PprofAddr, logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	sup, err := supervisor.NewDocker(cfg.ClientImage, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "docker error:", err)
		return 1
	}

	ctrl := controller.New(store, sup, controller.Config{
		RelayHost:          cfg.RelayHost,
		DefaultAPIKey:      cfg.APIKey,
		PollInterval:       cfg.PollInterval,
		ConfirmWindow:      cfg.ConfirmWindow,
		SpawnTimeout:       cfg.SpawnTimeout,
		TerminateTimeout:   cfg.TerminateTimeout,
		CrashLoopThreshold: cfg.CrashLoopThreshold,
		CrashLoopWindow:    cfg.CrashLoopWindow,
	}, logger)

	// Persisted tunnels may have live processes from before a restart;
	// adopt them before serving any request.
	if err := ctrl.Reconcile(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "reconcile error:", err)
		return 1
	}
	go ctrl.Run(ctx)

	engine := policy.New(store, cfg.TokenPepper, logger)

	// The stored key wins over the environment key, resolved on every
	// relay request so a key saved through the API applies immediately.
	relayClient := relay.New(cfg.RelayHost, func(ctx context.Context) string {
		if value, ok, err := store.GetSetting(ctx, controller.SettingRelayAPIKey); err == nil && ok && value != "" {
			return value
		}
		return cfg.APIKey
	}, logger)

	s := server.New(cfg, ctrl, engine, relayClient, store, logger)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}
