// Package main implements the loanlock agent: the on-device enforcement
// daemon for financed devices. It heartbeats device snapshots to the loan
// backend, applies the server's lock verdicts, and falls back to offline
// tamper comparison when the backend is unreachable.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"loanlock/internal/admin"
	"loanlock/internal/api"
	"loanlock/internal/baseline"
	"loanlock/internal/collector"
	"loanlock/internal/config"
	"loanlock/internal/heartbeat"
	"loanlock/internal/interpret"
	"loanlock/internal/lockstate"
	"loanlock/internal/queue"
	"loanlock/internal/store"
	"loanlock/internal/synclog"
)

var (
	serverFlag   = flag.String("server", "", "Backend URL (e.g. https://backend.example.com)")
	configFlag   = flag.String("config", "", "Path to the agent config file")
	dataDirFlag  = flag.String("data-dir", "", "Directory for the local database")
	profileFlag  = flag.String("profile", "", "Path to the device profile")
	deviceIDFlag = flag.String("device-id", "", "Device id assigned at registration")
	intervalFlag = flag.Duration("interval", 0, "Heartbeat interval")
	debugFlag    = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339Nano, NoColor: true})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	applyFlags(cfg)

	if *debugFlag || cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if key := os.Getenv("LOANLOCK_API_KEY"); key != "" {
		cfg.Server.APIKey = key
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("open local database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("close local database")
		}
	}()

	clk := clock.C
	client := api.NewHTTPClient(cfg.Server.URL, cfg.Server.APIKey)
	baselines := baseline.New(db)
	events := queue.New(db, clk, queue.WithMaxAttempts(cfg.Queue.MaxAttempts))
	attempts := synclog.New(db, cfg.SyncLogCap)
	interp := interpret.New(db, clk, interpret.WithSoftLockThrottle(cfg.Lock.SoftLockThrottle.Std()))
	ctrl := lockstate.New(db, admin.LogAdmin{}, admin.NopPresenter{}, clk,
		lockstate.WithBusyTimeout(cfg.Lock.BusyTimeout.Std()),
		lockstate.WithAuditRetention(cfg.Lock.AuditRetention.Std()),
		lockstate.WithKioskPackages(cfg.Lock.KioskPackages),
	)

	cycle := heartbeat.New(heartbeat.Params{
		DeviceID:       cfg.DeviceID,
		Collector:      collector.NewProfileCollector(cfg.ProfilePath, clk),
		API:            client,
		Baselines:      baselines,
		Queue:          events,
		SyncLog:        attempts,
		Interpreter:    interp,
		Controller:     ctrl,
		Clock:          clk,
		Interval:       cfg.Heartbeat.Interval.Std(),
		DriftTolerance: cfg.Heartbeat.DriftTolerance.Std(),
		MaxRetries:     uint(cfg.Heartbeat.MaxRetries),
		InitialBackoff: cfg.Heartbeat.InitialBackoff.Std(),
		MaxBackoff:     cfg.Heartbeat.MaxBackoff.Std(),
	})
	drainer := queue.NewDrainer(events, client, api.Online, cfg.DeviceID, cfg.Queue.DrainInterval.Std())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("server", cfg.Server.URL).
		Str("device_id", cfg.DeviceID).
		Dur("interval", cfg.Heartbeat.Interval.Std()).
		Str("state", ctrl.Current().State).
		Msg("loanlock agent started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cycle.Run(ctx) })
	g.Go(func() error { return drainer.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("agent exited with error")
		os.Exit(1)
	}
	log.Info().Msg("loanlock agent stopped")
}

func applyFlags(cfg *config.Config) {
	if *serverFlag != "" {
		cfg.Server.URL = *serverFlag
	}
	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	}
	if *profileFlag != "" {
		cfg.ProfilePath = *profileFlag
	}
	if *deviceIDFlag != "" {
		cfg.DeviceID = *deviceIDFlag
	}
	if *intervalFlag > 0 {
		cfg.Heartbeat.Interval = config.Duration(*intervalFlag)
	}
}
