// Command wingmuxd hosts the session multiplexer command-execution core
// over HTTP+WebSocket, grounded on the teacher's cmd/wtd daemon (cobra
// root command, signal.NotifyContext graceful shutdown).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingmux/internal/breaker"
	"github.com/ehrlich-b/wingmux/internal/command"
	"github.com/ehrlich-b/wingmux/internal/config"
	"github.com/ehrlich-b/wingmux/internal/engine"
	"github.com/ehrlich-b/wingmux/internal/frontdoor"
	"github.com/ehrlich-b/wingmux/internal/logger"
	"github.com/ehrlich-b/wingmux/internal/metrics"
	"github.com/ehrlich-b/wingmux/internal/obs"
	"github.com/ehrlich-b/wingmux/internal/replay"
	"github.com/ehrlich-b/wingmux/internal/sessionmgr"
	"github.com/ehrlich-b/wingmux/internal/sessionver"
	"github.com/ehrlich-b/wingmux/internal/validate"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "wingmuxd",
		Short: "session multiplexer command-execution daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadDaemon(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx := context.Background()
	shutdownTracing, err := obs.Init(ctx, obs.Config{
		Enabled:    cfg.Tracing.Enabled,
		SampleRate: cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(ctx)

	classifier := command.NewClassifier(command.Options{
		DefaultTimeoutMs: cfg.DefaultCommandTimeout.Milliseconds(),
		ShortTimeoutMs:   cfg.ShortCommandTimeout.Milliseconds(),
	})

	versions := sessionver.New(classifier)

	replayStore := replay.New(replay.Config{
		MaxCommandOutcomes:  cfg.MaxCommandOutcomes,
		MaxInFlightCommands: cfg.MaxInFlightCommands,
		IdempotencyTTL:      cfg.IdempotencyTTL,
	})

	hybridCfg := breaker.DefaultHybridConfig()
	hybridCfg.Session.FailureThreshold = cfg.Breaker.SessionFailureThreshold
	hybridCfg.Session.Window = cfg.Breaker.Window
	hybridCfg.Session.RecoveryTimeout = cfg.Breaker.RecoveryTimeout
	hybridCfg.Session.HalfOpenMaxCalls = cfg.Breaker.HalfOpenMaxCalls
	hybridCfg.Session.SuccessThreshold = cfg.Breaker.SuccessThreshold
	hybridCfg.Global.FailureThreshold = cfg.Breaker.GlobalFailureThreshold
	hybridCfg.Global.Window = cfg.Breaker.Window
	hybridCfg.Global.RecoveryTimeout = cfg.Breaker.RecoveryTimeout
	hybridCfg.Global.HalfOpenMaxCalls = cfg.Breaker.HalfOpenMaxCalls
	hybridCfg.Global.SuccessThreshold = cfg.Breaker.SuccessThreshold
	hybrid := breaker.NewHybrid(hybridCfg)

	manager := sessionmgr.New(sessionmgr.NewMemorySession, versions)

	reg := prometheus.NewRegistry()
	sink := metrics.New(reg)

	eng := engine.New(engine.Config{
		Classifier:            classifier,
		Replay:                replayStore,
		Versions:              versions,
		Breaker:               hybrid,
		Resolver:              manager,
		Dispatcher:            manager,
		Metrics:               sink,
		DependencyWaitTimeout: cfg.DependencyWaitTimeout,
	})
	manager.WireObservers(eng, replayStore, hybrid)

	srv := &frontdoor.Server{
		Engine:    eng,
		Validator: validate.New(),
		Registry:  reg,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("wingmuxd starting", "addr", cfg.Addr)
		errCh <- srv.Start(cfg.Addr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		if err := srv.Close(); err != nil {
			logger.Warn("error closing listener", "error", err)
		}
		drainLanes(eng, 10*time.Second)
		return nil
	case err := <-errCh:
		return err
	}
}

// drainLanes waits for the engine's active lanes to empty, bounded by
// maxWait, so in-flight commands get a chance to finish before the
// process exits rather than being cut off mid-lane.
func drainLanes(eng *engine.Engine, maxWait time.Duration) {
	deadline := time.Now().Add(maxWait)
	for eng.LaneCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n := eng.LaneCount(); n > 0 {
		logger.Warn("shutting down with lanes still active", "laneCount", n)
	}
}
