// Command hydrogend is the INDI/Hydrogen multiplexing message router
// daemon: it accepts client and server connections over TCP and UNIX
// sockets, supervises local driver subprocesses and dials remote
// driver servers named on the command line, and routes property
// traffic between them per spec.md.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/hydrogend/hydrogend/internal/auditlog"
	"github.com/hydrogend/hydrogend/internal/config"
	"github.com/hydrogend/hydrogend/internal/fifoctl"
	"github.com/hydrogend/hydrogend/internal/listener"
	"github.com/hydrogend/hydrogend/internal/logging"
	"github.com/hydrogend/hydrogend/internal/message"
	"github.com/hydrogend/hydrogend/internal/metrics"
	"github.com/hydrogend/hydrogend/internal/remote"
	"github.com/hydrogend/hydrogend/internal/router"
	"github.com/hydrogend/hydrogend/internal/shmbuf"
	"github.com/hydrogend/hydrogend/internal/supervisor"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hydrogend: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.ParseFlags(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "hydrogend: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(logging.Config{
		Level:  verbosityLevel(cfg.Verbosity, logging.Level(cfg.LogLevel)),
		Format: logging.Format(cfg.LogFormat),
	})
	cfg.LogConfig(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting hydrogend")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := shmbuf.New(logger)
	pool := message.NewPool(runtime.GOMAXPROCS(0), 256, logger)
	pool.Start(ctx)
	defer pool.Stop()

	rtr := router.New(router.Config{
		MaxQueueBytes:    cfg.MaxQueueBytes,
		MaxStreamBytes:   cfg.MaxStreamBytes,
		FanoutRatePerSec: cfg.FanoutRatePerSec,
		FanoutBurst:      cfg.FanoutBurst,
	}, logger)
	disp := router.NewDispatcher(rtr, store, pool, logger)

	audit := auditlog.New(cfg.LogDir, logger)
	if err := audit.StartRotationCheck(); err != nil {
		logger.Warn().Err(err).Msg("day-log rotation check not scheduled")
	}
	defer audit.Close()

	reg := prometheus.NewRegistry()
	metrics.New(reg)
	go serveMetrics(cfg.MetricsAddr, reg, logger)

	sup := supervisor.New(rtr, disp, store, pool, cfg.MaxRestarts, logger)
	dialer := remote.New(rtr, disp, store, pool, logger)

	startDrivers(ctx, cfg, sup, dialer, logger)

	lst := listener.New(rtr, disp, store, pool, logger)
	if err := lst.ListenTCP(ctx, fmt.Sprintf(":%d", cfg.TCPPort)); err != nil {
		logger.Fatal().Err(err).Msg("failed to start TCP listener")
	}
	if cfg.UnixSocketPath != "" {
		if err := lst.ListenUnix(ctx, cfg.UnixSocketPath); err != nil {
			logger.Error().Err(err).Msg("failed to start UNIX listener")
		}
	}
	defer lst.Close()

	if cfg.FifoPath != "" {
		ctl := fifoctl.New(cfg.FifoPath, cfg.DriverPrefix, rtr, sup, dialer, logger)
		go func() {
			if err := ctl.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("fifo control channel stopped")
			}
		}()
	}

	waitForShutdown(logger)
	cancel()
}

// verbosityLevel lets -v/-vv/-vvv escalate the configured log level,
// matching the teacher's main.go pattern of a CLI flag overriding the
// env-sourced LogLevel rather than replacing it outright.
func verbosityLevel(verbosity int, configured logging.Level) logging.Level {
	switch {
	case verbosity >= 2:
		return logging.LevelDebug
	case verbosity == 1:
		if configured == logging.LevelError || configured == logging.LevelWarn {
			return logging.LevelInfo
		}
		return configured
	default:
		return configured
	}
}

// startDrivers launches every positional driver spec from argv: a
// path containing "@" dials a remote driver server, anything else is
// spawned as a local subprocess.
func startDrivers(ctx context.Context, cfg *config.Config, sup *supervisor.Supervisor, dialer *remote.Dialer, logger zerolog.Logger) {
	for _, spec := range cfg.DriverSpecs {
		if isRemoteSpec(spec) {
			if _, err := dialer.Connect(ctx, spec); err != nil {
				logger.Error().Err(err).Str("spec", spec).Msg("failed to dial remote driver")
			}
			continue
		}
		path, err := supervisor.ResolvePath(cfg.DriverPrefix, spec)
		if err != nil {
			logger.Error().Err(err).Str("spec", spec).Msg("failed to resolve driver path")
			continue
		}
		if _, err := sup.Spawn(ctx, supervisor.DriverSpec{
			Name:    spec,
			Path:    path,
			Mode:    supervisor.Socketpair,
			Restart: true,
		}); err != nil {
			logger.Error().Err(err).Str("spec", spec).Msg("failed to spawn local driver")
		}
	}
}

func isRemoteSpec(spec string) bool {
	for _, r := range spec {
		if r == '@' {
			return true
		}
	}
	return false
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

func waitForShutdown(logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down hydrogend")
}
