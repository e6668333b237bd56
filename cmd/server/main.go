// Meshview Server
//
// Watches a scene directory for mesh files and serves them to viewers:
// - File registry with monotonic per-file versions
// - Debounced filesystem watching (fsnotify)
// - SSE live event stream with per-subscriber queues
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kitbash/meshview/internal/api"
	"github.com/kitbash/meshview/internal/config"
	"github.com/kitbash/meshview/internal/hub"
	"github.com/kitbash/meshview/internal/logging"
	"github.com/kitbash/meshview/internal/metrics"
	"github.com/kitbash/meshview/internal/registry"
	"github.com/kitbash/meshview/internal/sequencer"
	"github.com/kitbash/meshview/internal/watch"
)

var flags struct {
	listenAddr  string
	metricsAddr string
	sceneDir    string
	extensions  []string
	debounce    time.Duration
	queueSize   int
	logLevel    string
	logFormat   string
}

func main() {
	root := &cobra.Command{
		Use:   "meshview-server",
		Short: "Serve a live-synced scene directory to mesh viewers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(cmd)
		},
	}

	root.Flags().StringVar(&flags.listenAddr, "listen", "", "address to listen on (default 127.0.0.1:8080)")
	root.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "separate address for /metrics (empty serves it on the main listener)")
	root.Flags().StringVar(&flags.sceneDir, "scene-dir", "", "directory to watch for mesh files (default scene)")
	root.Flags().StringSliceVar(&flags.extensions, "ext", nil, "file extensions to track (default .obj)")
	root.Flags().DurationVar(&flags.debounce, "debounce", 0, "quiet period before a change is published (default 100ms)")
	root.Flags().IntVar(&flags.queueSize, "queue-size", 0, "per-subscriber event queue size (default 64)")
	root.Flags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.Flags().StringVar(&flags.logFormat, "log-format", "", "log format: console or json")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	applyFlags(cmd, cfg)

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	defer logging.Sync()

	logging.Info("meshview server starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("scene_dir", cfg.SceneDir),
		zap.Strings("extensions", cfg.Extensions),
		zap.Duration("debounce", cfg.QuietPeriod))

	match := watch.ExtFilter(cfg.Extensions)
	reg := registry.New()
	events := hub.New(reg.SnapshotInfos, cfg.QueueSize)
	seq := sequencer.New(cfg.SceneDir, match, reg, events)

	watcher, err := watch.New(cfg.SceneDir, match)
	if err != nil {
		logging.Error("cannot watch scene directory", zap.String("dir", cfg.SceneDir), zap.Error(err))
		return fmt.Errorf("watch %s: %w", cfg.SceneDir, err)
	}
	debouncer := watch.NewDebouncer(cfg.SceneDir, cfg.QuietPeriod)
	defer debouncer.Stop()

	// Bind before the startup scan so a port clash fails fast with a
	// usable message.
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logging.Error("cannot bind listen address",
			zap.String("addr", cfg.ListenAddr), zap.Error(err))
		return fmt.Errorf("bind %s: %w (is another instance running? pick a different --listen address)", cfg.ListenAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := api.NewServer(reg, events, cfg.SceneDir, func() {
		logging.Info("quit requested, shutting down")
		cancel()
	})

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	if cfg.MetricsAddr == "" {
		mux.Handle("/metrics", metrics.Handler())
	}
	httpSrv := &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Seed the registry and announce the initial state before any
	// client can subscribe.
	if err := seq.Bootstrap(); err != nil {
		return fmt.Errorf("startup scan: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Watch loss is fatal: silently serving stale state is worse
		// than exiting.
		if err := watcher.Run(gctx); err != nil {
			logging.Error("filesystem watch lost", zap.Error(err))
			return err
		}
		return nil
	})
	g.Go(func() error {
		for name := range watcher.Events() {
			debouncer.Notify(name)
		}
		return nil
	})
	g.Go(func() error {
		return seq.Run(gctx, debouncer.Output())
	})
	g.Go(func() error {
		logging.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.Drain()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
		g.Go(func() error {
			logging.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("server exiting", zap.Error(err))
		return err
	}
	logging.Info("server stopped")
	return nil
}

// applyFlags lets command line flags override environment config.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = flags.listenAddr
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = flags.metricsAddr
	}
	if cmd.Flags().Changed("scene-dir") {
		cfg.SceneDir = flags.sceneDir
	}
	if cmd.Flags().Changed("ext") {
		cfg.Extensions = flags.extensions
	}
	if cmd.Flags().Changed("debounce") {
		cfg.QuietPeriod = flags.debounce
	}
	if cmd.Flags().Changed("queue-size") {
		cfg.QueueSize = flags.queueSize
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = flags.logFormat
	}
}
