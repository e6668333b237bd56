// Meshview Viewer
//
// Headless viewer client: follows a server's event stream under a
// reconnect supervisor and keeps a local scene reconciled. Rendering
// backends plug in through the scene.Loader interface; this binary
// ships a console loader that reports what a renderer would do.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kitbash/meshview/internal/logging"
	"github.com/kitbash/meshview/pkg/client"
	"github.com/kitbash/meshview/pkg/scene"
)

var flags struct {
	serverURL    string
	logLevel     string
	logFormat    string
	pingInterval time.Duration
	once         bool
	quitServer   bool
}

func main() {
	root := &cobra.Command{
		Use:   "meshview-viewer",
		Short: "Follow a meshview server and mirror its scene",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run()
		},
	}

	root.Flags().StringVar(&flags.serverURL, "server", "http://127.0.0.1:8080", "meshview server base URL")
	root.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.Flags().StringVar(&flags.logFormat, "log-format", "console", "log format: console or json")
	root.Flags().DurationVar(&flags.pingInterval, "ping-interval", 30*time.Second, "liveness ping interval, 0 disables")
	root.Flags().BoolVar(&flags.once, "once", false, "fetch the current scene once and exit")
	root.Flags().BoolVar(&flags.quitServer, "quit-server", false, "ask the server to shut down when the viewer exits")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	if err := logging.Init(logging.Config{Level: flags.logLevel, Format: flags.logFormat}); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	defer logging.Sync()

	c := client.New(client.Config{BaseURL: flags.serverURL})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.once {
		return fetchOnce(ctx, c)
	}

	loader := &consoleLoader{}
	rec := scene.New(c, loader, scene.WithOverlay(&consoleOverlay{}))

	events, sup := c.Subscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		err := rec.Run(gctx, events)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if flags.pingInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(flags.pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := c.Ping(gctx); err != nil {
						logging.Debug("ping failed", zap.Error(err))
					}
				}
			}
		})
	}

	logging.Info("viewer running", zap.String("server", flags.serverURL))
	err := g.Wait()

	if flags.quitServer {
		quitCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if qerr := c.Quit(quitCtx); qerr != nil {
			logging.Warn("could not deliver quit to server", zap.Error(qerr))
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// fetchOnce lists the scene and downloads every file, then exits.
func fetchOnce(ctx context.Context, c *client.Client) error {
	files, err := c.ListFiles(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		data, err := c.FetchContent(ctx, f.Name)
		if err != nil {
			logging.Warn("fetch failed", zap.String("name", f.Name), zap.Error(err))
			continue
		}
		logging.Info("fetched",
			zap.String("name", f.Name),
			zap.Uint64("version", f.Version),
			zap.Int("bytes", len(data)))
	}
	return nil
}

// consoleLoader stands in for a rendering backend.
type consoleLoader struct{}

func (l *consoleLoader) Load(name string, data []byte) error {
	logging.Info("mesh loaded", zap.String("name", name), zap.Int("bytes", len(data)))
	return nil
}

func (l *consoleLoader) Unload(name string) {
	logging.Info("mesh unloaded", zap.String("name", name))
}

// consoleOverlay mirrors the file list overlay a UI would show.
type consoleOverlay struct{}

func (o *consoleOverlay) Refresh(objects []scene.Object) {
	names := make([]string, len(objects))
	for i, obj := range objects {
		names[i] = obj.Name
	}
	logging.Debug("scene listing", zap.Strings("files", names))
}
