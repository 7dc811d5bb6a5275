package cli

import (
	"context"
	"fmt"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"

	"github.com/wslusb/wslusb/internal/api"
	"github.com/wslusb/wslusb/internal/config"
	"github.com/wslusb/wslusb/internal/hotplug"
	"github.com/wslusb/wslusb/internal/instance"
)

func newServeCmd(version string) *cobra.Command {
	var minimized bool
	var listen string
	var lockDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the device list current and serve it to local UI views",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			lock, err := instance.Acquire(lockDir)
			if err != nil {
				return err
			}
			defer lock.Release()

			ctx, stop := signal.NotifyContext(cmd.Context(), signalsToNotify()...)
			defer stop()

			return runServe(ctx, e, serveOptions{
				version:   version,
				minimized: minimized,
				listen:    listen,
			})
		}),
	}
	cmd.Flags().BoolVar(&minimized, "minimized", false, "Tell UI views to start minimized")
	cmd.Flags().StringVar(&listen, "listen", "", "Serve the API on this loopback address (enables api)")
	cmd.Flags().StringVar(&lockDir, "lock-dir", "", "Directory for the single-instance lock file (unix)")
	return cmd
}

type serveOptions struct {
	version   string
	minimized bool
	listen    string
}

// runServe refreshes on startup and on every hotplug burst, logs each new
// device list and optionally serves the API until ctx is done.
func runServe(ctx context.Context, e *env, opts serveOptions) error {
	log := e.log

	addr := opts.listen
	if addr == "" && e.cfg.API.Enabled {
		addr = e.cfg.API.Addr
	}
	if addr != "" {
		if err := config.ValidateLoopback(addr); err != nil {
			return fmt.Errorf("api address: %w", err)
		}
	}

	if _, err := e.mgr.Refresh(ctx); err != nil {
		log.Error("initial device refresh failed", "error", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	sub := e.mgr.Subscribe(1)
	defer e.mgr.Unsubscribe(sub)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case list, ok := <-sub:
				if !ok {
					return
				}
				log.Info("device list updated", "generation", list.Generation, "devices", len(list.Devices))
			case <-ctx.Done():
				return
			}
		}
	}()

	if e.cfg.Hotplug.On() {
		w, err := hotplug.NewWatcher(hotplug.Config{
			Dir:      e.cfg.Hotplug.Dir,
			Debounce: e.cfg.Hotplug.DebounceDuration(),
			Logger:   log.With("component", "hotplug"),
			OnChange: func() {
				e.metrics.IncHotplugEvent()
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := e.mgr.Refresh(ctx); err != nil {
						log.Warn("hotplug refresh failed", "error", err)
					}
				}()
			},
		})
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			// Refresh still works on demand without notifications.
			log.Warn("hotplug notifications unavailable", "error", err)
		} else {
			defer w.Stop()
		}
	}

	if addr == "" {
		log.Info("wslusb running", "version", opts.version, "api", false)
		<-ctx.Done()
		return nil
	}
	app := api.NewApp(e.mgr, api.Options{
		AppVersion:  opts.version,
		Minimized:   opts.minimized,
		MetricsPath: e.cfg.API.MetricsPath,
		Metrics:     e.metrics,
	})
	srv, err := api.NewServer(addr, app.Router(), log.With("component", "api"))
	if err != nil {
		return err
	}
	log.Info("wslusb running", "version", opts.version, "api", srv.Addr())
	return srv.Run(ctx)
}
