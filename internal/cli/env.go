package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/wslusb/wslusb/internal/config"
	"github.com/wslusb/wslusb/internal/devstate"
	"github.com/wslusb/wslusb/internal/logging"
	"github.com/wslusb/wslusb/internal/manager"
	"github.com/wslusb/wslusb/internal/metrics"
	"github.com/wslusb/wslusb/internal/tool"
)

// newRunner builds the usbipd runner. Tests replace it with a fake.
var newRunner = func(cfg *config.Config, logger *slog.Logger, obs tool.Observer) tool.Runner {
	r := tool.NewExecRunner(cfg.Tool.Elevator, logger.With("component", "tool"))
	r.Observer = obs
	return r
}

// env is everything one command invocation works with.
type env struct {
	cfg      *config.Config
	log      *slog.Logger
	metrics  *metrics.Collector
	mgr      *manager.Manager
	closeLog func() error
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("tool"); v != "" {
		cfg.Tool.Path = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}

	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	col := metrics.New()
	mgr := manager.New(newRunner(cfg, logger, col), manager.Options{
		ToolPath:      cfg.Tool.Path,
		Elevation:     manager.Elevation(cfg.Tool.Elevation),
		Listing:       devstate.ListingMode(cfg.Tool.Listing),
		AttachTimeout: cfg.AutoAttach.AttachTimeoutDuration(),
		PollInterval:  cfg.AutoAttach.PollIntervalDuration(),
		Logger:        logger,
		Recorder:      col,
	})
	return &env{cfg: cfg, log: logger, metrics: col, mgr: mgr, closeLog: closeLog}, nil
}

func (e *env) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.mgr.Close(ctx); err != nil {
		e.log.Warn("stopping auto-attach sessions", "error", err)
	}
	_ = e.closeLog()
}

// withEnv runs fn with a loaded env and maps its error to an exit code.
func withEnv(fn func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv(cmd)
		if err != nil {
			return exitErrorFor(err)
		}
		defer e.Close()
		return exitErrorFor(fn(cmd, e, args))
	}
}
