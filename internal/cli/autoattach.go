package cli

import (
	"context"
	"fmt"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

// sessionCheckInterval is how often the foreground auto-attach command looks
// for a watcher that exited on its own.
var sessionCheckInterval = time.Second

func newAutoAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auto-attach LOCATOR",
		Short: "Attach a bound device and re-attach it whenever it reconnects, until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), signalsToNotify()...)
			defer stop()

			s, err := e.mgr.StartAutoAttach(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "auto-attaching %s (session %s); press Ctrl+C to stop\n", args[0], s.ID)

			ticker := time.NewTicker(sessionCheckInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := e.mgr.StopAutoAttach(stopCtx, s.Locator); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "stopped auto-attach for %s\n", args[0])
					return nil
				case <-ticker.C:
					if !sessionActive(e, s.ID) {
						return &ExitError{code: 1, message: fmt.Sprintf("auto-attach watcher for %s exited", args[0])}
					}
				}
			}
		}),
	}
}

func sessionActive(e *env, id string) bool {
	for _, s := range e.mgr.AutoAttachSessions() {
		if s.ID == id {
			return s.Active
		}
	}
	return false
}
