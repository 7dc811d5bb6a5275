package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newToolVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tool-version",
		Short: "Print the installed usbipd version",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			v, err := e.mgr.Version()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "usbipd %s\n", v)
			return err
		}),
	}
}

func newBindCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "bind LOCATOR",
		Short: "Share a device so it can be attached (requires administrator rights)",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			if err := e.mgr.Bind(cmd.Context(), args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bound %s\n", args[0])
			return nil
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "Bind even if another driver claims the device")
	return cmd
}

func newUnbindCmd() *cobra.Command {
	return newDeviceCmd("unbind", "Stop sharing a device (requires administrator rights)", "unbound",
		func(e *env) func(context.Context, string) error { return e.mgr.Unbind })
}

func newAttachCmd() *cobra.Command {
	return newDeviceCmd("attach", "Attach a device to WSL, binding it first if needed", "attached",
		func(e *env) func(context.Context, string) error { return e.mgr.Attach })
}

func newDetachCmd() *cobra.Command {
	return newDeviceCmd("detach", "Detach a device from WSL", "detached",
		func(e *env) func(context.Context, string) error { return e.mgr.Detach })
}

// newDeviceCmd builds a command running one locator operation.
func newDeviceCmd(use, short, done string, op func(*env) func(context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " LOCATOR",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			if err := op(e)(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", done, args[0])
			return nil
		}),
	}
}
