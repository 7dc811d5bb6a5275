package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/wslusb/wslusb/internal/config"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "wslusb",
		Short:         "wslusb: share and attach USB devices to WSL through usbipd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("wslusb {{.Version}}\n")

	cmd.PersistentFlags().String("config", getenvDefault("WSLUSB_CONFIG", config.DefaultPath()), "Path to config.yaml")
	cmd.PersistentFlags().String("tool", "", "usbipd executable (overrides tool.path)")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error (overrides logging.level)")

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newToolVersionCmd())
	cmd.AddCommand(newBindCmd())
	cmd.AddCommand(newUnbindCmd())
	cmd.AddCommand(newAttachCmd())
	cmd.AddCommand(newDetachCmd())
	cmd.AddCommand(newAutoAttachCmd())
	cmd.AddCommand(newServeCmd(version))

	return cmd
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
