package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wslusb/wslusb/internal/usbipd"
)

func newListCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List USB devices known to usbipd",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			switch output {
			case "table", "json", "yaml":
			default:
				return fmt.Errorf("invalid --output %q (want table|json|yaml)", output)
			}
			list, err := e.mgr.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			switch output {
			case "json":
				return printJSON(w, list)
			case "yaml":
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				if err := enc.Encode(list); err != nil {
					return err
				}
				return enc.Close()
			default:
				return printDeviceTable(w, list)
			}
		}),
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table|json|yaml")
	return cmd
}

func printDeviceTable(w io.Writer, list usbipd.DeviceList) error {
	connected := list.Connected()
	persisted := list.PersistedOnly()

	fmt.Fprintln(w, "Connected:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BUSID\tVID:PID\tDEVICE\tSTATE")
	for _, d := range connected {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.BusID, d.VIDPID, d.Description, d.State())
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Persisted:")
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GUID\tDEVICE")
	for _, d := range persisted {
		fmt.Fprintf(tw, "%s\t%s\n", d.PersistedGUID, d.Description)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
