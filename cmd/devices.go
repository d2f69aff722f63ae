package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/screenrelay/screenrelay/config"
	"github.com/screenrelay/screenrelay/internal/capture"
	"github.com/screenrelay/screenrelay/internal/util"
)

type DevicesOptions struct {
	OutputFormat string
}

func NewDevicesCommand() *cobra.Command {
	opts := &DevicesOptions{}

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the Android devices available for capture",
		Example: `  screenrelay devices
  screenrelay devices --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			adb, err := capture.NewADB(config.GetADBPort())
			if err != nil {
				return err
			}
			devices, err := adb.Devices()
			if err != nil {
				return err
			}
			return printDevices(cmd.OutOrStdout(), devices, opts.OutputFormat)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.OutputFormat, "output", "o", "text", "Output format (json or text)")

	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func printDevices(w io.Writer, devices []capture.DeviceInfo, format string) error {
	switch format {
	case "json":
		type device struct {
			Serial string `json:"serial"`
			State  string `json:"state"`
			Model  string `json:"model,omitempty"`
		}
		list := make([]device, 0, len(devices))
		for _, d := range devices {
			list = append(list, device{Serial: d.Serial, State: d.State, Model: d.Model})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	case "text":
		if len(devices) == 0 {
			fmt.Fprintln(w, "No devices found")
			return nil
		}
		rows := make([]map[string]any, 0, len(devices))
		for _, d := range devices {
			rows = append(rows, map[string]any{
				"serial": d.Serial,
				"state":  colorState(d.State),
				"model":  d.Model,
			})
		}
		util.RenderTable(w, []util.TableColumn{
			{Header: "SERIAL", Key: "serial"},
			{Header: "STATE", Key: "state"},
			{Header: "MODEL", Key: "model"},
		}, rows)
		return nil
	default:
		return fmt.Errorf("invalid output format %q (expected json or text)", format)
	}
}

func colorState(state string) string {
	switch state {
	case "online":
		return color.GreenString(state)
	case "unauthorized", "offline":
		return color.YellowString(state)
	default:
		return state
	}
}
