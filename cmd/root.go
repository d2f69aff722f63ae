package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/screenrelay/screenrelay/config"
	"github.com/screenrelay/screenrelay/internal/util"
	"github.com/screenrelay/screenrelay/internal/version"
)

var (
	configFile string
	verbose    bool

	rootCmd = &cobra.Command{
		Use:          "screenrelay",
		Short:        "Stream a device screen to browsers over WebRTC",
		Long:         `screenrelay captures a device screen, encodes it as H.264 and streams it to remote viewers over WebRTC data channels. Viewers and the streamer meet on a WebSocket signaling relay.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			util.InitLogger(verbose)
			util.SetupGlobalLogger()
			if configFile != "" {
				return config.LoadFile(configFile)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				info := version.ClientInfo()
				fmt.Fprintf(cmd.OutOrStdout(), "screenrelay version %s, build %s\n", info["Version"], info["GitCommit"])
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().Bool("version", false, "Print version information and exit")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default searches ./config.yaml, ~/.screenrelay, $XDG_CONFIG_HOME/screenrelay)")

	rootCmd.AddCommand(NewStreamCommand())
	rootCmd.AddCommand(NewRelayCommand())
	rootCmd.AddCommand(NewDevicesCommand())
	rootCmd.AddCommand(NewConfigCommand())
	rootCmd.AddCommand(NewVersionCommand())

	// Enable custom help output ordering
	setupHelpCommand(rootCmd)
}
