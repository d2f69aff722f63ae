package cmd

import (
	"fmt"
	"io"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/screenrelay/screenrelay/config"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigPathCommand())
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print every setting with its effective value as TOML",
		Long:  `Print the settings after merging defaults, the config file, environment variables (SCREENRELAY_*) and a .env file in the working directory.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printSettings(cmd.OutOrStdout(), config.Settings())
		},
	}
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file in use",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if path := config.ConfigFile(); path != "" {
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), "No config file found, using defaults")
		},
	}
}

func printSettings(w io.Writer, settings map[string]any) error {
	data, err := toml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	_, err = w.Write(data)
	return err
}
