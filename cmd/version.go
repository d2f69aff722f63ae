package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/screenrelay/screenrelay/internal/version"
)

func NewVersionCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printVersion(cmd.OutOrStdout(), version.ClientInfo(), outputFormat)
		},
	}
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format (json or text)")
	return cmd
}

func printVersion(w io.Writer, info map[string]string, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case "text":
		fmt.Fprintln(w, "Client:")
		fmt.Fprintf(w, "  Version:    %s\n", info["Version"])
		fmt.Fprintf(w, "  Go version: %s\n", info["GoVersion"])
		fmt.Fprintf(w, "  Git commit: %s\n", info["GitCommit"])
		fmt.Fprintf(w, "  Built:      %s\n", info["FormattedTime"])
		fmt.Fprintf(w, "  OS/Arch:    %s/%s\n", info["OS"], info["Arch"])
		return nil
	default:
		return fmt.Errorf("invalid output format %q (expected json or text)", format)
	}
}
