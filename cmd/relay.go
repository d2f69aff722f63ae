package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/screenrelay/screenrelay/config"
	"github.com/screenrelay/screenrelay/internal/signaling"
	"github.com/screenrelay/screenrelay/internal/util"
)

type RelayOptions struct {
	Open bool
}

func NewRelayCommand() *cobra.Command {
	opts := &RelayOptions{}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling relay and the browser viewer",
		Long:  `Run a WebSocket signaling relay. Streamers and viewers connect to /ws and every message is forwarded to the other peers. The root path serves a browser viewer that plays the stream.`,
		Example: `  screenrelay relay
  screenrelay relay --listen :9000 --open
  screenrelay relay --proxy-protocol`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringP("listen", "l", config.GetRelayListen(), "Address to listen on")
	flags.Bool("proxy-protocol", config.GetRelayProxyProtocol(), "Accept PROXY protocol headers from a load balancer")
	flags.BoolVar(&opts.Open, "open", false, "Open the viewer in a browser")

	config.BindFlag("relay.listen", flags.Lookup("listen"))
	config.BindFlag("relay.proxy_protocol", flags.Lookup("proxy-protocol"))

	return cmd
}

func runRelay(out io.Writer, opts *RelayOptions) error {
	addr := config.GetRelayListen()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	url := viewerURL(addr)
	fmt.Fprintf(out, "%s Viewer available at %s\n", color.GreenString("●"), color.CyanString(url))

	if opts.Open {
		go openViewer(ctx, addr, url)
	}

	relay := signaling.NewRelay()
	return relay.ListenAndServe(ctx, addr, config.GetRelayProxyProtocol())
}

// viewerURL returns a browsable URL for a listen address.
func viewerURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + "/"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}

// openViewer opens url once the relay accepts connections.
func openViewer(ctx context.Context, addr, url string) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return
	}
	target := net.JoinHostPort("localhost", port)
	for {
		conn, err := net.DialTimeout("tcp", target, time.Second)
		if err == nil {
			conn.Close()
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	if err := browser.OpenURL(url); err != nil {
		util.GetLogger().Warn("Failed to open browser", "url", url, "error", err)
		fmt.Printf("Please open %s in your browser\n", url)
	}
}
