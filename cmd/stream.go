package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/screenrelay/screenrelay/config"
	"github.com/screenrelay/screenrelay/internal/capture"
	"github.com/screenrelay/screenrelay/internal/capture/file"
	"github.com/screenrelay/screenrelay/internal/capture/scrcpy"
	"github.com/screenrelay/screenrelay/internal/errdefs"
	"github.com/screenrelay/screenrelay/internal/streamer"
	"github.com/screenrelay/screenrelay/internal/transport/webrtc"
)

// NewStreamCommand returns the stream command. Its flags are bound to config
// keys, so a flag set on the command line overrides the environment and the
// config file, and runStream reads every setting back through config.
func NewStreamCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream a device screen to remote viewers",
		Long: `Connect to the signaling relay and wait for viewers. Capture starts when the first viewer sends an offer and the operator allows it.

The screen is sent as H.264 over a WebRTC data channel. Each viewer gets its own peer connection.`,
		Example: `  screenrelay stream
  screenrelay stream --device emulator-5554 --signaling ws://relay.example.com/ws
  screenrelay stream --source file --file demo.h264 --auto-grant`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.String("source", config.GetCaptureSource(), "Capture source (adb or file)")
	flags.StringP("device", "d", config.GetCaptureDevice(), "Serial of the adb device to capture (default first online device)")
	flags.String("file", config.GetCaptureFile(), "Annex-B H.264 file to replay when --source=file")
	flags.Bool("loop", config.GetCaptureLoop(), "Restart the file at its end")
	flags.BoolP("auto-grant", "y", config.GetAutoGrant(), "Allow capture without asking")
	flags.StringP("signaling", "s", config.GetSignalingURL(), "WebSocket URL of the signaling relay")
	flags.Bool("video-track", config.GetVideoTrack(), "Also send the screen as an RTP video track")

	config.BindFlag("capture.source", flags.Lookup("source"))
	config.BindFlag("capture.device", flags.Lookup("device"))
	config.BindFlag("capture.file", flags.Lookup("file"))
	config.BindFlag("capture.loop", flags.Lookup("loop"))
	config.BindFlag("capture.auto_grant", flags.Lookup("auto-grant"))
	config.BindFlag("signaling.url", flags.Lookup("signaling"))
	config.BindFlag("webrtc.video_track", flags.Lookup("video-track"))

	cmd.RegisterFlagCompletionFunc("source", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"adb", "file"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

// streamConfig collects the streamer settings from flags, environment and
// config file.
func streamConfig() streamer.Config {
	rtc := webrtc.DefaultConfig()
	rtc.STUNServers = config.GetSTUNServers()
	rtc.VideoTrack = config.GetVideoTrack()
	rtc.MaxBufferedBytes = config.GetMaxBufferedBytes()

	enc := config.GetEncoderConfig()
	if enc.FrameRate > 0 {
		rtc.FrameRate = enc.FrameRate
	}

	return streamer.Config{
		SignalingURL:        config.GetSignalingURL(),
		Encoder:             enc,
		PollTimeout:         config.GetPollTimeout(),
		MaxQueuedCandidates: config.GetMaxQueuedCandidates(),
		WebRTC:              rtc,
	}
}

// newPlatform builds the capture platform named by capture.source.
func newPlatform() (capture.Platform, error) {
	consent := capture.NewConsent(config.GetAutoGrant())
	timeout := config.GetGrantTimeout()

	switch source := config.GetCaptureSource(); source {
	case "adb":
		adb, err := capture.NewADB(config.GetADBPort())
		if err != nil {
			return nil, err
		}
		auth := capture.NewAuthorizer(config.GetCaptureDevice(), adb, consent, timeout)
		return scrcpy.NewPlatform(auth, adb, scrcpy.ServerOptions{
			ServerPath: config.GetScrcpyServerPath(),
			Version:    config.GetScrcpyVersion(),
		}), nil
	case "file":
		path := config.GetCaptureFile()
		if path == "" {
			return nil, errors.Wrap(errdefs.ErrConfiguration, "--file is required with --source=file")
		}
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrap(err, "cannot read video file")
		}
		return file.NewPlatform(path, config.GetCaptureLoop(), consent, timeout), nil
	default:
		return nil, errors.Wrapf(errdefs.ErrConfiguration, "unknown capture source %q", source)
	}
}

func runStream(out io.Writer) error {
	platform, err := newPlatform()
	if err != nil {
		return err
	}
	cfg := streamConfig()
	s, err := streamer.New(cfg, platform)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "%s Waiting for viewers on %s (Ctrl+C to stop)\n", color.GreenString("●"), cfg.SignalingURL)

	var lost error
	handle := func(err error) {
		printStreamError(out, err)
		if lost == nil && errors.Is(err, errdefs.ErrSignalingTransport) {
			lost = err
		}
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case err := <-s.Errors():
				handle(err)
			case <-done:
				return
			}
		}
	}()

	err = s.Run(ctx)
	close(done)
	<-exited
	for pending := true; pending; {
		select {
		case e := <-s.Errors():
			handle(e)
		default:
			pending = false
		}
	}
	if err != nil {
		return err
	}
	if lost != nil {
		return lost
	}

	fmt.Fprintf(out, "%s Stream stopped\n", color.YellowString("■"))
	return nil
}

func printStreamError(w io.Writer, err error) {
	switch {
	case errors.Is(err, errdefs.ErrResourceDenied):
		fmt.Fprintf(w, "%s %v\n", color.YellowString("!"), err)
	case errors.Is(err, errdefs.ErrSignalingTransport):
		fmt.Fprintf(w, "%s Lost the signaling relay: %v\n", color.RedString("✗"), err)
	default:
		fmt.Fprintf(w, "%s %v\n", color.RedString("✗"), err)
	}
}
