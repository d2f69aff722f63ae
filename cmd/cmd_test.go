package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenrelay/screenrelay/internal/capture"
	"github.com/screenrelay/screenrelay/internal/capture/file"
	"github.com/screenrelay/screenrelay/internal/errdefs"
)

func init() {
	color.NoColor = true
}

func TestOrderedCommands(t *testing.T) {
	root := &cobra.Command{Use: "screenrelay"}
	for _, name := range []string{"zeta", "version", "alpha", "relay", "stream", "hidden"} {
		c := &cobra.Command{Use: name, Run: func(*cobra.Command, []string) {}}
		c.Hidden = name == "hidden"
		root.AddCommand(c)
	}

	var names []string
	for _, c := range orderedCommands(root) {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"stream", "relay", "version", "alpha", "zeta"}, names)
}

func TestRootHelp(t *testing.T) {
	var buf bytes.Buffer
	printRootHelpOrdered(&buf, rootCmd)

	out := buf.String()
	assert.Contains(t, out, "Available Commands:")
	assert.Less(t, strings.Index(out, "  stream"), strings.Index(out, "  relay"))
	assert.Less(t, strings.Index(out, "  relay"), strings.Index(out, "  devices"))
	assert.Contains(t, out, "--version")
}

func TestViewerURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8080", "http://localhost:8080/"},
		{"0.0.0.0:9000", "http://localhost:9000/"},
		{"[::]:9000", "http://localhost:9000/"},
		{"relay.local:80", "http://relay.local:80/"},
		{"[::1]:8080", "http://[::1]:8080/"},
		{"relay.local", "http://relay.local/"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, viewerURL(tt.addr))
		})
	}
}

func TestPrintDevices(t *testing.T) {
	devices := []capture.DeviceInfo{
		{Serial: "emulator-5554", State: "online", Model: "sdk_gphone64"},
		{Serial: "R58M123", State: "unauthorized"},
	}

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printDevices(&buf, devices, "text"))
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 4)
		assert.True(t, strings.HasPrefix(lines[0], "SERIAL"))
		assert.Contains(t, lines[2], "emulator-5554")
		assert.Contains(t, lines[2], "sdk_gphone64")
		assert.Contains(t, lines[3], "unauthorized")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printDevices(&buf, devices, "json"))
		var got []map[string]string
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		require.Len(t, got, 2)
		assert.Equal(t, "emulator-5554", got[0]["serial"])
		_, hasModel := got[1]["model"]
		assert.False(t, hasModel)
	})

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printDevices(&buf, nil, "text"))
		assert.Equal(t, "No devices found\n", buf.String())
	})

	t.Run("bad format", func(t *testing.T) {
		assert.Error(t, printDevices(&bytes.Buffer{}, devices, "yaml"))
	})
}

func TestPrintSettings(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printSettings(&buf, map[string]any{
		"signaling": map[string]any{"url": "ws://relay/ws"},
		"adb":       map[string]any{"port": 5037},
	}))

	var got struct {
		Signaling struct {
			URL string `toml:"url"`
		} `toml:"signaling"`
		ADB struct {
			Port int `toml:"port"`
		} `toml:"adb"`
	}
	require.NoError(t, toml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "ws://relay/ws", got.Signaling.URL)
	assert.Equal(t, 5037, got.ADB.Port)
}

func TestPrintVersion(t *testing.T) {
	info := map[string]string{
		"Version":       "1.2.3",
		"GoVersion":     "go1.25.0",
		"GitCommit":     "abc123",
		"FormattedTime": "unknown",
		"OS":            "linux",
		"Arch":          "amd64",
	}

	var buf bytes.Buffer
	require.NoError(t, printVersion(&buf, info, "text"))
	assert.Contains(t, buf.String(), "Version:    1.2.3")
	assert.Contains(t, buf.String(), "OS/Arch:    linux/amd64")

	buf.Reset()
	require.NoError(t, printVersion(&buf, info, "json"))
	var got map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, info, got)

	assert.Error(t, printVersion(&buf, info, "xml"))
}

func TestPrintStreamError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"denied", errors.Wrap(errdefs.ErrResourceDenied, "operator refused"), "! operator refused: capture permission denied\n"},
		{"signaling", errors.Wrap(errdefs.ErrSignalingTransport, "eof"), "✗ Lost the signaling relay: eof: signaling transport error\n"},
		{"fault", errors.Wrap(errdefs.ErrEncodeFault, "codec died"), "✗ codec died: encode fault\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printStreamError(&buf, tt.err)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestNewPlatform(t *testing.T) {
	t.Run("unknown source", func(t *testing.T) {
		t.Setenv("SCREENRELAY_CAPTURE_SOURCE", "camera")
		_, err := newPlatform()
		assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
	})

	t.Run("file without path", func(t *testing.T) {
		t.Setenv("SCREENRELAY_CAPTURE_SOURCE", "file")
		t.Setenv("SCREENRELAY_CAPTURE_FILE", "")
		_, err := newPlatform()
		assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
	})

	t.Run("missing file", func(t *testing.T) {
		t.Setenv("SCREENRELAY_CAPTURE_SOURCE", "file")
		t.Setenv("SCREENRELAY_CAPTURE_FILE", filepath.Join(t.TempDir(), "missing.h264"))
		_, err := newPlatform()
		assert.Error(t, err)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "screen.h264")
		require.NoError(t, writeFile(path))
		t.Setenv("SCREENRELAY_CAPTURE_SOURCE", "file")
		t.Setenv("SCREENRELAY_CAPTURE_FILE", path)
		p, err := newPlatform()
		require.NoError(t, err)
		assert.IsType(t, &file.Platform{}, p)
	})
}

func TestStreamConfig(t *testing.T) {
	t.Setenv("SCREENRELAY_SIGNALING_URL", "ws://relay.example.com/ws")
	t.Setenv("SCREENRELAY_ENCODER_FRAME_RATE", "24")

	cfg := streamConfig()
	assert.Equal(t, "ws://relay.example.com/ws", cfg.SignalingURL)
	assert.Equal(t, 24, cfg.Encoder.FrameRate)
	assert.Equal(t, 24, cfg.WebRTC.FrameRate)
	assert.Equal(t, 64, cfg.MaxQueuedCandidates)
}

func writeFile(path string) error {
	return os.WriteFile(path, []byte{0, 0, 0, 1, 0x65, 0x88}, 0o644)
}

func TestStreamFlagsReachConfig(t *testing.T) {
	cmd := NewStreamCommand()
	// Rebinding to a fresh command drops the changed flags again.
	t.Cleanup(func() { NewStreamCommand() })

	require.NoError(t, cmd.Flags().Set("signaling", "ws://from-flag/ws"))
	require.NoError(t, cmd.Flags().Set("source", "file"))
	require.NoError(t, cmd.Flags().Set("video-track", "true"))

	cfg := streamConfig()
	assert.Equal(t, "ws://from-flag/ws", cfg.SignalingURL)
	assert.True(t, cfg.WebRTC.VideoTrack)

	_, err := newPlatform()
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration), "file source without --file")
}
