// Package scrcpy captures an Android screen with the scrcpy server over adb.
// The device encodes H.264; the host reads its packets as encoder output.
package scrcpy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"

	"github.com/screenrelay/screenrelay/internal/procgroup"
	"github.com/screenrelay/screenrelay/internal/util"
)

const (
	DefaultServerVersion = "3.3.1"

	deviceServerPath = "/data/local/tmp/scrcpy-server.jar"
	acceptTimeout    = 20 * time.Second
)

// ServerOptions locate the adb binary and the scrcpy server jar.
type ServerOptions struct {
	ADBPath    string
	ServerPath string
	Version    string
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.ADBPath == "" {
		if p, err := exec.LookPath("adb"); err == nil {
			o.ADBPath = p
		} else {
			o.ADBPath = "adb"
		}
	}
	if o.ServerPath == "" {
		o.ServerPath = findServerJar()
	}
	if o.Version == "" {
		o.Version = DefaultServerVersion
	}
	return o
}

// launchParams are the per-capture server arguments.
type launchParams struct {
	MaxSize        int
	Bitrate        int
	MaxFPS         int
	IFrameInterval int
	Encoder        string
}

// launcher starts the device side and returns the video and control sockets.
type launcher interface {
	start(ctx context.Context, p launchParams) (video, control net.Conn, err error)
	close() error
}

// server runs one scrcpy server process on a device.
type server struct {
	opts   ServerOptions
	serial string
	scid   uint32
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	cmd      *exec.Cmd
	stdout   *util.PrefixLogWriter
	stderr   *util.PrefixLogWriter
}

func newServer(serial string, opts ServerOptions) *server {
	return &server{
		opts:   opts.withDefaults(),
		serial: serial,
		// scrcpy requires a 31-bit scid.
		scid:   rand.Uint32() & 0x7fffffff,
		logger: util.GetLogger().With("device", serial),
	}
}

func (s *server) socketName() string {
	return fmt.Sprintf("scrcpy_%08x", s.scid)
}

func (s *server) adb(args ...string) *exec.Cmd {
	return exec.Command(s.opts.ADBPath, append([]string{"-s", s.serial}, args...)...)
}

func (s *server) start(ctx context.Context, p launchParams) (net.Conn, net.Conn, error) {
	if err := s.pushServer(); err != nil {
		return nil, nil, err
	}

	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to listen for scrcpy server")
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	port := listener.Addr().(*net.TCPAddr).Port
	if err := s.reverse(port); err != nil {
		return nil, nil, err
	}
	if err := s.launch(p); err != nil {
		return nil, nil, err
	}

	// Sockets connect in order: video, then control.
	video, err := s.accept(ctx, listener)
	if err != nil {
		return nil, nil, errors.Wrap(err, "video socket")
	}
	control, err := s.accept(ctx, listener)
	if err != nil {
		video.Close()
		return nil, nil, errors.Wrap(err, "control socket")
	}
	s.logger.Info("Scrcpy server connected", "port", port)
	return video, control, nil
}

func (s *server) pushServer() error {
	if s.opts.ServerPath != "" {
		if _, err := os.Stat(s.opts.ServerPath); err == nil {
			s.logger.Debug("Pushing scrcpy server", "path", s.opts.ServerPath)
			if out, err := s.adb("push", s.opts.ServerPath, deviceServerPath).CombinedOutput(); err != nil {
				return errors.Errorf("failed to push scrcpy server: %s", out)
			}
		}
	}
	if err := s.adb("shell", "ls", deviceServerPath).Run(); err != nil {
		return errors.New("scrcpy-server.jar not found on device, set scrcpy.server_path")
	}
	return nil
}

func (s *server) reverse(port int) error {
	_ = s.adb("reverse", "--remove", "localabstract:"+s.socketName()).Run()
	s.logger.Debug("Setting up reverse forward", "socket", s.socketName(), "port", port)
	out, err := s.adb("reverse", "localabstract:"+s.socketName(), fmt.Sprintf("tcp:%d", port)).CombinedOutput()
	if err != nil {
		return errors.Errorf("failed to set up reverse forward: %s", out)
	}
	return nil
}

// serverArgs builds the app_process command line.
func (s *server) serverArgs(p launchParams) []string {
	args := []string{
		"shell",
		"CLASSPATH=" + deviceServerPath,
		"app_process", "/", "com.genymobile.scrcpy.Server",
		s.opts.Version,
		fmt.Sprintf("scid=%08x", s.scid),
		"log_level=info",
		"video=true",
		"audio=false",
		"control=true",
		"cleanup=true",
		"video_codec=h264",
		fmt.Sprintf("max_size=%d", p.MaxSize),
		fmt.Sprintf("video_bit_rate=%d", p.Bitrate),
		fmt.Sprintf("max_fps=%d", p.MaxFPS),
		fmt.Sprintf("video_codec_options=i-frame-interval=%d", p.IFrameInterval),
	}
	if p.Encoder != "" {
		args = append(args, "video_encoder="+p.Encoder)
	}
	return args
}

func (s *server) launch(p launchParams) error {
	s.killServer()

	cmd := s.adb(s.serverArgs(p)...)
	stdout := util.NewPrefixLogWriter("[scrcpy-out]")
	stderr := util.NewPrefixLogWriter("[scrcpy-err]")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	procgroup.Detach(cmd)
	s.logger.Debug("Starting scrcpy server", "command", cmd.String())
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start scrcpy server")
	}

	s.mu.Lock()
	s.cmd, s.stdout, s.stderr = cmd, stdout, stderr
	s.mu.Unlock()
	return nil
}

func (s *server) accept(ctx context.Context, listener net.Listener) (net.Conn, error) {
	if tl, ok := listener.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(acceptTimeout))
	}
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, errors.Errorf("timeout waiting for scrcpy server after %v", acceptTimeout)
		}
		return nil, errors.Wrap(err, "failed to accept scrcpy connection")
	}
	return conn, nil
}

func (s *server) killServer() {
	_ = s.adb("shell", "pkill", "-f", "scrcpy.Server").Run()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
		s.cmd = nil
	}
	for _, w := range []*util.PrefixLogWriter{s.stdout, s.stderr} {
		if w != nil {
			w.Flush()
		}
	}
}

func (s *server) close() error {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}

	s.killServer()
	_ = s.adb("reverse", "--remove", "localabstract:"+s.socketName()).Run()
	s.logger.Info("Scrcpy server stopped")
	return nil
}

// findServerJar looks for a local scrcpy server in the usual places.
func findServerJar() string {
	locations := []string{
		"./assets/scrcpy-server.jar",
		filepath.Join(xdg.DataHome, "screenrelay", "scrcpy-server.jar"),
		"/usr/local/share/scrcpy/scrcpy-server",
		"/opt/homebrew/share/scrcpy/scrcpy-server",
		"/usr/share/scrcpy/scrcpy-server",
	}
	for _, path := range locations {
		if _, err := os.Stat(path); err == nil {
			if abs, err := filepath.Abs(path); err == nil {
				return abs
			}
			return path
		}
	}
	return ""
}
