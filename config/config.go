package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/screenrelay/screenrelay/internal/media"
)

const envPrefix = "SCREENRELAY"

var v *viper.Viper

func init() {
	// A .env file in the working directory seeds the environment; variables
	// already set win.
	_ = godotenv.Load()

	v = newViper()

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("signaling.url", "ws://localhost:8080/ws")

	v.SetDefault("webrtc.stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("webrtc.video_track", false)
	v.SetDefault("webrtc.max_buffered_bytes", 4<<20)

	v.SetDefault("capture.source", "adb")
	v.SetDefault("capture.device", "")
	v.SetDefault("capture.file", "")
	v.SetDefault("capture.loop", true)
	v.SetDefault("capture.grant_timeout", "60s")
	v.SetDefault("capture.auto_grant", false)

	v.SetDefault("encoder.max_width", media.DefaultMaxWidth)
	v.SetDefault("encoder.max_height", media.DefaultMaxHeight)
	v.SetDefault("encoder.bitrate", media.DefaultBitrate)
	v.SetDefault("encoder.frame_rate", media.DefaultFrameRate)
	v.SetDefault("encoder.iframe_interval", media.DefaultIFrameInterval)
	v.SetDefault("encoder.poll_timeout", "10ms")

	v.SetDefault("negotiation.max_queued_candidates", 64)

	v.SetDefault("relay.listen", ":8080")
	v.SetDefault("relay.proxy_protocol", false)

	v.SetDefault("scrcpy.server_path", "")
	v.SetDefault("scrcpy.version", "3.3.1")

	v.SetDefault("adb.port", 5037)

	// Environment variables
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("signaling.url", "SCREENRELAY_SIGNALING_URL", "SIGNALING_URL")
	v.BindEnv("capture.device", "SCREENRELAY_CAPTURE_DEVICE", "ANDROID_SERIAL")
	v.BindEnv("adb.port", "SCREENRELAY_ADB_PORT", "ANDROID_ADB_SERVER_PORT")
	v.BindEnv("scrcpy.server_path", "SCREENRELAY_SCRCPY_SERVER_PATH", "SCRCPY_SERVER_PATH")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.screenrelay",
		filepath.Join(xdg.ConfigHome, "screenrelay"),
		"/etc/screenrelay",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}
	return v
}

// LoadFile reads an explicit config file, replacing the one found on the
// search path.
func LoadFile(path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// ConfigFile returns the config file in use, or "" when running on defaults.
func ConfigFile() string {
	return v.ConfigFileUsed()
}

// BindFlag lets a command line flag override key.
func BindFlag(key string, flag *pflag.Flag) {
	if flag == nil {
		return
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %s", flag.Name, err))
	}
}

// Settings returns every key with its effective value.
func Settings() map[string]any {
	return v.AllSettings()
}

// Keys returns the known keys in sorted order.
func Keys() []string {
	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}

func GetSignalingURL() string {
	return v.GetString("signaling.url")
}

func GetSTUNServers() []string {
	return v.GetStringSlice("webrtc.stun_servers")
}

func GetVideoTrack() bool {
	return v.GetBool("webrtc.video_track")
}

func GetMaxBufferedBytes() uint64 {
	return v.GetUint64("webrtc.max_buffered_bytes")
}

// GetCaptureSource returns "adb" or "file".
func GetCaptureSource() string {
	return v.GetString("capture.source")
}

// GetCaptureDevice returns the adb serial to capture, "" for the first online
// device.
func GetCaptureDevice() string {
	return v.GetString("capture.device")
}

func GetCaptureFile() string {
	return v.GetString("capture.file")
}

func GetCaptureLoop() bool {
	return v.GetBool("capture.loop")
}

func GetGrantTimeout() time.Duration {
	return v.GetDuration("capture.grant_timeout")
}

func GetAutoGrant() bool {
	return v.GetBool("capture.auto_grant")
}

// GetEncoderConfig returns the encoder limits and rate settings.
func GetEncoderConfig() media.EncoderConfig {
	return media.EncoderConfig{
		MaxWidth:              v.GetInt("encoder.max_width"),
		MaxHeight:             v.GetInt("encoder.max_height"),
		Bitrate:               v.GetInt("encoder.bitrate"),
		FrameRate:             v.GetInt("encoder.frame_rate"),
		IFrameIntervalSeconds: v.GetInt("encoder.iframe_interval"),
	}
}

func GetPollTimeout() time.Duration {
	return v.GetDuration("encoder.poll_timeout")
}

func GetMaxQueuedCandidates() int {
	return v.GetInt("negotiation.max_queued_candidates")
}

func GetRelayListen() string {
	return v.GetString("relay.listen")
}

func GetRelayProxyProtocol() bool {
	return v.GetBool("relay.proxy_protocol")
}

func GetScrcpyServerPath() string {
	return v.GetString("scrcpy.server_path")
}

func GetScrcpyVersion() string {
	return v.GetString("scrcpy.version")
}

func GetADBPort() int {
	return v.GetInt("adb.port")
}
