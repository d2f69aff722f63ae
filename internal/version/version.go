package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set at build time via -ldflags. When they are left unset the VCS stamp
// that go build embeds is used instead.
var (
	Version   = "dev"
	BuildTime = "unknown"
	CommitID  = "unknown"
)

// vcsSettings returns the vcs.* build settings of the running binary.
var vcsSettings = func() map[string]string {
	settings := map[string]string{}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return settings
	}
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	return settings
}

func commit() string {
	if CommitID != "unknown" {
		return CommitID
	}
	vcs := vcsSettings()
	rev, ok := vcs["vcs.revision"]
	if !ok {
		return CommitID
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if vcs["vcs.modified"] == "true" {
		rev += "-dirty"
	}
	return rev
}

func buildTime() string {
	if BuildTime != "unknown" {
		return BuildTime
	}
	if t, ok := vcsSettings()["vcs.time"]; ok {
		return t
	}
	return BuildTime
}

func formatBuildTime() string {
	bt := buildTime()
	t, err := time.Parse(time.RFC3339, bt)
	if err != nil {
		return bt
	}
	return t.Format("Mon Jan 2 15:04:05 2006")
}

// ClientInfo returns structured version information.
func ClientInfo() map[string]string {
	return map[string]string{
		"Version":       Version,
		"GoVersion":     runtime.Version(),
		"GitCommit":     commit(),
		"BuildTime":     buildTime(),
		"FormattedTime": formatBuildTime(),
		"OS":            runtime.GOOS,
		"Arch":          runtime.GOARCH,
	}
}

// UserAgent identifies this build to the signaling relay.
func UserAgent() string {
	return fmt.Sprintf("screenrelay/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
