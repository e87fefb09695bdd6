// Package buildinfo holds version and build metadata stamped at compile
// time via ldflags. The discovery announcer reports it as the origin of
// every entity so the hub can show which bridge build registered it.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Name is the program name used in logs, the MQTT origin block, and
// the default state topic prefix.
const Name = "deskpresence"

// SupportURL is advertised in the discovery origin block.
const SupportURL = "https://github.com/nugget/deskpresence"

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime metadata keyed by field name. The
// version subcommand renders it as text or JSON.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for the startup banner.
func String() string {
	return fmt.Sprintf("%s %s (%s) built %s", Name, Version, GitCommit, BuildTime)
}
