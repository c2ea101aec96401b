// Package version reports what build of Kotodama is running. The variables
// are stamped with -ldflags "-X"; unstamped builds fall back to the VCS data
// the Go toolchain embeds.
package version

import (
	"runtime/debug"
	"sync"
)

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var resolveOnce sync.Once

func resolve() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && len(s.Value) >= 7 {
				GitCommit = s.Value[:7]
			}
		case "vcs.time":
			if BuildTime == "unknown" {
				BuildTime = s.Value
			}
		}
	}
}

// Info returns e.g. "v1.2.0 (abc1234) built at 2026-01-01T00:00:00Z".
func Info() string {
	resolveOnce.Do(resolve)
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
