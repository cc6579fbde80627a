package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release tag, overridden with -ldflags "-X .../internal/version.Version=...".
	Version = "0.1.0-dev"
	// Commit is the short git SHA of the build (or "none").
	Commit = "none"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// Short returns only the release tag.
func Short() string {
	return Version
}

// Full returns the release tag with commit, build time and Go runtime.
func Full() string {
	return fmt.Sprintf("version: %s, commit: %s, built at: %s, go: %s",
		Version, Commit, BuildTime, runtime.Version())
}
