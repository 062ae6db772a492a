// Package version reports the daemon's build identity. The variables
// can be stamped at build time:
//
//	go build -ldflags "-X github.com/AltairaLabs/DispatchKit/version.version=1.0.0"
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// devVersion is reported when no version was stamped at build time.
const devVersion = "dev"

// shortCommitLen trims VCS revisions for display.
const shortCommitLen = 7

// Stamped via -ldflags, empty otherwise.
var (
	version   = devVersion
	gitCommit = ""
	buildDate = ""
)

// GetVersion returns the stamped version, falling back to the module
// version recorded in build info.
func GetVersion() string {
	if version != devVersion {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return devVersion
}

// vcsInfo reads the commit hash and dirty flag the Go toolchain embeds
// in the binary. The commit comes back shortened for display.
func vcsInfo() (commit string, dirty bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value[:min(shortCommitLen, len(s.Value))]
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	return commit, dirty
}

// GetVersionInfo renders the multi-line output of the version command.
func GetVersionInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dispatchd version %s", GetVersion())

	commit := gitCommit
	if commit == "" {
		commit, _ = vcsInfo()
	}
	if commit != "" {
		fmt.Fprintf(&b, "\ncommit: %s", commit)
	}
	if buildDate != "" {
		fmt.Fprintf(&b, "\nbuilt: %s", buildDate)
	}
	return b.String()
}

// GetBuildInfo returns the build identity as slog key-value pairs for
// the startup log line. The dirty flag only appears for unstamped
// builds, where the toolchain's VCS data is all we have.
func GetBuildInfo() []any {
	attrs := []any{"version", GetVersion()}

	commit := gitCommit
	var dirty bool
	if commit == "" {
		commit, dirty = vcsInfo()
	}
	if commit != "" {
		attrs = append(attrs, "commit", commit)
	}
	if dirty {
		attrs = append(attrs, "dirty", true)
	}
	if buildDate != "" {
		attrs = append(attrs, "built", buildDate)
	}
	return attrs
}
