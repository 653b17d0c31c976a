// Package version carries build metadata, stamped at link time via
// -ldflags "-X github.com/SaritraGmbH/pipeweave-sub001/internal/version.Version=...".
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// String renders the build fingerprint for one of the pipeweave binaries.
func String(component string) string {
	return fmt.Sprintf("%s %s\n  commit:     %s\n  built:      %s\n  go version: %s\n",
		component, Version, GitCommit, BuildTime, GoVersion())
}

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }
