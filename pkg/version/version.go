// Package version provides build version information.
// Values are set at build time via ldflags:
// go build -ldflags "-X github.com/Rorqualx/popguard-go/pkg/version.Version=1.0.0 -X github.com/Rorqualx/popguard-go/pkg/version.Commit=$(git rev-parse --short HEAD)"
package version

import "runtime"

// Version is the application version, set at build time.
var Version = "dev"

// Commit is the source revision, set at build time.
var Commit = ""

// Full returns the version with the commit appended when known.
func Full() string {
	if Commit == "" {
		return Version
	}
	return Version + "+" + Commit
}

// GoVersion returns the Go runtime version.
func GoVersion() string {
	return runtime.Version()
}
