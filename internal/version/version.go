// Package version carries build metadata stamped at link time.
package version

// Version is the semantic version of the build. Overridden via
// -ldflags "-X github.com/dantte-lp/gokvd/internal/version.Version=...".
var Version = "dev"

// Commit is the VCS revision of the build, stamped the same way.
var Commit = "unknown"
