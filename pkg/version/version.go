// Package version holds build version information.
package version

// Version is the semantic version, overridden at build time with
// -ldflags "-X github.com/ZaynJarvis/newtab/pkg/version.Version=...".
var Version = "0.3.0-dev"

// Commit is the git commit hash, set at build time.
var Commit = "unknown"
