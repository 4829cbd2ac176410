// Package buildinfo carries version metadata injected at build time via
// -ldflags.
package buildinfo

var (
	Version = "dev"
	Commit  = "unknown"
)
