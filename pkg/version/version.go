// Package version holds build identity injected at link time.
package version

// Build identity. Overridden via -ldflags at release build time.
var (
	AppName   = "pipali"
	Version   = "dev"
	GitCommit = "unknown"
)
