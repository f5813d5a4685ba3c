// Package version holds build-time identity used in tracing resources and
// the status page.
package version

// Version is overridden at build time via -ldflags "-X commune/internal/version.Version=...".
var Version = "dev"
