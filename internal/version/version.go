// Package version provides build version information for the application.
// This is a separate package to avoid import cycles between cli and server packages.
package version

// Version is the build version string, set by ldflags during build.
// Format: vX.Y.Z or vX.Y.Z-dev for development builds.
var Version = "v0.1.0"

// BuildTime is the build timestamp, set by ldflags during build.
var BuildTime = "unknown"
