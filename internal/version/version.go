// Package version carries build identification, stamped via -ldflags.
package version

var (
	// Version is the current controller version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)
