// Package version holds the build version of the bridge.
package version

import "fmt"

var (
	// Version is the semantic version, set at build time.
	Version = "0.1.0"

	// GitCommit is the commit the binary was built from, set at build time.
	GitCommit = ""
)

// String returns the human-readable version.
func String() string {
	if GitCommit == "" {
		return fmt.Sprintf("hermes-bridge v%s", Version)
	}
	return fmt.Sprintf("hermes-bridge v%s (%s)", Version, GitCommit)
}

// UserAgent is sent with outgoing API requests.
func UserAgent() string {
	return "hermes-bridge/" + Version
}
