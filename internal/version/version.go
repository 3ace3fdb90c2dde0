package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// UserAgent is the default User-Agent for outbound requests.
func UserAgent() string {
	return fmt.Sprintf("hl-sentinel/%s", Version)
}

// String renders the full build description.
func String() string {
	return fmt.Sprintf("hl-sentinel %s (commit %s, built %s)", Version, Commit, BuildDate)
}
