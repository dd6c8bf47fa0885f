package version

import "fmt"

// Build metadata, set with -ldflags "-X pumpwatch/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("pumpwatch %s (commit %s, built %s)", Version, Commit, BuildDate)
}
