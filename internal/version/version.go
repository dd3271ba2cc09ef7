package version

// Set at build time with -ldflags "-X github.com/kubilitics/kubilitics-perf/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)
