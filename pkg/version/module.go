package version

// Stamped by the release build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "none"
	BuildTime = "unknown"
)
