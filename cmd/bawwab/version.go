package main

// Set at build time, e.g.
// go build -ldflags "-X main.Version=$(cat VERSION) -X main.GitCommit=$(git rev-parse HEAD)"
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// VersionInfo returns a formatted version string for display
func VersionInfo() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return Version + " (" + GitCommit[:7] + ")"
	}
	return Version
}
