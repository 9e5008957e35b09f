// Package version carries build metadata set with -ldflags -X.
package version

var (
	Version   = "dev"
	GitCommit = "unknown"
)

// String returns the version for logs, the CLI and the telemetry resource.
func String() string {
	if GitCommit == "" || GitCommit == "unknown" {
		return Version
	}
	return Version + " (" + GitCommit + ")"
}
