// Package version reports build metadata stamped in with
// -ldflags "-X github.com/bdobrica/mnemos/common/version.Version=...".
package version

import "runtime"

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Build is the JSON form of the metadata, as served by the health endpoints.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Current returns the metadata of the running binary.
func Current() Build {
	return Build{
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// Info returns a one-line description of the running build.
func Info() string {
	b := Current()
	return "mnemos " + b.Version + " (" + b.Commit + ", " + b.GoVersion + ") built at " + b.BuildTime
}
