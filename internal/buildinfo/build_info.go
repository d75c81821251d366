package buildinfo

import (
	"fmt"
	"runtime"
)

// BuildInfo holds all sorts of information about the build of an executable artifact.
type BuildInfo struct {
	Version    string
	CommitHash string
	BuildDate  string
	GoVersion  string
}

// New returns the build info of the running binary for the given link-time values.
func New(version, commit, date string) BuildInfo {
	return BuildInfo{Version: version, CommitHash: commit, BuildDate: date, GoVersion: runtime.Version()}
}

// String returns the build into as a string.
func (i BuildInfo) String() string {
	return fmt.Sprintf("version %s (%s) built on %s with %s", i.Version, i.CommitHash, i.BuildDate, i.GoVersion)
}
