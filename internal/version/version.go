// Package version provides the build version
package version

import (
	"fmt"
	"runtime/debug"
)

// Info describes the build
type Info struct {
	Build     string `json:"build"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

// GitVersion is set by ldflags:
// -X github.com/effective-security/xtoken/internal/version.GitVersion=v0.1.2
var GitVersion = "v0.0.0"

// Current returns the build version
func Current() Info {
	v := Info{Build: GitVersion}
	if bi, ok := debug.ReadBuildInfo(); ok {
		v.GoVersion = bi.GoVersion
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				v.Commit = s.Value
			}
		}
	}
	return v
}

// String returns version string
func (v Info) String() string {
	if v.Commit == "" {
		return v.Build
	}
	commit := v.Commit
	if len(commit) > 8 {
		commit = commit[:8]
	}
	return fmt.Sprintf("%s (%s)", v.Build, commit)
}
