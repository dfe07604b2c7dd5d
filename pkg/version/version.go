// Package version reports build metadata for health responses, broadcast
// origins and the CLI.
//
// The commit comes from -ldflags when set, else from the VCS stamp in
// debug.BuildInfo, else "dev".
package version

import (
	"runtime"
	"runtime/debug"
)

// AppName prefixes version strings.
const AppName = "askrelay"

// gitCommitOverride is set with
// -ldflags "-X github.com/codeready-toolchain/askrelay/pkg/version.gitCommitOverride=<sha>".
var gitCommitOverride string

// GitCommit is the short commit hash, or "dev".
var GitCommit = readBuild().Commit

// Build describes the running binary.
type Build struct {
	App       string `json:"app"`
	Commit    string `json:"commit"`
	Modified  bool   `json:"modified"`
	GoVersion string `json:"go_version"`
}

func shortCommit(c string) string {
	if len(c) > 8 {
		return c[:8]
	}
	return c
}

func readBuild() Build {
	b := Build{App: AppName, Commit: "dev", GoVersion: runtime.Version()}
	if gitCommitOverride != "" {
		b.Commit = shortCommit(gitCommitOverride)
		return b
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if s.Value != "" {
				b.Commit = shortCommit(s.Value)
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

// Info returns the build metadata of the running binary.
func Info() Build {
	return readBuild()
}

// Full returns "askrelay/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
