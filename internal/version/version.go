package version

import (
	"runtime"
	"runtime/debug"
)

// Set at build time using -ldflags.
var (
	Version   = "dev"
	GitCommit = ""
	Built     = ""
)

type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	Built     string `json:"built,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get reports the build metadata, falling back to the VCS revision
// recorded by the Go toolchain when -ldflags did not set one.
func Get() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		Built:     Built,
		GoVersion: runtime.Version(),
	}
	if info.GitCommit != "" {
		return info
	}
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.GitCommit = setting.Value
		case "vcs.time":
			if info.Built == "" {
				info.Built = setting.Value
			}
		}
	}
	return info
}
