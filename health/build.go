package health

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

type BuildInfo struct {
	Version   string
	GitCommit string
	BuildTime time.Time
	GoVersion string
}

// getBuildInfo describes the running binary. BUILD_* variables take
// precedence over the VCS stamp embedded by the go tool.
func getBuildInfo() string {
	info := readBuildInfo()
	commit := info.GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}

	built := "unknown"
	if !info.BuildTime.IsZero() {
		built = info.BuildTime.Format("2006-01-02")
	}

	return fmt.Sprintf("%s-%s (%s, %s)", info.Version, commit, built, info.GoVersion)
}

func readBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   "dev",
		GitCommit: "unknown",
		GoVersion: runtime.Version(),
	}

	if embedded, ok := debug.ReadBuildInfo(); ok {
		if embedded.Main.Version != "" && embedded.Main.Version != "(devel)" {
			info.Version = embedded.Main.Version
		}
		for _, setting := range embedded.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.GitCommit = setting.Value
			case "vcs.time":
				if buildTime, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					info.BuildTime = buildTime
				}
			}
		}
	}

	if value := os.Getenv("BUILD_VERSION"); value != "" {
		info.Version = value
	}
	if value := os.Getenv("BUILD_COMMIT"); value != "" {
		info.GitCommit = value
	}
	if value := os.Getenv("BUILD_TIME"); value != "" {
		if buildTime, err := time.Parse(time.RFC3339, value); err == nil {
			info.BuildTime = buildTime
		}
	}

	return info
}
