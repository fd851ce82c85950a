package health

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"
)

// Build stamps may be injected through the environment at deploy time;
// otherwise the VCS settings recorded by the Go toolchain are used.
type buildStamp struct {
	version   string
	commit    string
	buildTime time.Time
	modified  bool
}

func getBuildInfo() string {
	stamp := buildStamp{
		version: "dev",
		commit:  "unknown",
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			stamp.version = v
		}

		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				stamp.commit = setting.Value
			case "vcs.time":
				if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					stamp.buildTime = t
				}
			case "vcs.modified":
				stamp.modified = setting.Value == "true"
			}
		}
	}

	stamp.version = getEnvOrDefault("BUILD_VERSION", stamp.version)
	stamp.commit = getEnvOrDefault("BUILD_COMMIT", stamp.commit)

	if value := os.Getenv("BUILD_TIME"); value != "" {
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			stamp.buildTime = t
		}
	}

	return stamp.String()
}

func (b buildStamp) String() string {
	commit := b.commit[:min(len(b.commit), 7)]
	if b.modified {
		commit += "-dirty"
	}

	if b.buildTime.IsZero() {
		return fmt.Sprintf("%s-%s", b.version, commit)
	}

	return fmt.Sprintf("%s-%s (%s)", b.version, commit, b.buildTime.Format("2006-01-02"))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
