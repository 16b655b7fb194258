package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
}

var (
	buildInfoOnce sync.Once

	buildInfoGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mealledger_build_info",
			Help: "Always 1, labelled with the version, VCS commit and Go toolchain of the running binary.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// ResolveBuildInfo fills in what the linker flags left out. A missing or
// "dev" commit is taken from the VCS stamp embedded by the go command, with
// a "-dirty" suffix for modified trees.
func ResolveBuildInfo(version, commit string) BuildInfo {
	bi := BuildInfo{Version: version, Commit: commit, GoVersion: runtime.Version()}
	if bi.Version == "" {
		bi.Version = "unknown"
	}
	if commit != "" && commit != "dev" {
		return bi
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return bi
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		if bi.Commit == "" {
			bi.Commit = "unknown"
		}
		return bi
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "-dirty"
	}
	bi.Commit = rev
	return bi
}

// InitBuildInfo publishes the resolved build labels. Calling it again
// replaces the previous label set.
func InitBuildInfo(version, commit string) BuildInfo {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfoGauge)
	})
	bi := ResolveBuildInfo(version, commit)
	buildInfoGauge.Reset()
	buildInfoGauge.WithLabelValues(bi.Version, bi.Commit, bi.GoVersion).Set(1)
	return bi
}
