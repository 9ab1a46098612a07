package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Set at link time with -ldflags "-X facegate.org/internal/obs.Version=...".
var (
	Version = "dev"
	Commit  = "none"
)

var (
	buildInfoOnce sync.Once

	// gauge with constant value 1 labelled by version/commit
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "facegate build information.",
		},
		[]string{"version", "commit"},
	)
)

// InitBuildInfo registers build_info once and sets its value.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit).Set(1)
}
