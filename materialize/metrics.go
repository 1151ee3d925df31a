package materialize

import "github.com/prometheus/client_golang/prometheus"

var CounterPatchesApplied = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sheetsmith_version",
		Name:      "patches_applied_total",
		Help:      "Patches applied to version staging stores.",
	},
)

var HistogramApplySeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "sheetsmith_version",
		Name:      "patch_apply_seconds",
		Help:      "Time to apply one patch, download excluded.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	},
)

var CounterPublished = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sheetsmith_version",
		Name:      "generations_published_total",
		Help:      "Snapshots published after a completed chain.",
	},
)

func init() {
	prometheus.MustRegister(CounterPatchesApplied)
	prometheus.MustRegister(HistogramApplySeconds)
	prometheus.MustRegister(CounterPublished)
}
