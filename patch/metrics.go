package patch

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricDownloads     = "downloads_total"
	MetricDownloadBytes = "download_bytes_total"
)

var CounterDownloads = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sheetsmith_patch",
		Name:      MetricDownloads,
		Help:      "Patch download attempts by result.",
	},
	[]string{
		"result",
	},
)

var CounterDownloadBytes = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sheetsmith_patch",
		Name:      MetricDownloadBytes,
		Help:      "Bytes of verified patch files downloaded.",
	},
)

func init() {
	prometheus.MustRegister(CounterDownloads)
	prometheus.MustRegister(CounterDownloadBytes)
}
