// Package metrics holds the prometheus collectors shared by the commands.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Registry is private to the tool so that dumps only contain our series.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	ExportSubmissions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "woreda_export_submissions_total",
		Help: "Export jobs handed to the imagery backend.",
	}, []string{"result"}) // result: submitted, rejected

	ExportJobsTerminal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "woreda_export_jobs_terminal_total",
		Help: "Export jobs that reached a terminal state.",
	}, []string{"state"})

	MonitorRounds = factory.NewCounter(prometheus.CounterOpts{
		Name: "woreda_monitor_rounds_total",
		Help: "Polling rounds performed by the job monitor.",
	})

	StatusQueryErrors = factory.NewCounter(prometheus.CounterOpts{
		Name: "woreda_status_query_errors_total",
		Help: "Failed export status queries.",
	})

	ObjectDownloads = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "woreda_object_downloads_total",
		Help: "Objects considered by the storage sync.",
	}, []string{"result"}) // result: downloaded, skipped_existing, skipped_directory, failed

	ZonalStats = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "woreda_zonal_stats_total",
		Help: "Zonal statistics computations.",
	}, []string{"result"}) // result: ok, empty, failed

	Clips = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "woreda_raster_clips_total",
		Help: "Raster clip operations.",
	}, []string{"result"})
)

// StartServer exposes Registry on addr under /metrics.
func StartServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logrus.Errorf("metrics server failed: %v", err)
		}
	}()
}

// WriteTextfile dumps Registry in the text exposition format, for the
// node_exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
