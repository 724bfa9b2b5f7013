package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/groundtruth"
)

var (
	ListingRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundtruth_listing_rows_total",
			Help: "Listing rows seen by the deduplicator",
		},
		[]string{"kind"},
	)

	ManifestRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundtruth_manifest_records_total",
			Help: "Manifest lines written",
		},
		[]string{"shape"},
	)

	ManifestLabelsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "groundtruth_manifest_labels_total",
			Help: "Non-empty label columns written to manifests",
		},
	)

	DatasetUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundtruth_dataset_updates_total",
			Help: "Dataset replacement attempts",
		},
		[]string{"split", "status"},
	)

	OutboxRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundtruth_outbox_records_total",
			Help: "Diagram outbox records by outcome",
		},
		[]string{"status"},
	)

	IndexDocumentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groundtruth_index_documents_total",
			Help: "Documents submitted to the search index",
		},
		[]string{"status"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groundtruth_stage_duration_seconds",
			Help:    "Time spent per pipeline stage",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"stage"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ListingRowsTotal,
		ManifestRecordsTotal,
		ManifestLabelsTotal,
		DatasetUpdatesTotal,
		OutboxRecordsTotal,
		IndexDocumentsTotal,
		StageDuration,
	}
}

// Register adds every collector to reg. It panics on duplicate registration.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(collectors()...)
}

// Push sends the current values to a Pushgateway under job.
func Push(ctx context.Context, gatewayURL, job string) error {
	pusher := push.New(gatewayURL, job)
	for _, c := range collectors() {
		pusher = pusher.Collector(c)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}

// ObserveBuild records the row and record counts of a manifest build.
func ObserveBuild(report groundtruth.BuildReport) {
	ListingRowsTotal.WithLabelValues("deduplicated").Add(float64(len(report.Dedup.Deduplicated)))
	ListingRowsTotal.WithLabelValues("duplicate").Add(float64(len(report.Dedup.Duplicates)))

	for _, record := range report.Result.Records {
		ManifestRecordsTotal.WithLabelValues(record.Shape.String()).Inc()
	}
	ManifestLabelsTotal.Add(float64(report.Result.LabelCount))
}
