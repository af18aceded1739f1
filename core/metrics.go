package core

import "context"

const (
	MetricDeliveriesTotal      = "ingest.deliveries.total"
	MetricDeliveryDurationMS   = "ingest.deliveries.duration_ms"
	MetricSignatureFailures    = "ingest.signature.failures"
	MetricDeadLettersPublished = "ingest.dead_letters.published"
	MetricDeadLettersReplayed  = "ingest.dead_letters.replayed"
	MetricBackfillRows         = "ingest.backfill.rows"
	MetricBackfillBatches      = "ingest.backfill.batches"
)

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}
