package vespa

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineStats are the engine's own counters, bumped on hot paths with
// plain atomics and scraped through EngineCollector.
type EngineStats struct {
	MessagesScheduled  atomic.Uint64
	InlineExecutions   atomic.Uint64
	ResponsesDelivered atomic.Uint64
	ResponseBatches    atomic.Uint64
	MergesStarted      atomic.Uint64
	MergesCompleted    atomic.Uint64
	MergesAborted      atomic.Uint64
	DiffChunksSent     atomic.Uint64
	EntriesTransferred atomic.Uint64
	OptimizedBatches   atomic.Uint64
	ResourceReports    atomic.Uint64
}

func NewEngineStats() *EngineStats {
	return &EngineStats{}
}

type EngineCollector struct {
	stats *EngineStats

	messagesScheduled  *prometheus.Desc
	inlineExecutions   *prometheus.Desc
	responsesDelivered *prometheus.Desc
	responseBatches    *prometheus.Desc
	mergesStarted      *prometheus.Desc
	mergesCompleted    *prometheus.Desc
	mergesAborted      *prometheus.Desc
	diffChunksSent     *prometheus.Desc
	entriesTransferred *prometheus.Desc
	optimizedBatches   *prometheus.Desc
	resourceReports    *prometheus.Desc
}

func NewEngineCollector(stats *EngineStats) *EngineCollector {
	return &EngineCollector{
		stats: stats,

		messagesScheduled: prometheus.NewDesc(
			"vespa_messages_scheduled_total",
			"Storage messages routed to persistence threads",
			nil, nil,
		),
		inlineExecutions: prometheus.NewDesc(
			"vespa_inline_executions_total",
			"Messages executed inline on the scheduling thread",
			nil, nil,
		),
		responsesDelivered: prometheus.NewDesc(
			"vespa_responses_delivered_total",
			"Operation results delivered to callers",
			nil, nil,
		),
		responseBatches: prometheus.NewDesc(
			"vespa_response_batches_total",
			"Batched response flushes",
			nil, nil,
		),
		mergesStarted: prometheus.NewDesc(
			"vespa_merges_started_total",
			"Bucket merges started",
			nil, nil,
		),
		mergesCompleted: prometheus.NewDesc(
			"vespa_merges_completed_total",
			"Bucket merges driven to convergence",
			nil, nil,
		),
		mergesAborted: prometheus.NewDesc(
			"vespa_merges_aborted_total",
			"Bucket merges aborted before convergence",
			nil, nil,
		),
		diffChunksSent: prometheus.NewDesc(
			"vespa_diff_chunks_sent_total",
			"Apply-bucket-diff chunks sent to chain members",
			nil, nil,
		),
		entriesTransferred: prometheus.NewDesc(
			"vespa_entries_transferred_total",
			"Document entries moved between copies",
			nil, nil,
		),
		optimizedBatches: prometheus.NewDesc(
			"vespa_optimized_batches_total",
			"Reduced-metadata merge batches sent",
			nil, nil,
		),
		resourceReports: prometheus.NewDesc(
			"vespa_resource_reports_total",
			"Host info snapshots emitted past the noise gate",
			nil, nil,
		),
	}
}

func (ec *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- ec.messagesScheduled
	ch <- ec.inlineExecutions
	ch <- ec.responsesDelivered
	ch <- ec.responseBatches
	ch <- ec.mergesStarted
	ch <- ec.mergesCompleted
	ch <- ec.mergesAborted
	ch <- ec.diffChunksSent
	ch <- ec.entriesTransferred
	ch <- ec.optimizedBatches
	ch <- ec.resourceReports
}

func (ec *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	counter(ec.messagesScheduled, ec.stats.MessagesScheduled.Load())
	counter(ec.inlineExecutions, ec.stats.InlineExecutions.Load())
	counter(ec.responsesDelivered, ec.stats.ResponsesDelivered.Load())
	counter(ec.responseBatches, ec.stats.ResponseBatches.Load())
	counter(ec.mergesStarted, ec.stats.MergesStarted.Load())
	counter(ec.mergesCompleted, ec.stats.MergesCompleted.Load())
	counter(ec.mergesAborted, ec.stats.MergesAborted.Load())
	counter(ec.diffChunksSent, ec.stats.DiffChunksSent.Load())
	counter(ec.entriesTransferred, ec.stats.EntriesTransferred.Load())
	counter(ec.optimizedBatches, ec.stats.OptimizedBatches.Load())
	counter(ec.resourceReports, ec.stats.ResourceReports.Load())
}
