package vespa

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ProviderCollector exposes per-mountpoint pebble metrics, labelled by
// mountpoint directory.
type ProviderCollector struct {
	store *PebbleStore

	diskSpaceUsage    *prometheus.Desc
	compactionCount   *prometheus.Desc
	compactionDebt    *prometheus.Desc
	memtableSize      *prometheus.Desc
	memtableCount     *prometheus.Desc
	walFiles          *prometheus.Desc
	walSize           *prometheus.Desc
	walBytesWritten   *prometheus.Desc
	flushCount        *prometheus.Desc
	obsoleteTableSize *prometheus.Desc
}

func NewProviderCollector(store *PebbleStore) *ProviderCollector {
	labels := []string{"mountpoint"}
	return &ProviderCollector{
		store: store,

		diskSpaceUsage: prometheus.NewDesc(
			"vespa_provider_disk_space_usage_bytes",
			"Bytes of disk occupied by the mountpoint store",
			labels, nil,
		),
		compactionCount: prometheus.NewDesc(
			"vespa_provider_compaction_count_total",
			"Total number of compactions performed",
			labels, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"vespa_provider_compaction_estimated_debt_bytes",
			"Estimated bytes needing compaction to reach a stable state",
			labels, nil,
		),
		memtableSize: prometheus.NewDesc(
			"vespa_provider_memtable_size_bytes",
			"Current size of the memtable in bytes",
			labels, nil,
		),
		memtableCount: prometheus.NewDesc(
			"vespa_provider_memtable_count_total",
			"Current count of memtables",
			labels, nil,
		),
		walFiles: prometheus.NewDesc(
			"vespa_provider_wal_files_total",
			"Number of live WAL files",
			labels, nil,
		),
		walSize: prometheus.NewDesc(
			"vespa_provider_wal_size_bytes",
			"Size of live WAL data in bytes",
			labels, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"vespa_provider_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			labels, nil,
		),
		flushCount: prometheus.NewDesc(
			"vespa_provider_flush_count_total",
			"Total number of memtable flushes",
			labels, nil,
		),
		obsoleteTableSize: prometheus.NewDesc(
			"vespa_provider_obsolete_table_size_bytes",
			"Bytes held by obsolete sstables pending deletion",
			labels, nil,
		),
	}
}

func (pc *ProviderCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.diskSpaceUsage
	ch <- pc.compactionCount
	ch <- pc.compactionDebt
	ch <- pc.memtableSize
	ch <- pc.memtableCount
	ch <- pc.walFiles
	ch <- pc.walSize
	ch <- pc.walBytesWritten
	ch <- pc.flushCount
	ch <- pc.obsoleteTableSize
}

func (pc *ProviderCollector) Collect(ch chan<- prometheus.Metric) {
	for i, db := range pc.store.DBs() {
		mount := pc.store.Mountpoints()[i]
		metrics := db.Metrics()

		ch <- prometheus.MustNewConstMetric(
			pc.diskSpaceUsage,
			prometheus.GaugeValue,
			float64(metrics.DiskSpaceUsage()),
			mount,
		)
		ch <- prometheus.MustNewConstMetric(
			pc.compactionCount,
			prometheus.CounterValue,
			float64(metrics.Compact.Count),
			mount,
		)
		ch <- prometheus.MustNewConstMetric(
			pc.compactionDebt,
			prometheus.GaugeValue,
			float64(metrics.Compact.EstimatedDebt),
			mount,
		)
		ch <- prometheus.MustNewConstMetric(
			pc.memtableSize,
			prometheus.GaugeValue,
			float64(metrics.MemTable.Size),
			mount,
		)
		ch <- prometheus.MustNewConstMetric(
			pc.memtableCount,
			prometheus.GaugeValue,
			float64(metrics.MemTable.Count),
			mount,
		)
		ch <- prometheus.MustNewConstMetric(
			pc.walFiles,
			prometheus.GaugeValue,
			float64(metrics.WAL.Files),
			mount,
		)
		ch <- prometheus.MustNewConstMetric(
			pc.walSize,
			prometheus.GaugeValue,
			float64(metrics.WAL.Size),
			mount,
		)
		ch <- prometheus.MustNewConstMetric(
			pc.walBytesWritten,
			prometheus.CounterValue,
			float64(metrics.WAL.BytesWritten),
			mount,
		)
		ch <- prometheus.MustNewConstMetric(
			pc.flushCount,
			prometheus.CounterValue,
			float64(metrics.Flush.Count),
			mount,
		)
		ch <- prometheus.MustNewConstMetric(
			pc.obsoleteTableSize,
			prometheus.GaugeValue,
			float64(metrics.Table.ObsoleteSize),
			mount,
		)
	}
}
