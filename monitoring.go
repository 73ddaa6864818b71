package chert

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TableStats summarizes one table's on-disk footprint, as reported by the
// underlying storage's bucket Stats().
type TableStats struct {
	Rows  int
	Size  int64
	Alloc int64
}

func (tbl *Table) Stats() (TableStats, error) {
	tx, err := tbl.beginRead(0)
	if err != nil {
		return TableStats{}, err
	}
	defer tx.Rollback()
	b := tx.Bucket(tbl.bucketName(), dataSub)
	if b == nil {
		return TableStats{}, nil
	}
	s := b.Stats()
	return TableStats{Rows: s.KeyN, Size: s.LeafInuse, Alloc: s.TotalAlloc()}, nil
}

// metrics holds the coordinator's prometheus collectors. Registered lazily
// against a caller-supplied registerer so opening multiple databases in one
// process (as the test suite does) never panics on duplicate registration.
type metrics struct {
	commits      prometheus.Counter
	rollbacks    prometheus.Counter
	retries      prometheus.Counter
	tableRows    *prometheus.GaugeVec
	changesetBytes prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, dbName string) *metrics {
	labels := prometheus.Labels{"db": dbName}
	m := &metrics{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "chert",
			Name:        "commits_total",
			Help:        "Number of successful revision commits.",
			ConstLabels: labels,
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "chert",
			Name:        "rollbacks_total",
			Help:        "Number of commit rollbacks (modifications_failed).",
			ConstLabels: labels,
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "chert",
			Name:        "open_consistent_retries_total",
			Help:        "Number of retries spent inside open_tables_consistent.",
			ConstLabels: labels,
		}),
		tableRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "chert",
			Name:        "table_rows",
			Help:        "Row count of the most recently flushed revision, per table.",
			ConstLabels: labels,
		}, []string{"table"}),
		changesetBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "chert",
			Name:        "changeset_bytes_total",
			Help:        "Total bytes written to changeset files.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.commits, m.rollbacks, m.retries, m.tableRows, m.changesetBytes} {
			_ = reg.Register(c)
		}
	}
	return m
}
