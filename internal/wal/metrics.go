package wal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	appends      prometheus.Counter
	bytesWritten prometheus.Counter
	resets       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ndb_wal_appends_total",
			Help: "ndb_wal_appends_total counts the number of records appended to the WAL.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ndb_wal_bytes_written_total",
			Help: "ndb_wal_bytes_written_total counts the bytes of encoded record written," +
				" including framing overhead.",
		}),
		resets: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ndb_wal_resets_total",
			Help: "ndb_wal_resets_total counts how many times the WAL has been truncated" +
				" and restarted after a successful flush.",
		}),
	}
}
