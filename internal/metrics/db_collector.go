package metrics

import "github.com/prometheus/client_golang/prometheus"

// DBPoolStats is a snapshot of connection pool counters. It mirrors the
// fields of pgxpool.Stat this package reports, without importing pgx.
type DBPoolStats struct {
	Total         int32
	Idle          int32
	Acquired      int32
	Max           int32
	EmptyAcquires int64 // acquires that had to wait for a connection
}

// DBPoolStatFunc returns the current pool stats.
type DBPoolStatFunc func() DBPoolStats

type dbPoolCollector struct {
	stats DBPoolStatFunc

	total, idle, acquired, max, emptyAcquires *prometheus.Desc
}

// NewDBPoolCollector creates a collector that reads pool stats at scrape time.
func NewDBPoolCollector(stats DBPoolStatFunc) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("tithe_db_pool_"+name, help, nil, nil)
	}
	return &dbPoolCollector{
		stats:         stats,
		total:         desc("total_conns", "Total number of connections in the DB pool."),
		idle:          desc("idle_conns", "Number of idle connections in the DB pool."),
		acquired:      desc("acquired_conns", "Number of acquired connections in the DB pool."),
		max:           desc("max_conns", "Maximum size of the DB pool."),
		emptyAcquires: desc("empty_acquires_total", "Acquires that waited because the pool was empty."),
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.idle
	ch <- c.acquired
	ch <- c.max
	ch <- c.emptyAcquires
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.Acquired))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.Max))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(s.EmptyAcquires))
}
