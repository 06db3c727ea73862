package recdb

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a snapshot of connection counters and table shape.
type Stats struct {
	PageReads      uint64
	PageWrites     uint64
	PagesAllocated uint64
	HeaderFlushes  uint64
	CacheHits      uint64
	CacheMisses    uint64

	Pages uint32
	Rows  uint32
	// 0 when no table exists
	Depth int
}

// Stats returns the current counters. Computing the depth reads one page
// per level.
func (db *DB) Stats() (Stats, error) {
	if err := db.begin(); err != nil {
		return Stats{}, err
	}
	s := db.fm.stats
	st := Stats{
		PageReads:      s.reads,
		PageWrites:     s.writes,
		PagesAllocated: s.allocs,
		HeaderFlushes:  s.flushes,
		CacheHits:      s.cacheHits,
		CacheMisses:    s.cacheMisses,
		Pages:          db.fm.header.pageCount,
		Rows:           db.fm.header.rowCount,
	}
	if db.tree.exists() {
		depth, err := db.tree.depth()
		if err != nil {
			return Stats{}, db.fail(err)
		}
		st.Depth = depth
	}
	return st, nil
}

// Collector exports the Stats of a DB as prometheus metrics. It reads the
// DB on every scrape, so scrapes must not run concurrently with statements.
type Collector struct {
	db *DB

	reads, writes, allocs, flushes *prometheus.Desc
	hits, misses                   *prometheus.Desc
	pages, rows, depth             *prometheus.Desc
}

// NewCollector returns a collector for db, labelled with its path.
func NewCollector(db *DB) *Collector {
	labels := prometheus.Labels{"path": db.path}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("recdb", "", name), help, nil, labels)
	}
	return &Collector{
		db:      db,
		reads:   desc("page_reads_total", "Pages read from the database file."),
		writes:  desc("page_writes_total", "Pages written to the database file."),
		allocs:  desc("pages_allocated_total", "Pages appended to the database file."),
		flushes: desc("header_flushes_total", "Header page flushes."),
		hits:    desc("cache_hits_total", "Page reads served by the page cache."),
		misses:  desc("cache_misses_total", "Page reads that missed the page cache."),
		pages:   desc("pages", "Pages in the database file, header included."),
		rows:    desc("rows", "Records in the table."),
		depth:   desc("tree_depth", "Levels in the B-tree."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.reads, c.writes, c.allocs, c.flushes, c.hits, c.misses, c.pages, c.rows, c.depth} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st, err := c.db.Stats()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.rows, err)
		return
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter(c.reads, st.PageReads)
	counter(c.writes, st.PageWrites)
	counter(c.allocs, st.PagesAllocated)
	counter(c.flushes, st.HeaderFlushes)
	counter(c.hits, st.CacheHits)
	counter(c.misses, st.CacheMisses)
	gauge(c.pages, float64(st.Pages))
	gauge(c.rows, float64(st.Rows))
	gauge(c.depth, float64(st.Depth))
}
