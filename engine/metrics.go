package engine

import "expvar"

// Metrics holds the engine's expvar counters. They are not published to the
// global expvar registry; callers that want them exported wire them into an
// expvar.Map themselves so multiple engines can coexist in one process.
type Metrics struct {
	PutTotal    *expvar.Int
	DeleteTotal *expvar.Int
	GetTotal    *expvar.Int
	GetMisses   *expvar.Int
	ScanTotal   *expvar.Int

	FlushTotal       *expvar.Int
	FlushErrorsTotal *expvar.Int
	FlushBytesTotal  *expvar.Int

	CompactionTotal       *expvar.Int
	CompactionErrorsTotal *expvar.Int
	TablesMergedTotal     *expvar.Int

	WALBytesWritten   *expvar.Int
	WALEntriesWritten *expvar.Int

	BlockCacheHits   *expvar.Int
	BlockCacheMisses *expvar.Int
}

// NewMetrics creates a zeroed metrics set.
func NewMetrics() *Metrics {
	return &Metrics{
		PutTotal:              new(expvar.Int),
		DeleteTotal:           new(expvar.Int),
		GetTotal:              new(expvar.Int),
		GetMisses:             new(expvar.Int),
		ScanTotal:             new(expvar.Int),
		FlushTotal:            new(expvar.Int),
		FlushErrorsTotal:      new(expvar.Int),
		FlushBytesTotal:       new(expvar.Int),
		CompactionTotal:       new(expvar.Int),
		CompactionErrorsTotal: new(expvar.Int),
		TablesMergedTotal:     new(expvar.Int),
		WALBytesWritten:       new(expvar.Int),
		WALEntriesWritten:     new(expvar.Int),
		BlockCacheHits:        new(expvar.Int),
		BlockCacheMisses:      new(expvar.Int),
	}
}

// Publish exposes the counters under "flint.<name>" in the process-wide
// expvar registry. Call at most once per process.
func (m *Metrics) Publish(prefix string) {
	pairs := map[string]*expvar.Int{
		"put_total":               m.PutTotal,
		"delete_total":            m.DeleteTotal,
		"get_total":               m.GetTotal,
		"get_misses":              m.GetMisses,
		"scan_total":              m.ScanTotal,
		"flush_total":             m.FlushTotal,
		"flush_errors_total":      m.FlushErrorsTotal,
		"flush_bytes_total":       m.FlushBytesTotal,
		"compaction_total":        m.CompactionTotal,
		"compaction_errors_total": m.CompactionErrorsTotal,
		"tables_merged_total":     m.TablesMergedTotal,
		"wal_bytes_written":       m.WALBytesWritten,
		"wal_entries_written":     m.WALEntriesWritten,
		"block_cache_hits":        m.BlockCacheHits,
		"block_cache_misses":      m.BlockCacheMisses,
	}
	for name, v := range pairs {
		expvar.Publish(prefix+"."+name, v)
	}
}
