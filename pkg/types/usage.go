package types

// UsageCounters is an additive, durable set of token/request counters
// for one (model, category) pair (§3).
type UsageCounters struct {
	Input      int64 `json:"input" yaml:"input"`
	Output     int64 `json:"output" yaml:"output"`
	CacheRead  int64 `json:"cacheRead" yaml:"cache_read"`
	CacheWrite int64 `json:"cacheWrite" yaml:"cache_write"`
	Requests   int64 `json:"requests" yaml:"requests"`
}

// Add accumulates other into the receiver in place.
func (u *UsageCounters) Add(other UsageCounters) {
	u.Input += other.Input
	u.Output += other.Output
	u.CacheRead += other.CacheRead
	u.CacheWrite += other.CacheWrite
	u.Requests += other.Requests
}

// Usage is the full per-session usage record: per-model and
// per-category counters, both additive across the session's lifetime.
type Usage struct {
	ByModel    map[string]UsageCounters `json:"byModel" yaml:"by_model"`
	ByCategory map[string]UsageCounters `json:"byCategory" yaml:"by_category"`
}

// NewUsage returns an empty, initialized Usage record.
func NewUsage() *Usage {
	return &Usage{
		ByModel:    make(map[string]UsageCounters),
		ByCategory: make(map[string]UsageCounters),
	}
}

// Record adds counters to the model bucket and, when category is
// non-empty, to the category bucket.
func (u *Usage) Record(model, category string, counters UsageCounters) {
	m := u.ByModel[model]
	m.Add(counters)
	u.ByModel[model] = m

	if category != "" {
		c := u.ByCategory[category]
		c.Add(counters)
		u.ByCategory[category] = c
	}
}
