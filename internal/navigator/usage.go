package navigator

import "sync"

// TokenCounts sums input/output tokens for one dimension of usage.
type TokenCounts struct {
	Input  int64
	Output int64
	Total  int64
}

func (tc *TokenCounts) add(input, output int) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
}

// UsageStats is a point-in-time snapshot of aggregated Navigator token spend.
type UsageStats struct {
	Total    TokenCounts
	ByTier   map[string]TokenCounts
	ByModel  map[string]TokenCounts
}

// UsageTracker aggregates per-call token counts across both perception
// tiers for the lifetime of the process. It holds no file handle and
// persists nothing across restarts — cross-restart usage history is an
// explicit non-goal of this runtime.
type UsageTracker struct {
	mu      sync.Mutex
	total   TokenCounts
	byTier  map[string]TokenCounts
	byModel map[string]TokenCounts
}

// NewUsageTracker builds an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		byTier:  make(map[string]TokenCounts),
		byModel: make(map[string]TokenCounts),
	}
}

// Record adds one perception call's token counts to the running totals.
func (t *UsageTracker) Record(tier, model string, inputTokens, outputTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.add(inputTokens, outputTokens)

	tierEntry := t.byTier[tier]
	tierEntry.add(inputTokens, outputTokens)
	t.byTier[tier] = tierEntry

	modelEntry := t.byModel[model]
	modelEntry.add(inputTokens, outputTokens)
	t.byModel[model] = modelEntry
}

// Stats returns a defensive copy of the current aggregates.
func (t *UsageTracker) Stats() UsageStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return UsageStats{
		Total:   t.total,
		ByTier:  copyCounts(t.byTier),
		ByModel: copyCounts(t.byModel),
	}
}

func copyCounts(src map[string]TokenCounts) map[string]TokenCounts {
	dst := make(map[string]TokenCounts, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
