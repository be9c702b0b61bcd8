package navigator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsageTracker_Record_Aggregates(t *testing.T) {
	tr := NewUsageTracker()

	tr.Record("tier1", "navigator-tier1", 100, 20)
	tr.Record("tier1", "navigator-tier1", 50, 10)
	tr.Record("tier2", "navigator-tier2-vision", 400, 80)

	stats := tr.Stats()
	assert.Equal(t, int64(550), stats.Total.Input)
	assert.Equal(t, int64(110), stats.Total.Output)
	assert.Equal(t, int64(660), stats.Total.Total)

	assert.Equal(t, int64(150), stats.ByTier["tier1"].Input)
	assert.Equal(t, int64(400), stats.ByTier["tier2"].Input)
	assert.Equal(t, int64(150), stats.ByModel["navigator-tier1"].Input)
}

func TestUsageTracker_Stats_ReturnsDefensiveCopy(t *testing.T) {
	tr := NewUsageTracker()
	tr.Record("tier1", "m", 10, 5)

	stats := tr.Stats()
	stats.ByTier["tier1"] = TokenCounts{Input: 9999}

	again := tr.Stats()
	assert.Equal(t, int64(10), again.ByTier["tier1"].Input)
}

func TestUsageTracker_Record_ConcurrentSafe(t *testing.T) {
	tr := NewUsageTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record("tier1", "m", 1, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), tr.Stats().Total.Input)
}
