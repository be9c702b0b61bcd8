package navigator

import (
	"testing"
	"time"

	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestDecisionCache_PutGetRoundtrip(t *testing.T) {
	c := NewDecisionCache(time.Minute)
	d := model.Decision{Kind: model.ActionClick, Target: &model.Point{X: 1, Y: 2}}
	c.Put("https://example.com", Tier1, "low_confidence", d)

	got, ok := c.Get("https://example.com", Tier1, "low_confidence")
	assert.True(t, ok)
	assert.Equal(t, d, got)
}

func TestDecisionCache_MissOnDifferentReason(t *testing.T) {
	c := NewDecisionCache(time.Minute)
	c.Put("https://example.com", Tier1, "low_confidence", model.Decision{Kind: model.ActionWait})

	_, ok := c.Get("https://example.com", Tier1, "no_progress")
	assert.False(t, ok)
}

func TestDecisionCache_ExpiresAfterTTL(t *testing.T) {
	c := NewDecisionCache(time.Millisecond)
	c.Put("https://example.com", Tier1, "reason", model.Decision{Kind: model.ActionWait})
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("https://example.com", Tier1, "reason")
	assert.False(t, ok)
}

func TestDecisionCache_InvalidateURLDropsAllTiersAndReasons(t *testing.T) {
	c := NewDecisionCache(time.Minute)
	c.Put("https://example.com", Tier1, "a", model.Decision{Kind: model.ActionWait})
	c.Put("https://example.com", Tier2, "b", model.Decision{Kind: model.ActionWait})
	c.Put("https://other.com", Tier1, "a", model.Decision{Kind: model.ActionWait})

	c.InvalidateURL("https://example.com")

	_, ok := c.Get("https://example.com", Tier1, "a")
	assert.False(t, ok)
	_, ok = c.Get("https://example.com", Tier2, "b")
	assert.False(t, ok)
	_, ok = c.Get("https://other.com", Tier1, "a")
	assert.True(t, ok, "other urls must be unaffected")
}
