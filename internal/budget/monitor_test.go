package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ghostrun/ghostbrowser/internal/config"
	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/ghostrun/ghostbrowser/internal/sessionclient"
)

// fakeClient is a minimal sessionclient.Client stand-in exercising only
// the two capabilities Monitor calls: SampleResourceMetrics and Close.
type fakeClient struct {
	samples    []sessionclient.ResourceSample
	idx        int
	closeCalls int
}

var _ sessionclient.Client = (*fakeClient)(nil)

func (f *fakeClient) Navigate(ctx context.Context, url string, timeoutMs int) (sessionclient.NavigationOutcome, error) {
	return sessionclient.NavigationOutcome{}, nil
}
func (f *fakeClient) CaptureStructuredTree(ctx context.Context, opts sessionclient.TreeOptions) (model.StructuredTree, error) {
	return model.StructuredTree{}, nil
}
func (f *fakeClient) CaptureViewportImage(ctx context.Context, opts sessionclient.ImageOptions) (model.ViewportImage, error) {
	return model.ViewportImage{}, nil
}
func (f *fakeClient) CaptureScroll(ctx context.Context) (model.ScrollSnapshot, error) {
	return model.ScrollSnapshot{}, nil
}
func (f *fakeClient) ExecuteAction(ctx context.Context, decision model.Decision, settleTimeoutMs int) (model.ActionResult, error) {
	return model.ActionResult{}, nil
}
func (f *fakeClient) SampleResourceMetrics(ctx context.Context) (sessionclient.ResourceSample, error) {
	s := f.samples[f.idx]
	if f.idx < len(f.samples)-1 {
		f.idx++
	}
	return s, nil
}
func (f *fakeClient) OnCrash(listener sessionclient.CrashListener) sessionclient.Unsubscribe {
	return func() {}
}
func (f *fakeClient) Close(ctx context.Context) error {
	f.closeCalls++
	return nil
}

func testConfig(mode string) config.BudgetConfig {
	return config.BudgetConfig{
		CPUPercent:        50,
		MemoryMB:          500,
		ViolationWindowMs: 5000,
		SampleIntervalMs:  1000,
		Mode:              mode,
	}
}

func TestMonitor_NoViolationWhenUnderBudget(t *testing.T) {
	client := &fakeClient{samples: []sessionclient.ResourceSample{
		{TimestampMs: 0, CPUTaskSeconds: 0, HeapUsedBytes: 0},
		{TimestampMs: 1000, CPUTaskSeconds: 0.1, HeapUsedBytes: 0},
		{TimestampMs: 2000, CPUTaskSeconds: 0.2, HeapUsedBytes: 0},
	}}
	m := New(testConfig("warn_only"), client, zap.NewNop())

	for i := 0; i < len(client.samples); i++ {
		killed := m.sampleOnce(t.Context())
		assert.False(t, killed)
	}
	assert.Nil(t, m.Violation())
}

func TestMonitor_ViolationDeclaredAfterSustainedWindow(t *testing.T) {
	client := &fakeClient{samples: []sessionclient.ResourceSample{
		{TimestampMs: 0, CPUTaskSeconds: 0},
		{TimestampMs: 1000, CPUTaskSeconds: 0.8},    // 80% - over budget, window starts at 1000
		{TimestampMs: 3000, CPUTaskSeconds: 2.4},    // 80% - window still 1000, elapsed 2000ms
		{TimestampMs: 6500, CPUTaskSeconds: 5.2},    // 80% - elapsed 5500ms >= 5000ms window
	}}
	m := New(testConfig("warn_only"), client, zap.NewNop())

	for i := 0; i < len(client.samples)-1; i++ {
		m.sampleOnce(t.Context())
		assert.Nil(t, m.Violation(), "sample %d must not yet declare a violation", i)
	}
	m.sampleOnce(t.Context())
	require.NotNil(t, m.Violation())
	assert.Contains(t, m.Violation().Message, "cpu")
}

func TestMonitor_WindowResetsWhenSampleDropsBelowBudget(t *testing.T) {
	client := &fakeClient{samples: []sessionclient.ResourceSample{
		{TimestampMs: 0, CPUTaskSeconds: 0},
		{TimestampMs: 1000, CPUTaskSeconds: 0.8}, // 80% over, since=1000
		{TimestampMs: 2000, CPUTaskSeconds: 0.9}, // 10% under, resets since
		{TimestampMs: 3000, CPUTaskSeconds: 1.7}, // 80% over, since=3000
		{TimestampMs: 7500, CPUTaskSeconds: 5.3}, // 80% over, elapsed from 3000 = 4500ms < 5000ms
	}}
	m := New(testConfig("warn_only"), client, zap.NewNop())

	for i := 0; i < len(client.samples); i++ {
		m.sampleOnce(t.Context())
	}
	assert.Nil(t, m.Violation(), "the mid-sequence under-budget sample must have reset the violation window")
}

func TestMonitor_WarnOnlyNeverClosesSession(t *testing.T) {
	client := &fakeClient{samples: []sessionclient.ResourceSample{
		{TimestampMs: 0, CPUTaskSeconds: 0},
		{TimestampMs: 1000, CPUTaskSeconds: 0.8},
		{TimestampMs: 6500, CPUTaskSeconds: 5.2},
	}}
	m := New(testConfig("warn_only"), client, zap.NewNop())

	var killed bool
	for i := 0; i < len(client.samples); i++ {
		killed = m.sampleOnce(t.Context())
	}
	require.NotNil(t, m.Violation())
	assert.False(t, killed)
	assert.False(t, m.KillTriggered())
	assert.Equal(t, 0, client.closeCalls)
}

func TestMonitor_KillTabClosesSessionAndStopsSampling(t *testing.T) {
	client := &fakeClient{samples: []sessionclient.ResourceSample{
		{TimestampMs: 0, CPUTaskSeconds: 0},
		{TimestampMs: 1000, CPUTaskSeconds: 0.8},
		{TimestampMs: 6500, CPUTaskSeconds: 5.2},
	}}
	m := New(testConfig("kill_tab"), client, zap.NewNop())

	var killed bool
	for i := 0; i < len(client.samples); i++ {
		killed = m.sampleOnce(t.Context())
	}
	require.NotNil(t, m.Violation())
	assert.True(t, killed)
	assert.True(t, m.KillTriggered())
	assert.Equal(t, 1, client.closeCalls)
}

func TestMonitor_MemoryOverBudgetDeclaresViolation(t *testing.T) {
	client := &fakeClient{samples: []sessionclient.ResourceSample{
		{TimestampMs: 0, HeapUsedBytes: 100 * 1024 * 1024},
		{TimestampMs: 1000, HeapUsedBytes: 600 * 1024 * 1024},
		{TimestampMs: 6500, HeapUsedBytes: 650 * 1024 * 1024},
	}}
	m := New(testConfig("warn_only"), client, zap.NewNop())

	for i := 0; i < len(client.samples); i++ {
		m.sampleOnce(t.Context())
	}
	require.NotNil(t, m.Violation())
	assert.Contains(t, m.Violation().Message, "memory")
}

func TestMonitor_StopIsIdempotentAndUnblocksAfterRun(t *testing.T) {
	client := &fakeClient{samples: []sessionclient.ResourceSample{{TimestampMs: 0}}}
	cfg := testConfig("warn_only")
	cfg.SampleIntervalMs = 1
	m := New(cfg, client, zap.NewNop())

	m.Start(t.Context())
	m.Stop()
	m.Stop() // must not panic or block on a second call
}
