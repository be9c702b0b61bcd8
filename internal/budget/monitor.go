// Package budget implements the Resource Budget Monitor: per-lease
// periodic sampling that declares a violation only on a sustained
// overrun (spec §4.7).
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ghostrun/ghostbrowser/internal/config"
	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/ghostrun/ghostbrowser/internal/sessionclient"
)

// Mode is the monitor's enforcement mode.
type Mode string

const (
	ModeWarnOnly Mode = "warn_only"
	ModeKillTab  Mode = "kill_tab"
)

// Monitor samples one lease's SessionClient at a configured interval and
// tracks sustained CPU/memory overrun windows. One Monitor is created per
// scheduler attempt and discarded after; it is not reused across leases.
type Monitor struct {
	cfg    config.BudgetConfig
	client sessionclient.Client
	log    *zap.Logger

	mu                      sync.Mutex
	haveLast                bool
	lastSample              sessionclient.ResourceSample
	cpuOverBudgetSinceMs    *int64
	memoryOverBudgetSinceMs *int64
	violation               *model.ErrorDetail
	killTriggered           bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Monitor for one lease's SessionClient.
func New(cfg config.BudgetConfig, client sessionclient.Client, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		cfg:    cfg,
		client: client,
		log:    log.Named("budget"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the sampling loop in its own goroutine. ctx cancellation
// stops sampling; the caller should still call Stop to release resources
// deterministically once the attempt completes.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop halts sampling and blocks until the sampling goroutine has exited.
// Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// Violation reports whether a sustained budget violation has been
// declared, and the error detail describing it.
func (m *Monitor) Violation() *model.ErrorDetail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.violation
}

// KillTriggered reports whether kill_tab enforcement closed the session.
func (m *Monitor) KillTriggered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killTriggered
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	interval := m.cfg.SampleInterval()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.sampleOnce(ctx) {
				return
			}
		}
	}
}

// sampleOnce takes one sample, updates the violation windows, and enforces
// kill_tab mode if a violation has just crossed the window threshold. It
// returns true if the session was killed and sampling should stop.
func (m *Monitor) sampleOnce(ctx context.Context) bool {
	sample, err := m.client.SampleResourceMetrics(ctx)
	if err != nil {
		m.log.Warn("resource sample failed", zap.Error(err))
		return false
	}

	m.mu.Lock()
	nowMs := sample.TimestampMs

	cpuPercent := 0.0
	if m.haveLast {
		wallDeltaS := float64(nowMs-m.lastSample.TimestampMs) / 1000.0
		if wallDeltaS > 0 {
			cpuDeltaS := sample.CPUTaskSeconds - m.lastSample.CPUTaskSeconds
			cpuPercent = (cpuDeltaS / wallDeltaS) * 100
		}
	}
	m.lastSample = sample
	m.haveLast = true

	memoryMB := float64(sample.HeapUsedBytes) / (1024 * 1024)

	m.cpuOverBudgetSinceMs = updateWindow(m.cpuOverBudgetSinceMs, cpuPercent > m.cfg.CPUPercent, nowMs)
	m.memoryOverBudgetSinceMs = updateWindow(m.memoryOverBudgetSinceMs, memoryMB > m.cfg.MemoryMB, nowMs)

	windowMs := int64(m.cfg.ViolationWindow() / time.Millisecond)
	cpuViolated := sinceExceeds(m.cpuOverBudgetSinceMs, nowMs, windowMs)
	memViolated := sinceExceeds(m.memoryOverBudgetSinceMs, nowMs, windowMs)

	alreadyViolated := m.violation != nil
	var kind string
	switch {
	case cpuViolated && memViolated:
		kind = "cpu and memory"
	case cpuViolated:
		kind = "cpu"
	case memViolated:
		kind = "memory"
	}

	if kind != "" && !alreadyViolated {
		m.violation = model.NewErrorDetail(
			model.ErrKindRuntime,
			fmt.Sprintf("sustained %s budget violation (cpu=%.1f%%, memoryMB=%.1f)", kind, cpuPercent, memoryMB),
			nil,
		)
		m.violation.Retryable = false
	}
	mode := Mode(m.cfg.Mode)
	shouldKill := kind != "" && mode == ModeKillTab && !m.killTriggered
	m.mu.Unlock()

	if kind == "" {
		return false
	}
	if !alreadyViolated {
		m.log.Warn("resource budget violated", zap.String("kind", kind), zap.Float64("cpu_percent", cpuPercent), zap.Float64("memory_mb", memoryMB))
	}

	if shouldKill {
		if err := m.client.Close(ctx); err != nil {
			m.log.Warn("kill_tab close failed", zap.Error(err))
		}
		m.mu.Lock()
		m.killTriggered = true
		m.mu.Unlock()
		return true
	}
	return false
}

// updateWindow implements the §4.7 violation-window rule: a sample over
// budget preserves the prior "since" timestamp (or starts one); a sample
// at or below budget resets it to nil.
func updateWindow(since *int64, overBudget bool, nowMs int64) *int64 {
	if !overBudget {
		return nil
	}
	if since != nil {
		return since
	}
	v := nowMs
	return &v
}

func sinceExceeds(since *int64, nowMs, windowMs int64) bool {
	if since == nil {
		return false
	}
	return nowMs-*since >= windowMs
}
