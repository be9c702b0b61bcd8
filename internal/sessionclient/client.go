// Package sessionclient defines the capability boundary the core runtime
// depends on (spec §4.1): the minimal set of operations a browser session
// must expose, independent of what drives it underneath.
package sessionclient

import (
	"context"

	"github.com/ghostrun/ghostbrowser/internal/model"
)

// TreeOptions parameterizes a structured-tree capture.
type TreeOptions struct {
	CharBudget   int
	CompactEncoding bool
}

// ImageOptions parameterizes a viewport screenshot capture.
type ImageOptions struct {
	FullPage bool
}

// NavigationOutcome is the result of a navigate call.
type NavigationOutcome struct {
	FinalURL   string
	StatusCode int
	ErrorKind  model.ErrorKind
}

// ResourceSample is one point-in-time resource reading (spec §4.7).
type ResourceSample struct {
	CPUTaskSeconds float64
	ScriptSeconds  float64
	HeapUsedBytes  int64
	NodeCount      int
	TimestampMs    int64
}

// CrashListener is invoked at most once, the first time the underlying
// renderer is observed to have crashed.
type CrashListener func(reason string)

// Unsubscribe detaches a previously registered listener.
type Unsubscribe func()

// Client is the capability boundary of spec §4.1. Implementations must be
// safe for sequential use by exactly one Perception-Action Loop at a time;
// the pool guarantees exclusivity, so Client itself need not be
// goroutine-safe across concurrent callers.
type Client interface {
	Navigate(ctx context.Context, url string, timeoutMs int) (NavigationOutcome, error)
	CaptureStructuredTree(ctx context.Context, opts TreeOptions) (model.StructuredTree, error)
	CaptureViewportImage(ctx context.Context, opts ImageOptions) (model.ViewportImage, error)
	CaptureScroll(ctx context.Context) (model.ScrollSnapshot, error)
	ExecuteAction(ctx context.Context, decision model.Decision, settleTimeoutMs int) (model.ActionResult, error)
	SampleResourceMetrics(ctx context.Context) (ResourceSample, error)
	OnCrash(listener CrashListener) Unsubscribe
	Close(ctx context.Context) error
}
