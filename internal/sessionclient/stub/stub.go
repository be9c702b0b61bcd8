// Package stub provides a minimal, deterministic sessionclient.Client for
// pool and scheduler tests that exercise lease/attempt plumbing but don't
// care about perception content.
package stub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/ghostrun/ghostbrowser/internal/sessionclient"
)

// Client reports ExecuteAction as done for DONE decisions and as acted for
// every other kind, and returns a fixed three-element interactive tree on
// structured capture calls.
type Client struct {
	closed    atomic.Bool
	mu        sync.Mutex
	crashSubs []sessionclient.CrashListener
}

var _ sessionclient.Client = (*Client)(nil)

// New builds a stub client.
func New() *Client { return &Client{} }

// Navigate implements sessionclient.Client.
func (c *Client) Navigate(ctx context.Context, url string, timeoutMs int) (sessionclient.NavigationOutcome, error) {
	return sessionclient.NavigationOutcome{FinalURL: url}, nil
}

// CaptureStructuredTree implements sessionclient.Client.
func (c *Client) CaptureStructuredTree(ctx context.Context, opts sessionclient.TreeOptions) (model.StructuredTree, error) {
	return model.StructuredTree{
		Interactive: []model.InteractiveElement{
			{ID: "a", Role: "button", AccessibleName: "stub"},
			{ID: "b", Role: "link", AccessibleName: "stub"},
			{ID: "c", Role: "textbox", AccessibleName: "stub"},
		},
	}, nil
}

// CaptureViewportImage implements sessionclient.Client.
func (c *Client) CaptureViewportImage(ctx context.Context, opts sessionclient.ImageOptions) (model.ViewportImage, error) {
	return model.ViewportImage{MIME: "image/png"}, nil
}

// CaptureScroll implements sessionclient.Client.
func (c *Client) CaptureScroll(ctx context.Context) (model.ScrollSnapshot, error) {
	return model.ScrollSnapshot{}, nil
}

// ExecuteAction implements sessionclient.Client, always succeeding: DONE
// decisions report done, every other kind reports acted.
func (c *Client) ExecuteAction(ctx context.Context, decision model.Decision, settleTimeoutMs int) (model.ActionResult, error) {
	if decision.Kind == model.ActionDone {
		return model.ActionResult{Status: model.ExecDone}, nil
	}
	return model.ActionResult{Status: model.ExecActed}, nil
}

// SampleResourceMetrics implements sessionclient.Client.
func (c *Client) SampleResourceMetrics(ctx context.Context) (sessionclient.ResourceSample, error) {
	return sessionclient.ResourceSample{}, nil
}

// OnCrash implements sessionclient.Client.
func (c *Client) OnCrash(listener sessionclient.CrashListener) sessionclient.Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crashSubs = append(c.crashSubs, listener)
	return func() {}
}

// Close implements sessionclient.Client.
func (c *Client) Close(ctx context.Context) error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Close was called, for test assertions.
func (c *Client) Closed() bool { return c.closed.Load() }
