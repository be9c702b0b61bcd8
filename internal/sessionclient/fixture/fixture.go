// Package fixture implements sessionclient.Client by replaying a
// pre-recorded sequence of observations and action results, for
// deterministic Perception-Action Loop tests that must not depend on a
// real browser.
package fixture

import (
	"context"
	"fmt"
	"sync"

	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/ghostrun/ghostbrowser/internal/sessionclient"
)

// Step is one scripted perceive/act pair.
type Step struct {
	Tree   model.StructuredTree
	Scroll model.ScrollSnapshot
	Image  model.ViewportImage
	URL    string

	// ActionResult is returned by the ExecuteAction call that follows this
	// step's perception, keyed by call order.
	ActionResult model.ActionResult
	ActionErr    error
}

// Client replays a fixed []Step in order; CaptureStructuredTree/
// CaptureScroll/CaptureViewportImage advance no state on their own —
// ExecuteAction is what advances the cursor to the next Step.
type Client struct {
	mu    sync.Mutex
	steps []Step
	idx   int

	resources []sessionclient.ResourceSample
	crashSubs []sessionclient.CrashListener
}

var _ sessionclient.Client = (*Client)(nil)

// New builds a fixture client that replays steps in order.
func New(steps []Step) *Client {
	return &Client{steps: steps}
}

func (c *Client) current() (Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx >= len(c.steps) {
		return Step{}, fmt.Errorf("fixture exhausted after %d steps", len(c.steps))
	}
	return c.steps[c.idx], nil
}

// Navigate implements sessionclient.Client by reporting the current step's URL.
func (c *Client) Navigate(ctx context.Context, url string, timeoutMs int) (sessionclient.NavigationOutcome, error) {
	s, err := c.current()
	if err != nil {
		return sessionclient.NavigationOutcome{}, err
	}
	return sessionclient.NavigationOutcome{FinalURL: s.URL}, nil
}

// CaptureStructuredTree implements sessionclient.Client.
func (c *Client) CaptureStructuredTree(ctx context.Context, opts sessionclient.TreeOptions) (model.StructuredTree, error) {
	s, err := c.current()
	if err != nil {
		return model.StructuredTree{}, err
	}
	return s.Tree, nil
}

// CaptureViewportImage implements sessionclient.Client.
func (c *Client) CaptureViewportImage(ctx context.Context, opts sessionclient.ImageOptions) (model.ViewportImage, error) {
	s, err := c.current()
	if err != nil {
		return model.ViewportImage{}, err
	}
	return s.Image, nil
}

// CaptureScroll implements sessionclient.Client.
func (c *Client) CaptureScroll(ctx context.Context) (model.ScrollSnapshot, error) {
	s, err := c.current()
	if err != nil {
		return model.ScrollSnapshot{}, err
	}
	return s.Scroll, nil
}

// ExecuteAction implements sessionclient.Client and advances the replay cursor.
func (c *Client) ExecuteAction(ctx context.Context, decision model.Decision, settleTimeoutMs int) (model.ActionResult, error) {
	c.mu.Lock()
	if c.idx >= len(c.steps) {
		c.mu.Unlock()
		return model.ActionResult{}, fmt.Errorf("fixture exhausted after %d steps", len(c.steps))
	}
	step := c.steps[c.idx]
	c.idx++
	c.mu.Unlock()
	return step.ActionResult, step.ActionErr
}

// SampleResourceMetrics implements sessionclient.Client, returning a
// pre-recorded resource sample list in order if one was set (the last sample
// repeats once the rest are used up), else returning zero.
func (c *Client) SampleResourceMetrics(ctx context.Context) (sessionclient.ResourceSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.resources) == 0 {
		return sessionclient.ResourceSample{}, nil
	}
	sample := c.resources[0]
	if len(c.resources) > 1 {
		c.resources = c.resources[1:]
	}
	return sample, nil
}

// SetResourceSamples configures the queue SampleResourceMetrics drains from.
func (c *Client) SetResourceSamples(samples []sessionclient.ResourceSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources = samples
}

// OnCrash implements sessionclient.Client.
func (c *Client) OnCrash(listener sessionclient.CrashListener) sessionclient.Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crashSubs = append(c.crashSubs, listener)
	idx := len(c.crashSubs) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.crashSubs) {
			c.crashSubs[idx] = nil
		}
	}
}

// SimulateCrash fires every registered crash listener once.
func (c *Client) SimulateCrash(reason string) {
	c.mu.Lock()
	subs := append([]sessionclient.CrashListener(nil), c.crashSubs...)
	c.mu.Unlock()
	for _, l := range subs {
		if l != nil {
			l(reason)
		}
	}
}

// Close implements sessionclient.Client.
func (c *Client) Close(ctx context.Context) error { return nil }
