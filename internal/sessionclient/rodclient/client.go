// Package rodclient implements sessionclient.Client over go-rod, one
// isolated incognito browser context per pool slot.
package rodclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/ghostrun/ghostbrowser/internal/sessionclient"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Config configures the shared Chrome instance a Pool's slots attach to.
type Config struct {
	DebuggerURL    string
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Headless: true, ViewportWidth: 1366, ViewportHeight: 900}
}

func (c Config) viewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1366
	}
	return c.ViewportWidth
}

func (c Config) viewportHeight() int {
	if c.ViewportHeight == 0 {
		return 900
	}
	return c.ViewportHeight
}

// LaunchBrowser connects to an existing Chrome via DebuggerURL, or launches
// one, and returns the shared *rod.Browser each slot forks an incognito
// context from.
func LaunchBrowser(cfg Config) (*rod.Browser, error) {
	controlURL := cfg.DebuggerURL
	if controlURL == "" {
		url, err := launcher.New().Headless(cfg.Headless).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	return browser, nil
}

// Client is a sessionclient.Client backed by one incognito rod.Page.
type Client struct {
	cfg  Config
	page *rod.Page

	mu          sync.Mutex
	crashSubs   []sessionclient.CrashListener
	crashed     bool
	cancelCrash func()

	lastCPUSeconds float64
	lastSampleAt   time.Time
}

var _ sessionclient.Client = (*Client)(nil)

// New opens a fresh incognito context on browser and navigates it to
// startURL, matching session_manager.go's CreateSession: one incognito
// context per tracked session, viewport pinned via
// EmulationSetDeviceMetricsOverride.
func New(ctx context.Context, browser *rod.Browser, startURL string, cfg Config) (*Client, error) {
	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             cfg.viewportWidth(),
		Height:            cfg.viewportHeight(),
		DeviceScaleFactor: 1,
		Mobile:            false,
	}).Call(page); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	c := &Client{cfg: cfg, page: page}
	c.watchCrash()

	if startURL != "" {
		if _, err := c.Navigate(ctx, startURL, 30_000); err != nil {
			return c, err
		}
	}
	return c, nil
}

func (c *Client) watchCrash() {
	innerCtx, cancel := context.WithCancel(context.Background())
	c.cancelCrash = cancel
	go c.page.Context(innerCtx).EachEvent(func(ev *proto.InspectorTargetCrashed) {
		c.mu.Lock()
		c.crashed = true
		subs := append([]sessionclient.CrashListener(nil), c.crashSubs...)
		c.crashSubs = nil
		c.mu.Unlock()
		for _, l := range subs {
			l("renderer crashed")
		}
	})()
}

// Navigate implements sessionclient.Client.
func (c *Client) Navigate(ctx context.Context, url string, timeoutMs int) (sessionclient.NavigationOutcome, error) {
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	err := c.page.Context(ctx).Timeout(timeout).Navigate(url)
	if err != nil {
		return sessionclient.NavigationOutcome{ErrorKind: model.ErrKindNetwork}, classifyRodError(err)
	}
	info, err := c.page.Info()
	if err != nil {
		return sessionclient.NavigationOutcome{ErrorKind: model.ErrKindProtocol}, classifyRodError(err)
	}
	return sessionclient.NavigationOutcome{FinalURL: info.URL}, nil
}

// interactiveSelector matches the same element universe honeypot.go used to
// enumerate candidates for honeypot classification.
const interactiveSelector = "a, button, input, select, textarea, [onclick], [role='button'], [role='link'], [role='textbox'], [tabindex]"

type rawInteractiveNode struct {
	ID             string  `json:"id"`
	Role           string  `json:"role"`
	AccessibleName string  `json:"name"`
	Value          string  `json:"value"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Width          float64 `json:"width"`
	Height         float64 `json:"height"`
	Display        string  `json:"display"`
	Visibility     string  `json:"visibility"`
	Opacity        string  `json:"opacity"`
	PointerEvents  string  `json:"pointerEvents"`
}

// captureScript walks the interactive element universe and reports the
// same computed-style/bounding-box/attribute triad honeypot.go's
// emitPageFacts gathered, but shaped for direct JSON decode instead of
// fact emission.
const captureScript = `(sel) => {
	const nodes = Array.from(document.querySelectorAll(sel));
	return nodes.map((el, idx) => {
		const rect = el.getBoundingClientRect();
		const style = window.getComputedStyle(el);
		return {
			id: el.id || ('int_' + idx),
			role: el.getAttribute('role') || el.tagName.toLowerCase(),
			name: (el.innerText || el.getAttribute('aria-label') || el.getAttribute('placeholder') || '').trim().slice(0, 128),
			value: el.value || '',
			x: rect.x, y: rect.y, width: rect.width, height: rect.height,
			display: style.display, visibility: style.visibility,
			opacity: style.opacity, pointerEvents: style.pointerEvents
		};
	});
}`

const loadStateScript = `() => ({
	readyState: document.readyState,
	bodyTextLength: (document.body && document.body.innerText || '').length
})`

// CaptureStructuredTree implements sessionclient.Client. It adapts
// honeypot.go's computed-style + bounding-box heuristics — originally used
// to emit Mangle facts for honeypot-link detection — into the
// decorative/interactive classification spec §4.1 requires of a structured
// tree capture, and into the truncation-prefers-interactive invariant.
func (c *Client) CaptureStructuredTree(ctx context.Context, opts sessionclient.TreeOptions) (model.StructuredTree, error) {
	res, err := c.page.Context(ctx).Eval(captureScript, interactiveSelector)
	if err != nil {
		return model.StructuredTree{}, classifyRodError(err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return model.StructuredTree{}, classifyRodError(err)
	}
	var nodes []rawInteractiveNode
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return model.StructuredTree{}, classifyRodError(err)
	}

	elements := make([]model.InteractiveElement, 0, len(nodes))
	var encoded strings.Builder
	for _, n := range nodes {
		decorative := isDecorative(n)
		elements = append(elements, model.InteractiveElement{
			ID:             n.ID,
			Role:           n.Role,
			AccessibleName: n.AccessibleName,
			Value:          n.Value,
			Box:            &model.BoundingBox{X: n.X, Y: n.Y, Width: n.Width, Height: n.Height},
			Decorative:     decorative,
		})
	}

	budget := opts.CharBudget
	if budget <= 0 {
		budget = 8000
	}
	encoded.WriteString(encodeTree(elements, opts.CompactEncoding))
	truncated := false
	finalElements := elements
	if encoded.Len() > budget {
		finalElements, truncated = truncatePreferInteractive(elements, budget)
		encoded.Reset()
		encoded.WriteString(encodeTree(finalElements, opts.CompactEncoding))
	}

	loadRes, loadErr := c.page.Context(ctx).Eval(loadStateScript)
	loadIncomplete := true
	lowVisual := true
	if loadErr == nil {
		var state struct {
			ReadyState      string `json:"readyState"`
			BodyTextLength  int    `json:"bodyTextLength"`
		}
		if b, err := loadRes.Value.MarshalJSON(); err == nil {
			if json.Unmarshal(b, &state) == nil {
				loadIncomplete = state.ReadyState != "complete"
				lowVisual = state.BodyTextLength < 40
			}
		}
	}

	interactiveCount := 0
	for _, e := range finalElements {
		if !e.Decorative {
			interactiveCount++
		}
	}

	return model.StructuredTree{
		Encoded:     encoded.String(),
		Interactive: finalElements,
		CharCount:   encoded.Len(),
		Truncated:   truncated,
		Deficiency: model.DeficiencySignals{
			TooFewInteractive: interactiveCount < 3,
			LoadIncomplete:    loadIncomplete,
			LowVisualContent:  lowVisual,
			Truncated:         truncated,
		},
	}, nil
}

// isDecorative applies honeypot.go's visibility/opacity/pointer-events
// heuristic: an element is decorative (and a honeypot candidate, not a
// genuine interactive target) when it's hidden, transparent, or inert.
func isDecorative(n rawInteractiveNode) bool {
	if n.Display == "none" || n.Visibility == "hidden" {
		return true
	}
	if n.Opacity == "0" {
		return true
	}
	if n.PointerEvents == "none" {
		return true
	}
	if n.Width <= 1 || n.Height <= 1 {
		return true
	}
	return false
}

// truncatePreferInteractive drops decorative nodes before interactive ones
// when cutting to fit a char budget, per spec §4.1's truncation invariant.
func truncatePreferInteractive(elements []model.InteractiveElement, budget int) ([]model.InteractiveElement, bool) {
	interactive := make([]model.InteractiveElement, 0, len(elements))
	decorative := make([]model.InteractiveElement, 0, len(elements))
	for _, e := range elements {
		if e.Decorative {
			decorative = append(decorative, e)
		} else {
			interactive = append(interactive, e)
		}
	}

	kept := make([]model.InteractiveElement, 0, len(elements))
	size := 0
	truncated := false
	for _, e := range interactive {
		sz := estimatedNodeSize(e)
		if size+sz > budget {
			truncated = true
			break
		}
		kept = append(kept, e)
		size += sz
	}
	for _, e := range decorative {
		sz := estimatedNodeSize(e)
		if size+sz > budget {
			truncated = true
			break
		}
		kept = append(kept, e)
		size += sz
	}
	return kept, truncated
}

func estimatedNodeSize(e model.InteractiveElement) int {
	return len(e.ID) + len(e.Role) + len(e.AccessibleName) + len(e.Value) + 16
}

func encodeTree(elements []model.InteractiveElement, compact bool) string {
	var b strings.Builder
	for _, e := range elements {
		if compact {
			fmt.Fprintf(&b, "%s|%s|%s\n", e.Role, e.ID, e.AccessibleName)
		} else {
			fmt.Fprintf(&b, "role=%s id=%s name=%q value=%q\n", e.Role, e.ID, e.AccessibleName, e.Value)
		}
	}
	return b.String()
}

// CaptureViewportImage implements sessionclient.Client.
func (c *Client) CaptureViewportImage(ctx context.Context, opts sessionclient.ImageOptions) (model.ViewportImage, error) {
	data, err := c.page.Context(ctx).Screenshot(opts.FullPage, nil)
	if err != nil {
		return model.ViewportImage{}, classifyRodError(err)
	}
	metrics, _ := proto.PageGetLayoutMetrics{}.Call(c.page)
	width, height := c.cfg.viewportWidth(), c.cfg.viewportHeight()
	if metrics != nil && metrics.CSSLayoutViewport != nil {
		width = metrics.CSSLayoutViewport.ClientWidth
		height = metrics.CSSLayoutViewport.ClientHeight
	}
	return model.ViewportImage{
		Base64: base64.StdEncoding.EncodeToString(data),
		MIME:   "image/png",
		Width:  width,
		Height: height,
	}, nil
}

const scrollScript = `() => ({
	scrollY: window.scrollY,
	viewportHeight: window.innerHeight,
	documentHeight: document.documentElement.scrollHeight
})`

// CaptureScroll implements sessionclient.Client.
func (c *Client) CaptureScroll(ctx context.Context) (model.ScrollSnapshot, error) {
	res, err := c.page.Context(ctx).Eval(scrollScript)
	if err != nil {
		return model.ScrollSnapshot{}, classifyRodError(err)
	}
	var s struct {
		ScrollY        float64 `json:"scrollY"`
		ViewportHeight float64 `json:"viewportHeight"`
		DocumentHeight float64 `json:"documentHeight"`
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return model.ScrollSnapshot{}, classifyRodError(err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return model.ScrollSnapshot{}, classifyRodError(err)
	}
	remaining := s.DocumentHeight - (s.ScrollY + s.ViewportHeight)
	if remaining < 0 {
		remaining = 0
	}
	return model.ScrollSnapshot{
		ScrollY:            s.ScrollY,
		ViewportHeight:     s.ViewportHeight,
		DocumentHeight:     s.DocumentHeight,
		RemainingScrollPx:  remaining,
	}, nil
}

// ExecuteAction implements sessionclient.Client: dispatches the decision's
// equivalent low-level input events, then waits up to settleTimeoutMs for
// a navigation-complete signal or a significant DOM mutation.
func (c *Client) ExecuteAction(ctx context.Context, decision model.Decision, settleTimeoutMs int) (model.ActionResult, error) {
	if err := decision.Validate(); err != nil {
		return model.ActionResult{Status: model.ExecFailed, Message: err.Error()}, err
	}

	beforeURL, _ := c.currentURL()
	mutationWait := c.armMutationWatch(ctx)

	switch decision.Kind {
	case model.ActionClick:
		if err := c.clickAt(ctx, *decision.Target); err != nil {
			return model.ActionResult{Status: model.ExecFailed, Message: err.Error()}, classifyRodError(err)
		}
	case model.ActionType:
		if err := c.typeFocused(ctx, decision.Text); err != nil {
			return model.ActionResult{Status: model.ExecFailed, Message: err.Error()}, classifyRodError(err)
		}
	case model.ActionPressKey:
		if err := c.pressKey(ctx, decision.Key); err != nil {
			return model.ActionResult{Status: model.ExecFailed, Message: err.Error()}, classifyRodError(err)
		}
	case model.ActionScroll:
		if err := c.scrollOneViewport(ctx); err != nil {
			return model.ActionResult{Status: model.ExecFailed, Message: err.Error()}, classifyRodError(err)
		}
	case model.ActionWait:
		time.Sleep(time.Duration(settleTimeoutMs) * time.Millisecond)
	case model.ActionExtract:
		data, err := c.extractVisibleText(ctx)
		if err != nil {
			return model.ActionResult{Status: model.ExecFailed, Message: err.Error()}, classifyRodError(err)
		}
		return model.ActionResult{Status: model.ExecActed, ExtractedData: data}, nil
	case model.ActionDone:
		return model.ActionResult{Status: model.ExecDone}, nil
	case model.ActionFailed:
		return model.ActionResult{Status: model.ExecFailed, Message: decision.Reasoning}, nil
	}

	mutation := mutationWait(time.Duration(settleTimeoutMs) * time.Millisecond)
	afterURL, _ := c.currentURL()

	return model.ActionResult{
		Status:             model.ExecActed,
		FinalURL:           afterURL,
		NavigationObserved: afterURL != "" && afterURL != beforeURL,
		Mutation:           mutation,
	}, nil
}

func (c *Client) currentURL() (string, error) {
	info, err := c.page.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (c *Client) clickAt(ctx context.Context, pt model.Point) error {
	mouse := c.page.Context(ctx).Mouse
	if err := mouse.MoveTo(proto.Point{X: pt.X, Y: pt.Y}); err != nil {
		return err
	}
	return mouse.Click(proto.InputMouseButtonLeft, 1)
}

func (c *Client) typeFocused(ctx context.Context, text string) error {
	return c.page.Context(ctx).InsertText(text)
}

func (c *Client) pressKey(ctx context.Context, key model.SpecialKey) error {
	k, ok := keyMap[key]
	if !ok {
		return fmt.Errorf("unsupported key: %s", key)
	}
	return c.page.Context(ctx).Keyboard.Type(k)
}

var keyMap = map[model.SpecialKey]input.Key{
	model.KeyEnter:  input.Enter,
	model.KeyTab:    input.Tab,
	model.KeyEscape: input.Escape,
}

func (c *Client) scrollOneViewport(ctx context.Context) error {
	_, err := c.page.Context(ctx).Eval(`() => window.scrollBy(0, window.innerHeight)`)
	return err
}

const extractScript = `() => {
	const out = {};
	out['title'] = document.title;
	out['text'] = (document.body && document.body.innerText || '').slice(0, 4000);
	return out;
}`

func (c *Client) extractVisibleText(ctx context.Context) (map[string]string, error) {
	res, err := c.page.Context(ctx).Eval(extractScript)
	if err != nil {
		return nil, err
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// armMutationWatch installs a MutationObserver before an action is
// dispatched and returns a function that drains the observed counts after
// waiting up to the settle timeout — the significant-mutation threshold
// of spec §4.1 (>=3 added/removed nodes, or any interactive-role change).
func (c *Client) armMutationWatch(ctx context.Context) func(time.Duration) model.MutationCounts {
	_, _ = c.page.Context(ctx).Eval(`() => {
		window.__ghostMutations = { added: 0, removed: 0, roleChanged: false };
		if (window.__ghostObserver) window.__ghostObserver.disconnect();
		const interactiveRoles = new Set(['button','link','textbox']);
		const isInteractive = (n) => n.nodeType === 1 && (interactiveRoles.has((n.getAttribute && n.getAttribute('role')) || '') || ['A','BUTTON','INPUT','SELECT','TEXTAREA'].includes(n.tagName));
		window.__ghostObserver = new MutationObserver((muts) => {
			for (const m of muts) {
				window.__ghostMutations.added += m.addedNodes.length;
				window.__ghostMutations.removed += m.removedNodes.length;
				for (const n of m.addedNodes) if (isInteractive(n)) window.__ghostMutations.roleChanged = true;
				for (const n of m.removedNodes) if (isInteractive(n)) window.__ghostMutations.roleChanged = true;
			}
		});
		window.__ghostObserver.observe(document.documentElement || document.body, { childList: true, subtree: true });
	}`)

	return func(wait time.Duration) model.MutationCounts {
		deadline := time.Now().Add(wait)
		var last model.MutationCounts
		for time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
			res, err := c.page.Eval(`() => window.__ghostMutations || { added: 0, removed: 0, roleChanged: false }`)
			if err != nil {
				continue
			}
			var m struct {
				Added       int  `json:"added"`
				Removed     int  `json:"removed"`
				RoleChanged bool `json:"roleChanged"`
			}
			raw, err := res.Value.MarshalJSON()
			if err != nil {
				continue
			}
			if json.Unmarshal(raw, &m) != nil {
				continue
			}
			last = model.MutationCounts{Added: m.Added, Removed: m.Removed, InteractiveRoleChanged: m.RoleChanged}
			if last.Significant() {
				return last
			}
		}
		return last
	}
}

// SampleResourceMetrics implements sessionclient.Client.
func (c *Client) SampleResourceMetrics(ctx context.Context) (sessionclient.ResourceSample, error) {
	metrics, err := proto.PerformanceGetMetrics{}.Call(c.page)
	if err != nil {
		return sessionclient.ResourceSample{}, classifyRodError(err)
	}
	var cpu, script float64
	var nodeCount int
	for _, m := range metrics.Metrics {
		switch m.Name {
		case "TaskDuration":
			cpu = m.Value
		case "ScriptDuration":
			script = m.Value
		case "Nodes":
			nodeCount = int(m.Value)
		}
	}
	heap, _ := c.page.Context(ctx).Eval(`() => (performance.memory ? performance.memory.usedJSHeapSize : 0)`)
	var heapBytes int64
	if heap != nil {
		heapBytes = heap.Value.Int64()
	}
	return sessionclient.ResourceSample{
		CPUTaskSeconds: cpu,
		ScriptSeconds:  script,
		HeapUsedBytes:  heapBytes,
		NodeCount:      nodeCount,
		TimestampMs:    time.Now().UnixMilli(),
	}, nil
}

// OnCrash implements sessionclient.Client.
func (c *Client) OnCrash(listener sessionclient.CrashListener) sessionclient.Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.crashed {
		go listener("renderer crashed")
		return func() {}
	}
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

// Close implements sessionclient.Client.
func (c *Client) Close(ctx context.Context) error {
	if c.cancelCrash != nil {
		c.cancelCrash()
	}
	return c.page.Context(ctx).Close()
}

func classifyRodError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewErrorDetail(model.ErrKindTimeout, err.Error(), err)
	}
	return model.Classify(err)
}

