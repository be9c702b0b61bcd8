// Package loop implements the Perception-Action Loop: the per-subtask
// state machine drive that alternates structured/visual perception,
// navigator inference, and action execution until the subtask reaches a
// terminal outcome.
package loop

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ghostrun/ghostbrowser/internal/config"
	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/ghostrun/ghostbrowser/internal/navigator"
	"github.com/ghostrun/ghostbrowser/internal/sessionclient"
	"github.com/ghostrun/ghostbrowser/internal/statemachine"
)

// FinalState is the loop's closed terminal-outcome enum.
type FinalState string

const (
	FinalDone     FinalState = "done"
	FinalFailed   FinalState = "failed"
	FinalMaxSteps FinalState = "max_steps"
)

// Outcome is what Run returns once a subtask reaches a terminal state.
type Outcome struct {
	FinalState FinalState
	StepsTaken int
	FinalURL   string
	Error      *model.ErrorDetail
}

// TransitionFunc receives every accepted state-machine transition, for the
// caller to republish onto the status bus.
type TransitionFunc func(statemachine.Event)

// Loop drives one subtask's state machine. A Loop is reused across
// subtasks; it carries no per-run mutable state of its own.
type Loop struct {
	cfg   config.LoopConfig
	tier1 navigator.Navigator
	tier2 navigator.Navigator // nil disables Tier 2 escalation
	cache *navigator.DecisionCache
	log   *zap.Logger
}

// New builds a Loop. tier2 may be nil if no vision-capable adapter is
// configured; escalation attempts then fail the step.
func New(cfg config.LoopConfig, tier1, tier2 navigator.Navigator, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		cfg:   cfg,
		tier1: tier1,
		tier2: tier2,
		cache: navigator.NewDecisionCache(cfg.DecisionCacheTTL()),
		log:   log.Named("loop"),
	}
}

// emitFunc wraps a Machine transition plus the caller's observer callback.
type emitFunc func(to statemachine.State, url, reason string, errDetail *model.ErrorDetail) (statemachine.Event, error)

// Run drives subtask against client until it reaches a terminal outcome or
// exhausts the configured step budget. It is the entry the scheduler's
// per-subtask runner invokes.
func (l *Loop) Run(ctx context.Context, client sessionclient.Client, subtask *model.Subtask, onTransition TransitionFunc) (Outcome, error) {
	sm := statemachine.New(subtask.ID)
	emit := func(to statemachine.State, url, reason string, errDetail *model.ErrorDetail) (statemachine.Event, error) {
		ev, err := sm.Transition(to, url, reason, errDetail)
		if err != nil {
			return ev, err
		}
		if onTransition != nil {
			onTransition(ev)
		}
		return ev, nil
	}

	if _, err := emit(statemachine.StateLoading, subtask.StartURL, "", nil); err != nil {
		return Outcome{}, err
	}

	nav, err := client.Navigate(ctx, subtask.StartURL, l.cfg.SettleTimeoutMs)
	if err != nil {
		detail := model.Classify(err)
		_, _ = emit(statemachine.StateFailed, subtask.StartURL, detail.Message, detail)
		return Outcome{FinalState: FinalFailed, FinalURL: subtask.StartURL, Error: detail}, nil
	}
	currentURL := nav.FinalURL
	if currentURL == "" {
		currentURL = subtask.StartURL
	}

	var (
		cachedTree   model.StructuredTree
		cachedScroll model.ScrollSnapshot
		treeFresh    bool
		lastTreeURL  string
		prevActions  []string
		noProgress   int
	)

	for {
		ev, err := emit(statemachine.StatePerceiving, currentURL, "", nil)
		if err != nil {
			return Outcome{}, err
		}
		step := ev.Step
		if step > l.cfg.MaxSteps {
			_, _ = emit(statemachine.StateFailed, currentURL, "max_steps", nil)
			return Outcome{FinalState: FinalMaxSteps, StepsTaken: step - 1, FinalURL: currentURL}, nil
		}

		if !treeFresh || currentURL != lastTreeURL {
			tree, scroll, err := l.capture(ctx, client, step)
			if err != nil {
				return l.failStep(emit, currentURL, step, err)
			}
			cachedTree, cachedScroll = tree, scroll
			treeFresh = true
			lastTreeURL = currentURL
		}

		obs := model.Observation{
			CurrentURL:      currentURL,
			Tree:            cachedTree,
			Scroll:          cachedScroll,
			PreviousActions: append([]string(nil), prevActions...),
		}

		if _, err := emit(statemachine.StateInferring, currentURL, "", nil); err != nil {
			return Outcome{}, err
		}

		decision, err := l.infer(ctx, client, obs, subtask, noProgress, step)
		if err != nil {
			return l.failStep(emit, currentURL, step, err)
		}

		if _, err := emit(statemachine.StateActing, currentURL, "", nil); err != nil {
			return Outcome{}, err
		}

		if decision.Kind == model.ActionClick && decision.Target != nil {
			go l.prefetch(client, decision)
		}

		result, err := client.ExecuteAction(ctx, decision, l.cfg.SettleTimeoutMs)
		if err != nil {
			return l.failStep(emit, currentURL, step, err)
		}
		prevActions = append(prevActions, string(decision.Kind))

		if result.FinalURL != "" {
			currentURL = result.FinalURL
		}
		if result.SignificantMutation() || currentURL != lastTreeURL {
			treeFresh = false
			l.cache.InvalidateURL(currentURL)
		}

		if result.NavigationObserved || result.Mutation.Significant() || result.FocusChanged || result.InputValueChanged {
			noProgress = 0
		} else {
			noProgress++
		}

		switch result.Status {
		case model.ExecDone:
			_, _ = emit(statemachine.StateComplete, currentURL, "", nil)
			return Outcome{FinalState: FinalDone, StepsTaken: step, FinalURL: currentURL}, nil
		case model.ExecFailed:
			detail := model.NewErrorDetail(model.ErrKindRuntime, result.Message, nil)
			_, _ = emit(statemachine.StateFailed, currentURL, result.Message, detail)
			return Outcome{FinalState: FinalFailed, StepsTaken: step, FinalURL: currentURL, Error: detail}, nil
		}
		// ExecActed: loop back, the next iteration's Perceiving emit makes
		// the acting->perceiving transition.
	}
}

// capture fetches a fresh structured tree and scroll snapshot, retrying
// once if the failure classifies as retryable and the step budget allows.
func (l *Loop) capture(ctx context.Context, client sessionclient.Client, step int) (model.StructuredTree, model.ScrollSnapshot, error) {
	tree, err := withRetry(step, l.cfg.MaxSteps, func() (model.StructuredTree, error) {
		return client.CaptureStructuredTree(ctx, sessionclient.TreeOptions{CharBudget: 8000, CompactEncoding: false})
	})
	if err != nil {
		return model.StructuredTree{}, model.ScrollSnapshot{}, err
	}
	scroll, err := withRetry(step, l.cfg.MaxSteps, func() (model.ScrollSnapshot, error) {
		return client.CaptureScroll(ctx)
	})
	if err != nil {
		return model.StructuredTree{}, model.ScrollSnapshot{}, err
	}
	return tree, scroll, nil
}

// infer runs the tiered-perception decision for one step: Tier 1 first
// (unless the subtask carries a visual_required hint), escalating to Tier 2
// on low confidence, a Tier 1 FAILED verdict, a structured-deficient
// classification, or two consecutive no-progress steps. A DOM-extraction
// bypass is tried before paying for a Tier 2 call when the trigger was low
// confidence alone.
func (l *Loop) infer(ctx context.Context, client sessionclient.Client, obs model.Observation, subtask *model.Subtask, noProgress, step int) (model.Decision, error) {
	intent := navigator.Intent{Text: subtask.Intent}

	if subtask.Hint == model.HintVisualRequired {
		if l.tier2 == nil {
			return model.Decision{}, model.NewErrorDetail(model.ErrKindValidation, "visual_required hint set but no tier2 navigator configured", nil)
		}
		return l.escalateTier2(ctx, client, obs, intent, "visual_required_hint", step)
	}

	decision, ok := l.cache.Get(obs.CurrentURL, navigator.Tier1, "")
	if !ok {
		var err error
		decision, err = withRetry(step, l.cfg.MaxSteps, func() (model.Decision, error) {
			return l.tier1.Decide(ctx, obs, intent, navigator.Tier1)
		})
		if err != nil {
			return model.Decision{}, err
		}
		l.cache.Put(obs.CurrentURL, navigator.Tier1, "", decision)
	}

	reason := l.escalationReason(decision, obs, noProgress)
	if reason == "" {
		return decision, nil
	}

	if reason == "low_confidence" {
		if bypass, ok := domBypass(obs, subtask.Intent); ok {
			return bypass, nil
		}
	}

	if l.tier2 == nil {
		return model.Decision{}, model.NewErrorDetail(model.ErrKindValidation, "tier2 escalation required ("+reason+") but no tier2 navigator configured", nil)
	}
	return l.escalateTier2(ctx, client, obs, intent, reason, step)
}

// escalationReason implements the §4.4 escalation triggers.
func (l *Loop) escalationReason(d model.Decision, obs model.Observation, noProgress int) string {
	switch {
	case d.Kind == model.ActionFailed:
		return "tier1_failed"
	case d.Confidence < l.cfg.ConfidenceThreshold:
		return "low_confidence"
	case obs.Tree.Deficiency.TooFewInteractive && !obs.Tree.Deficiency.LoadIncomplete && !obs.Tree.Deficiency.LowVisualContent:
		return "structured_deficient"
	case noProgress >= 2:
		return "no_progress"
	default:
		return ""
	}
}

// escalateTier2 calls the vision navigator, retrying once with a scroll
// hint if the first call under-shoots the confidence threshold and the
// page has unscrolled content remaining. A cached decision short-circuits
// both attempts.
func (l *Loop) escalateTier2(ctx context.Context, client sessionclient.Client, obs model.Observation, intent navigator.Intent, reason string, step int) (model.Decision, error) {
	if cached, ok := l.cache.Get(obs.CurrentURL, navigator.Tier2, reason); ok {
		return cached, nil
	}

	image, err := withRetry(step, l.cfg.MaxSteps, func() (model.ViewportImage, error) {
		return client.CaptureViewportImage(ctx, sessionclient.ImageOptions{})
	})
	if err != nil {
		return model.Decision{}, err
	}
	visual := obs
	visual.Image = &image
	visual.ErrorContext = nil

	escalated := intent
	escalated.EscalationReason = reason
	decision, err := l.tier2.Decide(ctx, visual, escalated, navigator.Tier2)
	if err != nil {
		return model.Decision{}, err
	}
	if decision.Confidence >= l.cfg.ConfidenceThreshold {
		l.cache.Put(obs.CurrentURL, navigator.Tier2, reason, decision)
		return decision, nil
	}

	if obs.Scroll.RemainingScrollPx > 2 {
		scrolled := escalated
		scrolled.ScrollHint = true
		retryDecision, err := l.tier2.Decide(ctx, visual, scrolled, navigator.Tier2)
		if err == nil && retryDecision.Confidence >= l.cfg.ConfidenceThreshold {
			l.cache.Put(obs.CurrentURL, navigator.Tier2, reason, retryDecision)
			return retryDecision, nil
		}
	}

	return model.Decision{}, model.NewErrorDetail(
		model.ErrKindValidation,
		fmt.Sprintf("tier2 could not reach confidence threshold after escalation (%s): human review required", reason),
		nil,
	)
}

// domBypass looks for a single interactive element whose accessible name
// is named by the subtask's intent text, short-circuiting a Tier 2 call
// when the match is unambiguous (§4.4 step 5).
func domBypass(obs model.Observation, intentText string) (model.Decision, bool) {
	norm := strings.ToLower(strings.TrimSpace(intentText))
	if norm == "" {
		return model.Decision{}, false
	}

	var match *model.InteractiveElement
	matches := 0
	for i := range obs.Tree.Interactive {
		el := &obs.Tree.Interactive[i]
		if el.Decorative || el.AccessibleName == "" || el.Box == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(el.AccessibleName))
		if len(name) >= 3 && strings.Contains(norm, name) {
			matches++
			match = el
		}
	}
	if matches != 1 {
		return model.Decision{}, false
	}

	d := model.Decision{
		Kind: model.ActionClick,
		Target: &model.Point{
			X: match.Box.X + match.Box.Width/2,
			Y: match.Box.Y + match.Box.Height/2,
		},
		Confidence: 1,
		Reasoning:  "dom-extraction bypass: unambiguous label match for " + match.AccessibleName,
		Bypass:     true,
	}
	return d, true
}

// prefetch optionally warms the navigation target of a CLICK decision.
// Fired without synchronization against executeAction, per the decision
// that action execution must never block on it; SessionClient has no
// dedicated prefetch capability, so this is a best-effort no-op hook for
// implementations that choose to wire one in.
func (l *Loop) prefetch(client sessionclient.Client, decision model.Decision) {
	_ = client
	_ = decision
}

// failStep classifies err, drives the machine to StateFailed, and builds
// the corresponding terminal Outcome.
func (l *Loop) failStep(emit emitFunc, url string, step int, err error) (Outcome, error) {
	detail := model.Classify(err)
	_, _ = emit(statemachine.StateFailed, url, detail.Message, detail)
	return Outcome{FinalState: FinalFailed, StepsTaken: step, FinalURL: url, Error: detail}, nil
}

// withRetry runs fn, retrying exactly once if the failure classifies as
// retryable (§7) and the step budget still allows another attempt.
func withRetry[T any](step, maxSteps int, fn func() (T, error)) (T, error) {
	val, err := fn()
	if err == nil {
		return val, nil
	}
	detail := model.Classify(err)
	if detail.Retryable && step < maxSteps {
		return fn()
	}
	return val, err
}
