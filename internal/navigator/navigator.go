// Package navigator defines the perception-to-decision boundary: one
// Decide call per step, tagged with the perception tier it should run at.
package navigator

import (
	"context"
	"fmt"

	"github.com/ghostrun/ghostbrowser/internal/model"
)

// Tier selects which navigator adapter handles a Decide call.
type Tier string

const (
	Tier1 Tier = "tier1" // structured-only
	Tier2 Tier = "tier2" // visual, viewport screenshot included
)

// Intent carries the task's goal plus the context that made this
// particular Decide call necessary, for cache keying and prompt framing.
type Intent struct {
	Text             string
	EscalationReason string
	ScrollHint       bool
}

// Navigator turns one observation into one action decision.
type Navigator interface {
	Decide(ctx context.Context, obs model.Observation, intent Intent, tier Tier) (model.Decision, error)
}

// DecisionPayload is the JSON-schema-constrained shape both tier adapters
// ask their model to emit. TargetID names an InteractiveElement.ID from the
// observation's structured tree; the adapter resolves it to viewport
// coordinates rather than trusting model-reported pixels.
type DecisionPayload struct {
	Kind       string  `json:"kind"`
	TargetID   string  `json:"targetId,omitempty"`
	Text       string  `json:"text,omitempty"`
	Key        string  `json:"key,omitempty"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// ToDecision resolves p against obs's interactive index and validates the
// result against §3's per-kind invariants.
func ToDecision(p DecisionPayload, obs model.Observation) (model.Decision, error) {
	d := model.Decision{
		Kind:       model.ActionKind(p.Kind),
		Text:       p.Text,
		Key:        model.SpecialKey(p.Key),
		Confidence: p.Confidence,
		Reasoning:  p.Reasoning,
	}

	if d.Kind == model.ActionClick && p.TargetID != "" {
		if box := findBox(obs, p.TargetID); box != nil {
			d.Target = &model.Point{
				X: box.X + box.Width/2,
				Y: box.Y + box.Height/2,
			}
		}
	}

	if err := d.Validate(); err != nil {
		return model.Decision{}, fmt.Errorf("navigator returned malformed decision: %w", err)
	}
	return d, nil
}

func findBox(obs model.Observation, targetID string) *model.BoundingBox {
	for _, el := range obs.Tree.Interactive {
		if el.ID == targetID {
			return el.Box
		}
	}
	return nil
}
