package model

import "fmt"

// ActionKind enumerates the decisions a Navigator may return.
type ActionKind string

const (
	ActionClick    ActionKind = "CLICK"
	ActionType     ActionKind = "TYPE"
	ActionPressKey ActionKind = "PRESS_KEY"
	ActionScroll   ActionKind = "SCROLL"
	ActionWait     ActionKind = "WAIT"
	ActionExtract  ActionKind = "EXTRACT"
	ActionDone     ActionKind = "DONE"
	ActionFailed   ActionKind = "FAILED"
)

// SpecialKey enumerates the non-printable keys PRESS_KEY may carry.
type SpecialKey string

const (
	KeyEnter  SpecialKey = "Enter"
	KeyTab    SpecialKey = "Tab"
	KeyEscape SpecialKey = "Escape"
)

// Point is a target location in viewport coordinates.
type Point struct{ X, Y float64 }

// Decision is the Navigator's chosen next action.
type Decision struct {
	Kind       ActionKind
	Target     *Point
	Text       string
	Key        SpecialKey
	Confidence float64
	Reasoning  string

	// Bypass records that this decision came from the DOM-extraction
	// shortcut (§4.4 step 5) rather than a model call.
	Bypass bool
}

// Validate enforces the per-kind invariants of §3.
func (d Decision) Validate() error {
	switch d.Kind {
	case ActionClick:
		if d.Target == nil {
			return fmt.Errorf("%w: CLICK requires a target", ErrValidation)
		}
	case ActionType:
		if d.Text == "" {
			return fmt.Errorf("%w: TYPE requires non-empty text", ErrValidation)
		}
	case ActionPressKey:
		if d.Key == "" {
			return fmt.Errorf("%w: PRESS_KEY requires a key", ErrValidation)
		}
	default:
		if d.Key != "" {
			return fmt.Errorf("%w: %s must not carry a key", ErrValidation, d.Kind)
		}
	}
	return nil
}

// ExecStatus is the outcome of dispatching a Decision.
type ExecStatus string

const (
	ExecActed  ExecStatus = "acted"
	ExecDone   ExecStatus = "done"
	ExecFailed ExecStatus = "failed"
)

// MutationCounts summarizes a DOM mutation observed after an action.
type MutationCounts struct {
	Added   int
	Removed int
	// InteractiveRoleChanged is true if any mutated node carries an
	// interactive ARIA role — such a mutation counts as significant
	// regardless of the added/removed node count.
	InteractiveRoleChanged bool
}

// Significant reports whether the mutation crosses the §4.1 threshold:
// >=3 added/removed nodes, or any interactive-role mutation.
func (m MutationCounts) Significant() bool {
	return m.Added+m.Removed >= 3 || m.InteractiveRoleChanged
}

// ActionResult is what SessionClient.executeAction returns.
type ActionResult struct {
	Status             ExecStatus
	FinalURL           string
	NavigationObserved bool
	Mutation           MutationCounts
	FocusChanged       bool
	ScrollChanged      bool
	InputValueChanged  bool
	ExtractedData      map[string]string
	Message            string
}

// SignificantMutation reports whether the result invalidates a cached
// structured tree per the §4.4 staleness rule.
func (r ActionResult) SignificantMutation() bool {
	return r.NavigationObserved || r.Mutation.Significant()
}
