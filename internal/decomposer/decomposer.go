// Package decomposer turns a submitted intent string into a classified
// kind and an ordered, verifiable subtask plan (spec §4.5).
package decomposer

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ghostrun/ghostbrowser/internal/model"
)

const generatorName = "clause-split-v1"

// ambiguityThreshold is the heuristic-confidence floor below which a
// Refiner, if configured, gets a chance to override the classification.
const ambiguityThreshold = 0.5

// minDecomposedSteps mirrors model.DecompositionPlan.IsDecomposed's
// threshold: below this estimate, the plan collapses to one subtask.
const minDecomposedSteps = 3

// Classification is the recorded outcome of classifying a submitted
// intent, matching the external submission-result shape's
// `classification` object (§6).
type Classification struct {
	Intent     model.IntentKind
	Source     string // "mode_override" | "heuristic" | "refined"
	Confidence float64
	Reason     string
}

// Refiner optionally resolves an ambiguous heuristic classification with a
// single model call. No implementation is wired in this module:
// cmd/ghostrun builds its Decomposer with a nil Refiner, so heuristic
// classifications are returned as they are.
type Refiner interface {
	RefineClassification(ctx context.Context, intentText string, candidate Classification) (Classification, error)
}

// Decomposer classifies intents and splits them into subtask plans.
type Decomposer struct {
	log     *zap.Logger
	refiner Refiner
}

// New builds a Decomposer. refiner may be nil, in which case
// classification is heuristic-only.
func New(log *zap.Logger, refiner Refiner) *Decomposer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Decomposer{log: log.Named("decomposer"), refiner: refiner}
}

// Classify applies the §4.5 classification rule: an explicit mode override
// takes strict precedence; absent one, heuristic keyword/pattern matching
// runs, defaulting to research when nothing else matches.
func (d *Decomposer) Classify(intentText, modeOverride string) Classification {
	if kind, ok := modeOverrideKind(modeOverride); ok {
		return Classification{
			Intent:     kind,
			Source:     "mode_override",
			Confidence: 1.0,
			Reason:     "explicit mode override " + strings.ToUpper(modeOverride),
		}
	}
	kind, reason, confidence := classifyByHeuristic(intentText)
	return Classification{Intent: kind, Source: "heuristic", Confidence: confidence, Reason: reason}
}

// RefineClassification gives a configured Refiner one chance to override a
// low-confidence heuristic classification. A mode-override classification
// (confidence 1.0) or a missing Refiner short-circuits to candidate
// unchanged; a Refiner error is logged and swallowed rather than failing
// the submission.
func (d *Decomposer) RefineClassification(ctx context.Context, intentText string, candidate Classification) Classification {
	if d.refiner == nil || candidate.Confidence >= ambiguityThreshold {
		return candidate
	}
	refined, err := d.refiner.RefineClassification(ctx, intentText, candidate)
	if err != nil {
		d.log.Warn("classification refinement failed, keeping heuristic result",
			zap.String("intent", intentText), zap.Error(err))
		return candidate
	}
	refined.Source = "refined"
	return refined
}

// Decompose splits intentText into a DecompositionPlan. A step estimate
// below minDecomposedSteps collapses to a single subtask with a relaxed
// action_confirmed verification; otherwise the intent is split on
// connectors and each clause becomes a subtask whose verification is
// inferred from its verb family. A multi-step plan also carries a
// single-subtask Fallback plan, per §4.5's fallback-plan rule.
func (d *Decomposer) Decompose(intentText string) *model.DecompositionPlan {
	clauses := splitClauses(intentText)
	stepEstimate := len(clauses)
	if stepEstimate <= 1 {
		if boosted := verbFamilyHitCount(intentText); boosted > stepEstimate {
			stepEstimate = boosted
		}
	}

	if stepEstimate < minDecomposedSteps {
		return d.singleSubtaskPlan(intentText, stepEstimate)
	}

	plan := &model.DecompositionPlan{
		Intent:      intentText,
		StepCount:   stepEstimate,
		Generator:   generatorName,
		GeneratedAt: time.Now(),
		Fallback:    d.singleSubtaskPlan(intentText, 1),
	}

	var prevID string
	for _, clause := range clauses {
		subtask := &model.Subtask{
			ID:           uuid.NewString(),
			Intent:       clause,
			Verification: verificationFor(clause),
			Status:       model.SubtaskPending,
			Mode:         model.ExecSequential,
			Hint:         model.HintUnknown,
		}
		if prevID != "" {
			subtask.DependsOn = []string{prevID}
		}
		if subtask.Verification.Type == model.VerifyHumanReview {
			subtask.Status = model.SubtaskFailed
		}
		plan.Subtasks = append(plan.Subtasks, subtask)
		prevID = subtask.ID
	}
	return plan
}

func (d *Decomposer) singleSubtaskPlan(intentText string, stepEstimate int) *model.DecompositionPlan {
	verification := model.Verification{Type: model.VerifyActionConfirmed, Condition: "action confirmed for: " + intentText}
	if containsHumanReviewSignal(intentText) {
		verification = model.Verification{Type: model.VerifyHumanReview, Condition: "human review required: " + intentText}
	}
	subtask := &model.Subtask{
		ID:           uuid.NewString(),
		Intent:       intentText,
		Verification: verification,
		Status:       model.SubtaskPending,
		Mode:         model.ExecSequential,
		Hint:         model.HintUnknown,
	}
	if verification.Type == model.VerifyHumanReview {
		subtask.Status = model.SubtaskFailed
	}
	return &model.DecompositionPlan{
		Intent:      intentText,
		StepCount:   stepEstimate,
		Generator:   generatorName,
		GeneratedAt: time.Now(),
		Subtasks:    []*model.Subtask{subtask},
	}
}

func modeOverrideKind(mode string) (model.IntentKind, bool) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "BROWSE":
		return model.IntentNavigate, true
	case "DO":
		return model.IntentTransact, true
	case "MAKE":
		return model.IntentGenerate, true
	case "RESEARCH":
		return model.IntentResearch, true
	default: // "", "AUTO"
		return "", false
	}
}

var navigateHostRe = regexp.MustCompile(`(?i)^(https?://|www\.)|\.(com|org|net|io|co|gov|edu)(/|\s|$)`)

var researchKeywords = []string{"compare", "best ", "reviews", "review", " vs ", "versus", "top "}
var transactKeywords = []string{
	"buy", "purchase", "checkout", "check out", "fill", "submit", "book",
	"register", "apply", "sign up", "signup", "login", "log in", "pay",
	"order", "add to cart", "subscribe",
}
var generateKeywords = []string{"chart", "graph", "visualize", "visualization", "plot", "diagram"}

func classifyByHeuristic(text string) (model.IntentKind, string, float64) {
	lower := strings.ToLower(text)
	switch {
	case navigateHostRe.MatchString(strings.TrimSpace(text)):
		return model.IntentNavigate, "url-like input", 0.95
	case containsAny(lower, generateKeywords):
		return model.IntentGenerate, "visualization/chart language", 0.85
	// Research language is checked ahead of transact verbs: a comparison
	// phrase naming retailers ("Compare prices ... on Amazon and Best
	// Buy") otherwise trips the transact "buy" keyword on the retailer's
	// own name before the research signal ever gets a look.
	case containsAny(lower, researchKeywords):
		return model.IntentResearch, "comparison/research language", 0.85
	case containsAny(lower, transactKeywords):
		return model.IntentTransact, "form-completion verb", 0.85
	default:
		return model.IntentResearch, "no distinguishing signal, defaulted to research", 0.3
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
