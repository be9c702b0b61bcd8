package decomposer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ghostrun/ghostbrowser/internal/model"
)

func TestClassify_ModeOverrideTakesPrecedence(t *testing.T) {
	d := New(zap.NewNop(), nil)
	c := d.Classify("find the best laptop", "DO")
	assert.Equal(t, model.IntentTransact, c.Intent)
	assert.Equal(t, "mode_override", c.Source)
	assert.Equal(t, 1.0, c.Confidence)
}

func TestClassify_URLLikeInputIsNavigate(t *testing.T) {
	d := New(zap.NewNop(), nil)
	c := d.Classify("https://news.ycombinator.com", "")
	assert.Equal(t, model.IntentNavigate, c.Intent)
	assert.GreaterOrEqual(t, c.Confidence, 0.95)
}

func TestClassify_TransactVerbsDetected(t *testing.T) {
	d := New(zap.NewNop(), nil)
	c := d.Classify("buy the cheapest flight to Tokyo", "")
	assert.Equal(t, model.IntentTransact, c.Intent)
}

func TestClassify_RetailerNameDoesNotTripTransactKeyword(t *testing.T) {
	d := New(zap.NewNop(), nil)
	c := d.Classify("Compare prices for AirPods Pro on Amazon and Best Buy", "")
	assert.Equal(t, model.IntentResearch, c.Intent)
	assert.GreaterOrEqual(t, c.Confidence, 0.85)
}

func TestClassify_GenerateLanguageDetected(t *testing.T) {
	d := New(zap.NewNop(), nil)
	c := d.Classify("make a chart of quarterly revenue", "")
	assert.Equal(t, model.IntentGenerate, c.Intent)
}

func TestClassify_DefaultsToResearchWithLowConfidence(t *testing.T) {
	d := New(zap.NewNop(), nil)
	c := d.Classify("tell me about octopuses", "")
	assert.Equal(t, model.IntentResearch, c.Intent)
	assert.Less(t, c.Confidence, ambiguityThreshold)
}

type fakeRefiner struct {
	called    bool
	returned  Classification
	returnErr error
}

func (f *fakeRefiner) RefineClassification(ctx context.Context, intentText string, candidate Classification) (Classification, error) {
	f.called = true
	if f.returnErr != nil {
		return Classification{}, f.returnErr
	}
	return f.returned, nil
}

func TestRefineClassification_SkipsWhenConfidenceAboveThreshold(t *testing.T) {
	refiner := &fakeRefiner{}
	d := New(zap.NewNop(), refiner)
	candidate := Classification{Intent: model.IntentNavigate, Confidence: 0.9}
	got := d.RefineClassification(t.Context(), "https://example.com", candidate)
	assert.Equal(t, candidate, got)
	assert.False(t, refiner.called)
}

func TestRefineClassification_OverridesLowConfidence(t *testing.T) {
	refiner := &fakeRefiner{returned: Classification{Intent: model.IntentTransact, Confidence: 0.8, Reason: "refined"}}
	d := New(zap.NewNop(), refiner)
	candidate := Classification{Intent: model.IntentResearch, Confidence: 0.3}
	got := d.RefineClassification(t.Context(), "do the thing", candidate)
	assert.True(t, refiner.called)
	assert.Equal(t, model.IntentTransact, got.Intent)
	assert.Equal(t, "refined", got.Source)
}

func TestRefineClassification_SwallowsErrorAndKeepsCandidate(t *testing.T) {
	refiner := &fakeRefiner{returnErr: assert.AnError}
	d := New(zap.NewNop(), refiner)
	candidate := Classification{Intent: model.IntentResearch, Confidence: 0.3}
	got := d.RefineClassification(t.Context(), "do the thing", candidate)
	assert.Equal(t, candidate, got)
}

func TestDecompose_BelowThreeStepsCollapsesToSingleSubtask(t *testing.T) {
	d := New(zap.NewNop(), nil)
	plan := d.Decompose("click the submit button")
	require.Len(t, plan.Subtasks, 1)
	assert.False(t, plan.IsDecomposed())
	assert.Equal(t, model.VerifyActionConfirmed, plan.Subtasks[0].Verification.Type)
	assert.Nil(t, plan.Fallback)
}

func TestDecompose_MultiClauseSplitsOnConnectors(t *testing.T) {
	d := New(zap.NewNop(), nil)
	plan := d.Decompose("open the search page, then extract the prices, and finally click checkout")
	require.True(t, plan.IsDecomposed())
	require.Len(t, plan.Subtasks, 3)

	assert.Equal(t, model.VerifyURLMatches, plan.Subtasks[0].Verification.Type)
	assert.Equal(t, model.VerifyDataExtracted, plan.Subtasks[1].Verification.Type)
	assert.Equal(t, model.VerifyElementPresent, plan.Subtasks[2].Verification.Type)

	assert.Empty(t, plan.Subtasks[0].DependsOn)
	assert.Equal(t, []string{plan.Subtasks[0].ID}, plan.Subtasks[1].DependsOn)
	assert.Equal(t, []string{plan.Subtasks[1].ID}, plan.Subtasks[2].DependsOn)

	require.NotNil(t, plan.Fallback)
	assert.Len(t, plan.Fallback.Subtasks, 1)
}

func TestDecompose_PlanActivateStartsFirstSubtaskOnly(t *testing.T) {
	d := New(zap.NewNop(), nil)
	plan := d.Decompose("open the homepage then click login then submit the form")
	plan.Activate()
	assert.Equal(t, model.SubtaskInProgress, plan.Subtasks[0].Status)
	for _, st := range plan.Subtasks[1:] {
		assert.Equal(t, model.SubtaskPending, st.Status)
	}
}

func TestDecompose_HumanReviewSignalBottomsOutSubtask(t *testing.T) {
	d := New(zap.NewNop(), nil)
	plan := d.Decompose("open the login page then solve the captcha then submit the form")
	require.True(t, plan.IsDecomposed())

	found := false
	for _, st := range plan.Subtasks {
		if st.Verification.Type == model.VerifyHumanReview {
			found = true
			assert.Equal(t, model.SubtaskFailed, st.Status)
		}
	}
	assert.True(t, found, "a captcha clause must classify as human_review")
}

func TestDecompose_PlanIntentMatchesOriginal(t *testing.T) {
	d := New(zap.NewNop(), nil)
	intent := "open the homepage then click login then submit the form"
	plan := d.Decompose(intent)
	assert.Equal(t, intent, plan.Intent)
}
