package navigator

import (
	"testing"

	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToDecision_ResolvesTargetBoxCenter(t *testing.T) {
	obs := model.Observation{
		Tree: model.StructuredTree{
			Interactive: []model.InteractiveElement{
				{ID: "el-1", Role: "button", Box: &model.BoundingBox{X: 10, Y: 20, Width: 100, Height: 40}},
			},
		},
	}
	payload := DecisionPayload{Kind: "CLICK", TargetID: "el-1", Confidence: 0.9}

	d, err := ToDecision(payload, obs)
	require.NoError(t, err)
	require.NotNil(t, d.Target)
	assert.Equal(t, 60.0, d.Target.X)
	assert.Equal(t, 40.0, d.Target.Y)
}

func TestToDecision_RejectsMalformedClick(t *testing.T) {
	obs := model.Observation{}
	payload := DecisionPayload{Kind: "CLICK", Confidence: 0.9}

	_, err := ToDecision(payload, obs)
	assert.Error(t, err, "CLICK with no resolvable target must fail validation")
}

func TestToDecision_DoneRequiresNoKey(t *testing.T) {
	payload := DecisionPayload{Kind: "DONE", Confidence: 1.0}
	d, err := ToDecision(payload, model.Observation{})
	require.NoError(t, err)
	assert.Equal(t, model.ActionDone, d.Kind)
}
