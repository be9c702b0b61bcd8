package tier1

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/ghostrun/ghostbrowser/internal/navigator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func obsWithTree() model.Observation {
	return model.Observation{
		CurrentURL: "https://example.com",
		Tree: model.StructuredTree{
			Encoded: "button|el-1|Submit\n",
			Interactive: []model.InteractiveElement{
				{ID: "el-1", Role: "button", AccessibleName: "Submit", Box: &model.BoundingBox{X: 0, Y: 0, Width: 20, Height: 10}},
			},
		},
	}
}

func TestAdapter_Decide_ParsesValidResponse(t *testing.T) {
	var gotTokens bool
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		resp := chatResponse{}
		resp.Choices = []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{{}}
		resp.Choices[0].Message.Content = `{"kind":"CLICK","targetId":"el-1","confidence":0.95,"reasoning":"matches submit"}`
		resp.Usage.PromptTokens = 10
		resp.Usage.CompletionTokens = 5
		json.NewEncoder(w).Encode(resp)
	})

	cfg := DefaultConfig("test-key", "")
	cfg.BaseURL = srv.URL
	cfg.MaxRetries = 0
	adapter := New(cfg, zap.NewNop(), func(in, out int) { gotTokens = in == 10 && out == 5 })

	d, err := adapter.Decide(t.Context(), obsWithTree(), navigator.Intent{Text: "click submit"}, navigator.Tier1)
	require.NoError(t, err)
	assert.Equal(t, model.ActionClick, d.Kind)
	require.NotNil(t, d.Target)
	assert.Equal(t, 10.0, d.Target.X)
	assert.True(t, gotTokens)
}

func TestAdapter_Decide_RetriesOnceOnMalformedPayload(t *testing.T) {
	calls := 0
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		resp := chatResponse{}
		resp.Choices = []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{{}}
		if calls == 1 {
			resp.Choices[0].Message.Content = `{"kind":"CLICK","confidence":0.95}` // no targetId => invalid
		} else {
			resp.Choices[0].Message.Content = `{"kind":"DONE","confidence":1.0}`
		}
		json.NewEncoder(w).Encode(resp)
	})

	cfg := DefaultConfig("test-key", "")
	cfg.BaseURL = srv.URL
	cfg.MaxRetries = 0
	adapter := New(cfg, zap.NewNop(), nil)

	d, err := adapter.Decide(t.Context(), obsWithTree(), navigator.Intent{Text: "finish"}, navigator.Tier1)
	require.NoError(t, err)
	assert.Equal(t, model.ActionDone, d.Kind)
	assert.Equal(t, 2, calls, "a malformed decision must trigger exactly one correction retry")
}

func TestAdapter_Decide_MissingAPIKeyFailsFast(t *testing.T) {
	cfg := DefaultConfig("", "")
	adapter := New(cfg, zap.NewNop(), nil)
	_, err := adapter.Decide(t.Context(), obsWithTree(), navigator.Intent{}, navigator.Tier1)
	assert.Error(t, err)
}
