// Package tier2 implements the visual Navigator adapter: a multimodal
// genai.Content (observation text + inline viewport screenshot), grounded
// on the teacher's GenAIEngine client-construction pattern.
package tier2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/ghostrun/ghostbrowser/internal/navigator"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const systemPrompt = `You are a browser navigation decision engine with ` +
	`access to a screenshot of the current viewport in addition to the ` +
	`structured accessibility tree. Respond with exactly one JSON object: ` +
	`{"kind": "CLICK"|"TYPE"|"PRESS_KEY"|"SCROLL"|"WAIT"|"EXTRACT"|"DONE"|` +
	`"FAILED", "targetId": string, "text": string, "key": "Enter"|"Tab"|` +
	`"Escape", "confidence": number 0..1, "reasoning": string}. Reference ` +
	`elements only by the "id" field from the supplied tree.`

// decisionSchema constrains GenerateContent's JSON output to
// navigator.DecisionPayload's shape.
var decisionSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"kind":       {Type: genai.TypeString},
		"targetId":   {Type: genai.TypeString},
		"text":       {Type: genai.TypeString},
		"key":        {Type: genai.TypeString},
		"confidence": {Type: genai.TypeNumber},
		"reasoning":  {Type: genai.TypeString},
	},
	Required: []string{"kind", "confidence"},
}

// Adapter implements navigator.Navigator against Google's GenAI API,
// sending the viewport screenshot alongside the structured tree.
type Adapter struct {
	client *genai.Client
	model  string
	log    *zap.Logger
	usage  UsageSink
}

// UsageSink receives token counts for every successful call.
type UsageSink func(inputTokens, outputTokens int)

var _ navigator.Navigator = (*Adapter)(nil)

// New builds a Tier 2 adapter. model defaults to "navigator-tier2-vision"
// when empty.
func New(ctx context.Context, apiKey, model string, log *zap.Logger, usage UsageSink) (*Adapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("tier2 navigator: API key not configured")
	}
	if model == "" {
		model = "navigator-tier2-vision"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("tier2 navigator: create genai client: %w", err)
	}
	return &Adapter{client: client, model: model, log: log.Named("navigator.tier2"), usage: usage}, nil
}

// Decide implements navigator.Navigator.
func (a *Adapter) Decide(ctx context.Context, obs model.Observation, intent navigator.Intent, tier navigator.Tier) (model.Decision, error) {
	if obs.Image == nil {
		return model.Decision{}, fmt.Errorf("tier2 navigator: observation missing viewport image")
	}
	imageBytes, err := base64.StdEncoding.DecodeString(obs.Image.Base64)
	if err != nil {
		return model.Decision{}, fmt.Errorf("tier2 navigator: decode viewport image: %w", err)
	}
	mime := imageMIME(obs.Image.MIME)
	userPrompt := buildUserPrompt(obs, intent)

	payload, err := a.completeAndParse(ctx, userPrompt, imageBytes, mime, "")
	var decision model.Decision
	if err == nil {
		decision, err = navigator.ToDecision(payload, obs)
	}
	if err != nil {
		// §4.4: malformed output (bad JSON or a failed decision
		// validation) retries once with the previous failure as
		// correction context before giving up.
		correction := fmt.Sprintf("Your previous response was invalid: %s. Respond again with a corrected JSON object only.", err)
		payload, err = a.completeAndParse(ctx, userPrompt, imageBytes, mime, correction)
		if err != nil {
			return model.Decision{}, err
		}
		decision, err = navigator.ToDecision(payload, obs)
		if err != nil {
			return model.Decision{}, fmt.Errorf("%w", err)
		}
	}
	return decision, nil
}

func (a *Adapter) completeAndParse(ctx context.Context, userPrompt string, imageBytes []byte, mime, correction string) (navigator.DecisionPayload, error) {
	prompt := systemPrompt + "\n\n" + userPrompt
	if correction != "" {
		prompt += "\n\n" + correction
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(imageBytes, mime),
		}, genai.RoleUser),
	}

	result, err := a.client.Models.GenerateContent(ctx, a.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   decisionSchema,
		Temperature:      float32Ptr(0.1),
	})
	if err != nil {
		return navigator.DecisionPayload{}, fmt.Errorf("tier2 navigator: generate content: %w", err)
	}
	if a.usage != nil && result.UsageMetadata != nil {
		a.usage(int(result.UsageMetadata.PromptTokenCount), int(result.UsageMetadata.CandidatesTokenCount))
	}

	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return navigator.DecisionPayload{}, fmt.Errorf("tier2 navigator returned empty response")
	}

	var payload navigator.DecisionPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return navigator.DecisionPayload{}, fmt.Errorf("tier2 navigator returned malformed JSON: %w", err)
	}
	return payload, nil
}

func buildUserPrompt(obs model.Observation, intent navigator.Intent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task intent: %s\n", intent.Text)
	if intent.EscalationReason != "" {
		fmt.Fprintf(&b, "Escalation reason: %s\n", intent.EscalationReason)
	}
	fmt.Fprintf(&b, "Current URL: %s\n", obs.CurrentURL)
	fmt.Fprintf(&b, "Structured tree:\n%s\n", obs.Tree.Encoded)
	if intent.ScrollHint {
		b.WriteString("Hint: the target may be below the fold; consider scrolling.\n")
	}
	return b.String()
}

func float32Ptr(f float32) *float32 { return &f }

func imageMIME(mime string) string {
	if mime == "" {
		return "image/png"
	}
	return mime
}
