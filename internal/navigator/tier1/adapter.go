// Package tier1 implements the structured-only Navigator adapter: a
// JSON-schema-constrained chat completion over HTTP, grounded on the
// teacher's ZAIClient retry/backoff shape.
package tier1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/ghostrun/ghostbrowser/internal/navigator"

	"go.uber.org/zap"
)

const systemPrompt = `You are a browser navigation decision engine. Given a ` +
	`structured accessibility tree and a task intent, respond with exactly ` +
	`one JSON object describing the next action: {"kind": "CLICK"|"TYPE"|` +
	`"PRESS_KEY"|"SCROLL"|"WAIT"|"EXTRACT"|"DONE"|"FAILED", "targetId": ` +
	`string, "text": string, "key": "Enter"|"Tab"|"Escape", "confidence": ` +
	`number 0..1, "reasoning": string}. Reference elements only by the "id" ` +
	`field from the supplied tree.`

// Config configures the Tier 1 HTTP client.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// DefaultConfig returns sensible defaults for a Tier 1 adapter.
func DefaultConfig(apiKey, model string) Config {
	if model == "" {
		model = "navigator-tier1"
	}
	return Config{
		APIKey:     apiKey,
		BaseURL:    "https://api.z.ai/api/coding/paas/v4",
		Model:      model,
		Timeout:    30 * time.Second,
		MaxRetries: 2,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Adapter implements navigator.Navigator against a structured-only chat
// completion endpoint. It never receives a viewport image, matching §4.4's
// Tier 1 contract.
type Adapter struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger
	usage  UsageSink
}

// UsageSink receives token counts for every successful call, so the caller
// can feed them into a navigator.UsageTracker keyed by tier.
type UsageSink func(inputTokens, outputTokens int)

var _ navigator.Navigator = (*Adapter)(nil)

// New builds a Tier 1 adapter.
func New(cfg Config, log *zap.Logger, usage UsageSink) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.Named("navigator.tier1"),
		usage:  usage,
	}
}

// Decide implements navigator.Navigator.
func (a *Adapter) Decide(ctx context.Context, obs model.Observation, intent navigator.Intent, tier navigator.Tier) (model.Decision, error) {
	if a.cfg.APIKey == "" {
		return model.Decision{}, fmt.Errorf("tier1 navigator: API key not configured")
	}

	userPrompt := buildUserPrompt(obs, intent)
	payload, err := a.complete(ctx, userPrompt, "")
	if err != nil {
		return model.Decision{}, err
	}

	decision, err := navigator.ToDecision(payload, obs)
	if err != nil {
		// §4.4: retry once with the previous response as correction context.
		previous, _ := json.Marshal(payload)
		correction := fmt.Sprintf("Your previous response %s was invalid: %s. Respond again with a corrected JSON object only.", previous, err)
		payload, err = a.complete(ctx, userPrompt, correction)
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

func buildUserPrompt(obs model.Observation, intent navigator.Intent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task intent: %s\n", intent.Text)
	if intent.EscalationReason != "" {
		fmt.Fprintf(&b, "Escalation reason: %s\n", intent.EscalationReason)
	}
	fmt.Fprintf(&b, "Current URL: %s\n", obs.CurrentURL)
	fmt.Fprintf(&b, "Structured tree:\n%s\n", obs.Tree.Encoded)
	if len(obs.PreviousActions) > 0 {
		fmt.Fprintf(&b, "Previous actions: %s\n", strings.Join(obs.PreviousActions, "; "))
	}
	if obs.ErrorContext != nil {
		fmt.Fprintf(&b, "Previous step error: %s\n", obs.ErrorContext.Message)
	}
	return b.String()
}

func (a *Adapter) complete(ctx context.Context, userPrompt, correction string) (navigator.DecisionPayload, error) {
	messages := []chatMessage{{Role: "system", Content: systemPrompt}}
	if correction != "" {
		messages = append(messages, chatMessage{Role: "assistant", Content: correction})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	req := chatRequest{Model: a.cfg.Model, Messages: messages, Temperature: 0.1}
	req.ResponseFormat.Type = "json_object"

	maxRetries := a.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * 500 * time.Millisecond
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return navigator.DecisionPayload{}, ctx.Err()
			case <-timer.C:
			}
		}

		resp, err := a.doRequest(ctx, req)
		if err != nil {
			lastErr = err
			a.log.Warn("tier1 request failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if a.usage != nil {
			a.usage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}
		if resp.Error != nil {
			lastErr = fmt.Errorf("tier1 navigator API error: %s", resp.Error.Message)
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("tier1 navigator returned no choices")
			continue
		}

		var payload navigator.DecisionPayload
		if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &payload); err != nil {
			lastErr = fmt.Errorf("tier1 navigator returned malformed JSON: %w", err)
			continue
		}
		return payload, nil
	}
	return navigator.DecisionPayload{}, fmt.Errorf("tier1 navigator exhausted retries: %w", lastErr)
}

func (a *Adapter) doRequest(ctx context.Context, body chatRequest) (chatResponse, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return chatResponse{}, fmt.Errorf("marshal tier1 request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return chatResponse{}, fmt.Errorf("build tier1 request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return chatResponse{}, fmt.Errorf("tier1 request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return chatResponse{}, fmt.Errorf("read tier1 response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return chatResponse{}, fmt.Errorf("tier1 request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return chatResponse{}, fmt.Errorf("unmarshal tier1 response: %w", err)
	}
	return parsed, nil
}
