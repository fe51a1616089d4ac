package oracles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

const (
	defaultOpenAIEndpoint = "https://api.openai.com/v1"
	defaultOpenAIModel    = "gpt-4o-mini"
	maxPromptFindings     = 40
)

const systemPrompt = `You review automated risk-scan evidence for a URL or a piece of content.
Reply with a JSON object: {"risk_adjustment": number, "confidence": number, "rationale": string}.
risk_adjustment multiplies the rule-based score: 1.0 agrees with it, values down to 0.7 mean
the rules overstate the risk, values up to 1.3 mean they understate it. confidence is in [0,1].`

var errEmptyCompletion = errors.New("completion has no choices")

// OpenAI asks a chat-completions model to review the evidence.
type OpenAI struct{ remote }

// Name implements scanning.Oracle.
func (o *OpenAI) Name() string { return o.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Score implements scanning.Oracle.
func (o *OpenAI) Score(ctx context.Context, evidence scanning.Evidence) (scanning.AIVerdict, error) {
	prompt, err := userPrompt(evidence)
	if err != nil {
		return scanning.AIVerdict{}, err
	}

	req := chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	var resp chatResponse
	if err := o.postJSON(ctx, strings.TrimRight(o.endpoint, "/")+"/chat/completions", req, &resp); err != nil {
		return scanning.AIVerdict{}, err
	}
	if len(resp.Choices) == 0 {
		return scanning.AIVerdict{}, fmt.Errorf("%s: %w", o.name, errEmptyCompletion)
	}

	var raw rawVerdict
	content := stripFence(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return scanning.AIVerdict{}, fmt.Errorf("%s: decode completion: %w", o.name, err)
	}
	if raw.Model == "" {
		raw.Model = resp.Model
	}
	if raw.Model == "" {
		raw.Model = o.model
	}
	return toVerdict(o.name, raw)
}

// userPrompt renders the evidence with findings trimmed to the ones that
// scored, highest first, so large rosters fit the context window.
func userPrompt(evidence scanning.Evidence) (string, error) {
	scored := make([]scanning.Finding, 0, len(evidence.Findings))
	for _, f := range evidence.Findings {
		if f.PointsAwarded > 0 {
			scored = append(scored, f)
		}
	}
	sortByPoints(scored)
	if len(scored) > maxPromptFindings {
		scored = scored[:maxPromptFindings]
	}
	evidence.Findings = scored

	b, err := json.MarshalIndent(evidence, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode evidence: %w", err)
	}
	return "Scan evidence:\n" + string(b), nil
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
