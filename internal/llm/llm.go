package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ReviewRequest is the material handed to the model for one stage.
type ReviewRequest struct {
	JobType  string
	Focus    string
	Ref      string
	Content  string
	Metadata map[string]string
}

// ReviewFinding is a single observation reported by the model.
type ReviewFinding struct {
	Kind        string `json:"kind"`
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Location    string `json:"location"`
	Description string `json:"description"`
	Remediation string `json:"remediation"`
}

// ReviewResult is the model's structured verdict on the content.
type ReviewResult struct {
	Score    float64         `json:"score"`
	Summary  string          `json:"summary"`
	Findings []ReviewFinding `json:"findings"`
	Escalate bool            `json:"escalate"`
}

// Client wraps the Anthropic API for stage reviews.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{
		// Retries are owned by the stage executor.
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildReviewPrompt constructs the system and user prompts for a stage review.
func buildReviewPrompt(req ReviewRequest) (system string, user string) {
	system = `You review submitted work as one stage of an automated review pipeline. Return ONLY a JSON object with these fields:
- "score": number from 0 to 100, where 100 means no problems at all
- "summary": one or two sentences describing the overall assessment
- "findings": array of objects with "kind", "severity", "category", "location", "description", "remediation"
- "escalate": true if a human must look at this regardless of score

Rules:
- "severity" is one of "info", "warning", "error", "critical"
- Use "critical" only for problems that must block release (leaked credentials, data loss, legal exposure)
- "location" may be an empty string when the finding applies to the whole submission
- Return an empty findings array when there is nothing to report
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Job type: %s\n", req.JobType)
	if req.Focus != "" {
		fmt.Fprintf(&sb, "Review focus: %s\n", req.Focus)
	}
	if req.Ref != "" {
		fmt.Fprintf(&sb, "Reference: %s\n", req.Ref)
	}
	for _, k := range sortedKeys(req.Metadata) {
		fmt.Fprintf(&sb, "%s: %s\n", k, req.Metadata[k])
	}
	sb.WriteString("\nContent:\n\n")
	sb.WriteString(req.Content)
	user = sb.String()
	return
}

// Review sends content to the model and returns its structured assessment.
func (c *Client) Review(ctx context.Context, req ReviewRequest) (*ReviewResult, error) {
	systemPrompt, userPrompt := buildReviewPrompt(req)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}
	return parseReview(text)
}

// parseReview decodes the model's JSON answer, tolerating markdown fencing.
func parseReview(text string) (*ReviewResult, error) {
	text = stripFence(text)

	var res ReviewResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	if res.Score < 0 || res.Score > 100 {
		return nil, fmt.Errorf("score %.2f out of range", res.Score)
	}
	return &res, nil
}

func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// IsTransient reports whether an API error is worth retrying: rate limits,
// server errors and overload.
func IsTransient(err error) bool {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
