package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/joescharf/gauntlet/internal/models"
	"github.com/joescharf/gauntlet/internal/stage"
)

var (
	urgentKeywords  = []string{"urgent", "emergency", "asap", "immediately", "broken", "down", "not working", "critical"}
	highKeywords    = []string{"problem", "issue", "error", "help", "wrong", "failed"}
	complexKeywords = []string{"refund", "billing", "account", "technical", "integration", "api", "database"}
	simpleKeywords  = []string{"question", "how to", "information", "status", "when", "where"}
)

// Triage classifies a support request by urgency and complexity. It does not
// score; urgent or complex requests emit a policy trigger.
type Triage struct{}

// NewTriage returns a Triage tool.
func NewTriage() *Triage { return &Triage{} }

// Classify returns the urgency (urgent, high, normal) and complexity
// (high, medium, low) of a message.
func (t *Triage) Classify(message string) (urgency, complexity string) {
	msg := strings.ToLower(message)
	switch {
	case containsAny(msg, urgentKeywords):
		urgency = "urgent"
	case containsAny(msg, highKeywords):
		urgency = "high"
	default:
		urgency = "normal"
	}
	switch {
	case containsAny(msg, complexKeywords):
		complexity = "high"
	case containsAny(msg, simpleKeywords):
		complexity = "low"
	default:
		complexity = "medium"
	}
	return urgency, complexity
}

// Run implements stage.Tool.
func (t *Triage) Run(ctx context.Context, in stage.Input, _ map[string]string) (stage.Output, error) {
	text, err := payloadText(ctx, in)
	if err != nil {
		return stage.Output{}, err
	}
	urgency, complexity := t.Classify(text)

	out := stage.Output{Findings: []models.Finding{
		{Kind: "classification", Severity: models.SeverityInfo, Category: "urgency", Description: "urgency: " + urgency},
		{Kind: "classification", Severity: models.SeverityInfo, Category: "complexity", Description: "complexity: " + complexity},
	}}
	if urgency == "urgent" {
		out.Triggers = append(out.Triggers, TriggerUrgent)
	}
	if complexity == "high" {
		out.Triggers = append(out.Triggers, TriggerComplex)
	}
	return out, nil
}

// Article is one knowledge-base entry matched by topic keyword.
type Article struct {
	Topic  string
	Answer string
}

// DefaultArticles is the built-in knowledge base.
var DefaultArticles = []Article{
	{"return policy", "Returns are accepted within 30 days of purchase with the original receipt."},
	{"shipping", "Standard shipping takes 3-5 business days. Express shipping takes 1-2 business days."},
	{"refund", "Refunds are processed within 5-7 business days to the original payment method."},
	{"warranty", "All products carry a 1-year manufacturer warranty covering defects."},
	{"account", "Passwords can be reset with 'Forgot Password' on the login page."},
	{"billing", "Billing questions can be resolved from the account dashboard or by contacting billing support."},
	{"technical", "For technical issues, restart the application or clear the browser cache."},
	{"pricing", "Current pricing is listed on the pricing page. Enterprise discounts are available."},
}

// Knowledge looks the request up in a knowledge base. A hit scores 100; a
// miss scores 40 with a warning.
type Knowledge struct {
	articles []Article
}

// NewKnowledge returns a Knowledge tool over articles, matched in order.
func NewKnowledge(articles []Article) *Knowledge {
	return &Knowledge{articles: articles}
}

// Lookup returns the first article whose topic appears in the query.
func (k *Knowledge) Lookup(query string) (Article, bool) {
	q := strings.ToLower(query)
	for _, a := range k.articles {
		if strings.Contains(q, a.Topic) {
			return a, true
		}
	}
	return Article{}, false
}

// Run implements stage.Tool.
func (k *Knowledge) Run(ctx context.Context, in stage.Input, _ map[string]string) (stage.Output, error) {
	text, err := payloadText(ctx, in)
	if err != nil {
		return stage.Output{}, err
	}
	if a, ok := k.Lookup(text); ok {
		return stage.Output{
			SubScore: score(100),
			Findings: []models.Finding{{
				Kind: "knowledge", Severity: models.SeverityInfo, Category: a.Topic, Description: a.Answer,
			}},
		}, nil
	}
	return stage.Output{
		SubScore: score(40),
		Findings: []models.Finding{{
			Kind: "knowledge", Severity: models.SeverityWarning, Category: "no-match",
			Description: "no knowledge base article matched the request",
			Remediation: "route to a specialist",
		}},
	}, nil
}

var (
	specificTerms   = []string{"policy", "process", "contact", "resolve"}
	escalationTerms = []string{"escalat", "specialist"}
)

// Quality scores how confidently a request can be answered: the knowledge
// stage's answer if one was recorded, otherwise the request text.
type Quality struct{}

// NewQuality returns a Quality tool.
func NewQuality() *Quality { return &Quality{} }

// Confidence returns a value in [0.1, 1.0] for a response text.
func (q *Quality) Confidence(response string) float64 {
	r := strings.ToLower(response)
	c := 0.5
	if len(response) > 100 {
		c += 0.2
	}
	if containsAny(r, specificTerms) {
		c += 0.2
	}
	if containsAny(r, escalationTerms) {
		c -= 0.3
	}
	return clamp(c, 0.1, 1.0)
}

// Run implements stage.Tool.
func (q *Quality) Run(ctx context.Context, in stage.Input, _ map[string]string) (stage.Output, error) {
	text := knowledgeAnswer(in)
	if text == "" {
		var err error
		if text, err = payloadText(ctx, in); err != nil {
			return stage.Output{}, err
		}
	}

	conf := q.Confidence(text)
	out := stage.Output{SubScore: score(float64(int(conf*100 + 0.5)))}
	if conf < 0.5 {
		out.Findings = append(out.Findings, models.Finding{
			Kind: "quality", Severity: models.SeverityWarning, Category: "confidence",
			Description: fmt.Sprintf("low response confidence %.2f", conf),
		})
	}
	return out, nil
}

func knowledgeAnswer(in stage.Input) string {
	r, ok := in.Prior["knowledge"]
	if !ok || r == nil || r.Outcome != models.OutcomeSuccess {
		return ""
	}
	for _, f := range r.Findings["knowledge"] {
		if f.Severity == models.SeverityInfo {
			return f.Description
		}
	}
	return ""
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
