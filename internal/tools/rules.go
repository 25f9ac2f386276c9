package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/joescharf/gauntlet/internal/models"
	"github.com/joescharf/gauntlet/internal/stage"
)

// Rule matches a pattern line by line. An Absent rule instead reports a
// finding when the pattern matches nowhere in the content.
type Rule struct {
	ID          string
	Kind        string
	Severity    models.Severity
	Category    string
	Pattern     *regexp.Regexp
	Absent      bool
	Description string
	Remediation string
}

// penalties subtracted from 100 per finding.
var penalties = map[models.Severity]float64{
	models.SeverityInfo:     0,
	models.SeverityWarning:  5,
	models.SeverityError:    15,
	models.SeverityCritical: 40,
}

// maxFindingsPerRule caps noisy line rules.
const maxFindingsPerRule = 25

var defaultRulesets = map[string][]Rule{
	"security": {
		{
			ID: "private-key", Kind: "security", Severity: models.SeverityCritical, Category: "secrets",
			Pattern:     regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
			Description: "private key material committed",
			Remediation: "remove the key and rotate it",
		},
		{
			ID: "aws-access-key", Kind: "security", Severity: models.SeverityCritical, Category: "secrets",
			Pattern:     regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
			Description: "AWS access key id",
			Remediation: "revoke the key and load credentials from the environment",
		},
		{
			ID: "hardcoded-secret", Kind: "security", Severity: models.SeverityError, Category: "secrets",
			Pattern:     regexp.MustCompile(`(?i)(api[_-]?key|secret|password|passwd|token)\s*[:=]\s*["'][^"'\s]{8,}["']`),
			Description: "hardcoded credential",
			Remediation: "read the value from configuration or a secret store",
		},
		{
			ID: "insecure-tls", Kind: "security", Severity: models.SeverityWarning, Category: "transport",
			Pattern:     regexp.MustCompile(`InsecureSkipVerify:\s*true`),
			Description: "TLS certificate verification disabled",
		},
	},
	"lint": {
		{
			ID: "long-line", Kind: "style", Severity: models.SeverityInfo, Category: "formatting",
			Pattern:     regexp.MustCompile(`^.{121,}$`),
			Description: "line longer than 120 characters",
		},
		{
			ID: "trailing-whitespace", Kind: "style", Severity: models.SeverityWarning, Category: "formatting",
			Pattern:     regexp.MustCompile(`[ \t]+$`),
			Description: "trailing whitespace",
			Remediation: "strip trailing whitespace",
		},
		{
			ID: "todo-marker", Kind: "maintenance", Severity: models.SeverityInfo, Category: "followup",
			Pattern:     regexp.MustCompile(`\b(TODO|FIXME|XXX)\b`),
			Description: "unresolved marker",
		},
		{
			ID: "conflict-marker", Kind: "correctness", Severity: models.SeverityError, Category: "merge",
			Pattern:     regexp.MustCompile(`^(<<<<<<<|>>>>>>>) `),
			Description: "unresolved merge conflict marker",
			Remediation: "resolve the conflict",
		},
	},
	"docs": {
		{
			ID: "no-heading", Kind: "docs", Severity: models.SeverityWarning, Category: "structure",
			Pattern: regexp.MustCompile(`^#{1,6} \S`), Absent: true,
			Description: "document has no heading",
		},
		{
			ID: "placeholder-text", Kind: "docs", Severity: models.SeverityWarning, Category: "content",
			Pattern:     regexp.MustCompile(`(?i)\b(lorem ipsum|TBD)\b`),
			Description: "placeholder text",
		},
		{
			ID: "empty-link", Kind: "docs", Severity: models.SeverityError, Category: "links",
			Pattern:     regexp.MustCompile(`\]\(\s*\)`),
			Description: "link without a target",
		},
	},
}

// Rules is a regex rule engine over the payload text. The "escalation"
// ruleset is built from configured keywords and emits policy triggers.
type Rules struct {
	rulesets map[string][]Rule
	keywords []*regexp.Regexp
	words    []string
}

// NewRules builds the engine with the default rulesets and the given
// escalation keywords.
func NewRules(keywords []string) *Rules {
	r := &Rules{rulesets: defaultRulesets}
	for _, kw := range keywords {
		kw = strings.TrimSpace(strings.ToLower(kw))
		if kw == "" {
			continue
		}
		r.words = append(r.words, kw)
		r.keywords = append(r.keywords, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(kw)+`\b`))
	}
	return r
}

// Run implements stage.Tool. cfg["ruleset"] selects the ruleset.
func (r *Rules) Run(ctx context.Context, in stage.Input, cfg map[string]string) (stage.Output, error) {
	text, err := payloadText(ctx, in)
	if err != nil {
		return stage.Output{}, err
	}

	name := cfg["ruleset"]
	if name == "escalation" {
		return r.escalation(text), nil
	}
	rules, ok := r.rulesets[name]
	if !ok {
		return stage.Output{}, stage.Invalid(fmt.Errorf("unknown ruleset %q", name))
	}

	lines := strings.Split(text, "\n")
	var findings []models.Finding
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return stage.Output{}, err
		}
		findings = append(findings, applyRule(rule, text, lines)...)
	}
	return stage.Output{Findings: findings, SubScore: score(scoreFindings(findings))}, nil
}

func applyRule(rule Rule, text string, lines []string) []models.Finding {
	if rule.Absent {
		for _, line := range lines {
			if rule.Pattern.MatchString(line) {
				return nil
			}
		}
		return []models.Finding{rule.finding("")}
	}

	var out []models.Finding
	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if !rule.Pattern.MatchString(line) {
			continue
		}
		out = append(out, rule.finding(fmt.Sprintf("line %d", i+1)))
		if len(out) == maxFindingsPerRule {
			break
		}
	}
	return out
}

func (r Rule) finding(location string) models.Finding {
	return models.Finding{
		Kind:        r.Kind,
		Severity:    r.Severity,
		Category:    r.Category,
		Location:    location,
		Description: r.Description + " (" + r.ID + ")",
		Remediation: r.Remediation,
	}
}

func (r *Rules) escalation(text string) stage.Output {
	var out stage.Output
	for i, re := range r.keywords {
		if !re.MatchString(text) {
			continue
		}
		out.Triggers = append(out.Triggers, TriggerKeywordPrefix+r.words[i])
		out.Findings = append(out.Findings, models.Finding{
			Kind:        "escalation",
			Severity:    models.SeverityInfo,
			Category:    "keyword",
			Description: fmt.Sprintf("escalation keyword %q present", r.words[i]),
		})
	}
	out.SubScore = score(scoreFindings(out.Findings))
	return out
}

// scoreFindings returns 100 minus severity penalties, floored at 0.
func scoreFindings(findings []models.Finding) float64 {
	s := 100.0
	for _, f := range findings {
		s -= penalties[f.Severity]
	}
	if s < 0 {
		return 0
	}
	return s
}
