package llm

import (
	"errors"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildReviewPrompt(t *testing.T) {
	t.Run("with all fields", func(t *testing.T) {
		system, user := buildReviewPrompt(ReviewRequest{
			JobType:  "review",
			Focus:    "correctness",
			Ref:      "pr-42",
			Content:  "func main() {}",
			Metadata: map[string]string{"repo": "gauntlet", "author": "dev"},
		})

		assert.Contains(t, system, "JSON object")
		assert.Contains(t, system, `"score"`)
		assert.Contains(t, system, `"findings"`)
		assert.Contains(t, system, `"critical"`)

		assert.Contains(t, user, "Job type: review")
		assert.Contains(t, user, "Review focus: correctness")
		assert.Contains(t, user, "Reference: pr-42")
		assert.Contains(t, user, "func main() {}")
		assert.Less(t, strings.Index(user, "author:"), strings.Index(user, "repo:"), "metadata is sorted")
	})

	t.Run("minimal", func(t *testing.T) {
		_, user := buildReviewPrompt(ReviewRequest{JobType: "document", Content: "hello"})
		assert.NotContains(t, user, "Review focus")
		assert.NotContains(t, user, "Reference")
		assert.Contains(t, user, "hello")
	})
}

func TestBuildReviewPromptContent(t *testing.T) {
	content := strings.Repeat("x", 10000)
	_, user := buildReviewPrompt(ReviewRequest{Content: content})
	assert.Contains(t, user, content)
}

func TestParseReview(t *testing.T) {
	t.Run("plain JSON", func(t *testing.T) {
		res, err := parseReview(`{"score": 72, "summary": "ok", "findings": [{"kind":"bug","severity":"error","description":"off by one"}], "escalate": false}`)
		require.NoError(t, err)
		assert.Equal(t, 72.0, res.Score)
		require.Len(t, res.Findings, 1)
		assert.Equal(t, "error", res.Findings[0].Severity)
	})

	t.Run("fenced JSON", func(t *testing.T) {
		res, err := parseReview("```json\n{\"score\": 90, \"findings\": []}\n```")
		require.NoError(t, err)
		assert.Equal(t, 90.0, res.Score)
		assert.Empty(t, res.Findings)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := parseReview("looks good to me")
		assert.Error(t, err)
	})

	t.Run("score out of range", func(t *testing.T) {
		_, err := parseReview(`{"score": 140}`)
		assert.Error(t, err)
	})
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&anthropic.Error{StatusCode: 429}))
	assert.True(t, IsTransient(&anthropic.Error{StatusCode: 529}))
	assert.True(t, IsTransient(&anthropic.Error{StatusCode: 500}))
	assert.False(t, IsTransient(&anthropic.Error{StatusCode: 400}))
	assert.False(t, IsTransient(errors.New("dial tcp: refused")))
}
