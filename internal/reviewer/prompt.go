package reviewer

import (
	"fmt"
	"strings"

	"github.com/mergelint/mergelint/internal/models"
)

// TruncationMarker is appended when a diff is cut to fit the prompt budget.
const TruncationMarker = "... (diff truncated)"

const systemPrompt = `You are an expert code reviewer. You review pull request diffs and produce structured findings.

Rules:
1. Only review the changes shown in the diff. Do not comment on unchanged code.
2. Focus on bugs, security issues and performance problems. Mention style only when it significantly hurts readability.
3. Be concise and actionable. Every issue should include a concrete suggested fix when possible.
4. Rate severity as "critical", "high", "medium" or "low".
5. Categorize each issue as one of: bug, security, performance, style, maintainability.
6. Score overall quality from 0 (unacceptable) to 100 (excellent).

You MUST respond with ONLY a JSON object. No markdown, no explanation, no preamble.

The object must have this exact structure:
{
  "summary": "One paragraph overview of the change and its quality",
  "quality_score": 0-100,
  "issues": [
    {
      "type": "bug|security|performance|style|maintainability",
      "severity": "critical|high|medium|low",
      "file": "relative/file/path",
      "line": 1,
      "title": "Short descriptive title",
      "description": "What is wrong and why it matters",
      "suggestion": "How to fix it"
    }
  ],
  "suggestions": ["General improvement suggestions"],
  "highlights": ["Things done well in this change"]
}

If there are no issues, use an empty issues array.`

// SystemPrompt returns the fixed review instruction sent as the system block.
func SystemPrompt() string {
	return systemPrompt
}

// PullRequest carries the PR metadata fed into prompt assembly.
type PullRequest struct {
	Number       int
	Title        string
	Body         string
	BaseRef      string
	HeadRef      string
	DiffURL      string
	ChangedFiles int
	Additions    int
	Deletions    int
}

// BuildUserPrompt assembles the user prompt from PR metadata, enabled custom
// rules and the diff, truncated to maxDiffChars.
func BuildUserPrompt(pr PullRequest, rules []models.Rule, diff string, maxDiffChars int) string {
	var b strings.Builder

	b.WriteString("Review the following pull request.\n\n")

	if pr.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", pr.Title)
	}
	if pr.Body != "" {
		fmt.Fprintf(&b, "Description: %s\n", pr.Body)
	}
	if pr.BaseRef != "" || pr.HeadRef != "" {
		fmt.Fprintf(&b, "Branch: %s -> %s\n", pr.HeadRef, pr.BaseRef)
	}
	if pr.ChangedFiles > 0 {
		fmt.Fprintf(&b, "Changed files: %d (+%d/-%d)\n", pr.ChangedFiles, pr.Additions, pr.Deletions)
	}

	if len(rules) > 0 {
		b.WriteString("\nProject-specific review rules to enforce:\n")
		for _, rule := range rules {
			fmt.Fprintf(&b, "- %s", rule.Name)
			if rule.Description != "" {
				fmt.Fprintf(&b, ": %s", rule.Description)
			}
			if rule.Severity != "" {
				fmt.Fprintf(&b, " (severity: %s)", rule.Severity)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\nDiff:\n")
	b.WriteString(TruncateDiff(diff, maxDiffChars))

	return b.String()
}

// TruncateDiff cuts a diff to at most limit characters, always at a line
// boundary, and appends the truncation marker. Diffs within the budget are
// returned unchanged.
func TruncateDiff(diff string, limit int) string {
	if limit <= 0 || len(diff) <= limit {
		return diff
	}

	cut := strings.LastIndexByte(diff[:limit], '\n')
	if cut < 0 {
		// A single line longer than the whole budget; keep nothing rather
		// than feed the model a line cut mid-token.
		return TruncationMarker
	}

	return diff[:cut] + "\n" + TruncationMarker
}
