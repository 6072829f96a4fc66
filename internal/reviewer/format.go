package reviewer

import (
	"fmt"
	"strings"

	"github.com/mergelint/mergelint/internal/models"
)

// Review dispositions, matching the GitHub review API event names.
const (
	DispositionApprove        = "APPROVE"
	DispositionComment        = "COMMENT"
	DispositionRequestChanges = "REQUEST_CHANGES"
)

// approveScoreThreshold is the minimum score for an approve disposition
// when no blocking issues are present.
const approveScoreThreshold = 80

var severityEmoji = map[string]string{
	models.SeverityCritical: "🔴",
	models.SeverityHigh:     "🟠",
	models.SeverityMedium:   "🟡",
	models.SeverityLow:      "🔵",
}

var severityOrder = []string{
	models.SeverityCritical,
	models.SeverityHigh,
	models.SeverityMedium,
	models.SeverityLow,
}

// Disposition picks the review verdict from issue severities and score:
// any critical issue requests changes, any high severity issue comments,
// a clean review at or above the approve threshold approves, everything
// else comments.
func Disposition(result models.ReviewResult) string {
	if result.Metrics.CriticalCount > 0 {
		return DispositionRequestChanges
	}
	if result.Metrics.HighCount > 0 {
		return DispositionComment
	}
	if result.QualityScore >= approveScoreThreshold {
		return DispositionApprove
	}
	return DispositionComment
}

// FormatMarkdown renders a normalized review as the markdown body posted
// back to the provider, with issues grouped by severity.
func FormatMarkdown(result models.ReviewResult) string {
	var b strings.Builder

	b.WriteString("## Automated Code Review\n\n")
	fmt.Fprintf(&b, "**Quality score:** %d/100\n\n", result.QualityScore)
	b.WriteString(result.Summary)
	b.WriteString("\n")

	if len(result.Issues) > 0 {
		fmt.Fprintf(&b, "\n### Issues (%d)\n", len(result.Issues))
		for _, severity := range severityOrder {
			for _, issue := range result.Issues {
				if issue.Severity != severity {
					continue
				}
				fmt.Fprintf(&b, "\n%s **%s** `%s`", severityEmoji[severity], issue.Title, issue.Type)
				if issue.File != "" {
					fmt.Fprintf(&b, " — `%s`", issue.File)
					if issue.Line > 0 {
						fmt.Fprintf(&b, ":%d", issue.Line)
					}
				}
				b.WriteString("\n")
				if issue.Description != "" {
					fmt.Fprintf(&b, "%s\n", issue.Description)
				}
				if issue.Suggestion != "" {
					fmt.Fprintf(&b, "> Suggested fix: %s\n", issue.Suggestion)
				}
			}
		}
	}

	if len(result.Suggestions) > 0 {
		b.WriteString("\n### Suggestions\n")
		for _, s := range result.Suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	if len(result.Highlights) > 0 {
		b.WriteString("\n### Highlights\n")
		for _, h := range result.Highlights {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}

	return b.String()
}
