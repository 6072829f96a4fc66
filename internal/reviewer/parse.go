package reviewer

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/mergelint/mergelint/internal/models"
)

// The model is instructed to emit only JSON, but replies are routinely
// wrapped in markdown code fences or surrounded by prose. Extraction is
// attempted in order: fenced block, first-{ to last-} span, raw text.
var codeFenceRegex = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

const (
	fallbackSummary    = "Automated review completed; the model response could not be fully parsed."
	fallbackScore      = 50
	maxFallbackSummary = 500
)

// rawReview mirrors the instructed output schema with tolerant field types,
// so one malformed field never sinks the whole object.
type rawReview struct {
	Summary      json.RawMessage `json:"summary"`
	QualityScore json.RawMessage `json:"quality_score"`
	Issues       json.RawMessage `json:"issues"`
	Suggestions  json.RawMessage `json:"suggestions"`
	Highlights   json.RawMessage `json:"highlights"`
}

// ParseResponse extracts and normalizes a review result from raw model
// output. It never fails: unparsable output degrades to a schema-valid
// fallback with the raw text as summary.
func ParseResponse(raw string) models.ReviewResult {
	span, ok := extractJSON(raw)
	if !ok {
		return degradedResult(raw)
	}

	var parsed rawReview
	if err := json.Unmarshal([]byte(span), &parsed); err != nil {
		return degradedResult(raw)
	}

	result := models.ReviewResult{
		Summary:      decodeString(parsed.Summary, fallbackSummary),
		QualityScore: ClampScore(decodeScore(parsed.QualityScore, fallbackScore)),
		Issues:       decodeIssues(parsed.Issues),
		Suggestions:  decodeStrings(parsed.Suggestions),
		Highlights:   decodeStrings(parsed.Highlights),
	}
	result.Metrics = models.ComputeMetrics(result.Issues)

	return result
}

// extractJSON finds the JSON object span inside free text: fenced code
// block first, then the outermost brace span.
func extractJSON(raw string) (string, bool) {
	text := strings.TrimSpace(raw)

	if m := codeFenceRegex.FindStringSubmatch(text); m != nil {
		fenced := strings.TrimSpace(m[1])
		if fenced != "" {
			text = fenced
		}
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}

	return text[start : end+1], true
}

func degradedResult(raw string) models.ReviewResult {
	summary := strings.TrimSpace(raw)
	if len(summary) > maxFallbackSummary {
		summary = summary[:maxFallbackSummary]
	}
	if summary == "" {
		summary = fallbackSummary
	}
	return models.ReviewResult{
		Summary:      summary,
		QualityScore: fallbackScore,
		Issues:       []models.Issue{},
		Suggestions:  []string{},
		Highlights:   []string{},
		Metrics:      models.ComputeMetrics(nil),
	}
}

// ClampScore bounds a quality score into [0, 100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func decodeString(raw json.RawMessage, fallback string) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func decodeScore(raw json.RawMessage, fallback int) int {
	// Models emit scores as integers, floats and occasionally quoted strings.
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &f); err == nil {
			return int(f)
		}
	}
	return fallback
}

func decodeStrings(raw json.RawMessage) []string {
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return []string{}
	}
	return items
}

// decodeIssues coerces the issues list into the closed enumerations.
// Out-of-enum severity and type values are defaulted, never rejected.
func decodeIssues(raw json.RawMessage) []models.Issue {
	var issues []models.Issue
	if err := json.Unmarshal(raw, &issues); err != nil || issues == nil {
		return []models.Issue{}
	}

	normalized := make([]models.Issue, 0, len(issues))
	for _, issue := range issues {
		issue.Severity = strings.ToLower(strings.TrimSpace(issue.Severity))
		issue.Type = strings.ToLower(strings.TrimSpace(issue.Type))
		if !models.ValidSeverity(issue.Severity) {
			issue.Severity = models.SeverityMedium
		}
		if !models.ValidIssueType(issue.Type) {
			issue.Type = models.IssueTypeMaintainability
		}
		if issue.Title == "" && issue.Description == "" {
			continue
		}
		normalized = append(normalized, issue)
	}

	return normalized
}
