// models/models.go
package models

import "time"

// Review lifecycle statuses. Status is monotonic: once a review reaches
// StatusCompleted or StatusFailed it is never moved back to StatusAnalyzing.
const (
	StatusPending   = "pending"
	StatusAnalyzing = "analyzing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Issue severities, from most to least severe.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Issue types.
const (
	IssueTypeBug             = "bug"
	IssueTypeSecurity        = "security"
	IssueTypePerformance     = "performance"
	IssueTypeStyle           = "style"
	IssueTypeMaintainability = "maintainability"
)

// Repository represents a tracked source repository registration.
type Repository struct {
	ID            string    `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	Owner         string    `json:"owner" db:"owner"`
	Name          string    `json:"name" db:"name"`
	FullName      string    `json:"full_name" db:"full_name"`
	Provider      string    `json:"provider" db:"provider"`
	AccessToken   string    `json:"-" db:"access_token"`
	WebhookSecret string    `json:"-" db:"webhook_secret"`
	AutoReview    bool      `json:"auto_review" db:"auto_review"`
	PostComments  bool      `json:"post_comments" db:"post_comments"`
	LogPushEvents bool      `json:"log_push_events" db:"log_push_events"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Issue is a single structured finding about a diff. It has no identity of
// its own and exists only inside a review's issue list.
type Issue struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	File        string `json:"file,omitempty"`
	Line        int    `json:"line,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// Metrics holds counts derived from a review's issue list.
type Metrics struct {
	CriticalCount        int  `json:"critical_count"`
	HighCount            int  `json:"high_count"`
	MediumCount          int  `json:"medium_count"`
	LowCount             int  `json:"low_count"`
	BugCount             int  `json:"bug_count"`
	SecurityCount        int  `json:"security_count"`
	PerformanceCount     int  `json:"performance_count"`
	StyleCount           int  `json:"style_count"`
	MaintainabilityCount int  `json:"maintainability_count"`
	NeedsAttention       bool `json:"needs_attention"`
}

// ReviewResult is the normalized output of one model call. The parser
// guarantees a schema-valid result even for malformed model output.
type ReviewResult struct {
	Summary      string   `json:"summary"`
	QualityScore int      `json:"quality_score"`
	Issues       []Issue  `json:"issues"`
	Suggestions  []string `json:"suggestions"`
	Highlights   []string `json:"highlights"`
	Metrics      Metrics  `json:"metrics"`
}

// Review is one review attempt for a (repository, PR number) pair or a
// direct API submission.
type Review struct {
	ID           string     `json:"id" db:"id"`
	RepositoryID string     `json:"repository_id,omitempty" db:"repository_id"`
	UserID       string     `json:"user_id" db:"user_id"`
	PRNumber     int        `json:"pr_number,omitempty" db:"pr_number"`
	PRTitle      string     `json:"pr_title,omitempty" db:"pr_title"`
	Status       string     `json:"status" db:"status"`
	QualityScore int        `json:"quality_score" db:"quality_score"`
	Summary      string     `json:"summary" db:"summary"`
	Issues       []Issue    `json:"issues" db:"-"`
	Suggestions  []string   `json:"suggestions" db:"-"`
	Highlights   []string   `json:"highlights" db:"-"`
	Metrics      Metrics    `json:"metrics" db:"-"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Rule is a user-defined review policy fed into prompt assembly. The review
// pipeline reads rules but never mutates them.
type Rule struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	RepositoryID string    `json:"repository_id,omitempty" db:"repository_id"`
	Name         string    `json:"name" db:"name"`
	Description  string    `json:"description" db:"description"`
	Category     string    `json:"category" db:"category"`
	Severity     string    `json:"severity" db:"severity"`
	Pattern      string    `json:"pattern,omitempty" db:"pattern"`
	Enabled      bool      `json:"enabled" db:"enabled"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// ValidSeverity reports whether s is one of the closed severity values.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// ValidIssueType reports whether t is one of the closed issue type values.
func ValidIssueType(t string) bool {
	switch t {
	case IssueTypeBug, IssueTypeSecurity, IssueTypePerformance, IssueTypeStyle, IssueTypeMaintainability:
		return true
	}
	return false
}

// ComputeMetrics derives severity and type counts from the issue list.
// NeedsAttention is set when any critical or high severity issue is present.
func ComputeMetrics(issues []Issue) Metrics {
	var m Metrics
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical:
			m.CriticalCount++
		case SeverityHigh:
			m.HighCount++
		case SeverityMedium:
			m.MediumCount++
		case SeverityLow:
			m.LowCount++
		}
		switch issue.Type {
		case IssueTypeBug:
			m.BugCount++
		case IssueTypeSecurity:
			m.SecurityCount++
		case IssueTypePerformance:
			m.PerformanceCount++
		case IssueTypeStyle:
			m.StyleCount++
		case IssueTypeMaintainability:
			m.MaintainabilityCount++
		}
	}
	m.NeedsAttention = m.CriticalCount > 0 || m.HighCount > 0
	return m
}
