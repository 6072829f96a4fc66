// repository/repository.go
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mergelint/mergelint/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ---- repositories ----

// CreateRepository registers a tracked repository. full_name is unique;
// a second registration returns ErrAlreadyExists.
func (r *Repository) CreateRepository(ctx context.Context, repo *models.Repository) (*models.Repository, error) {
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	if repo.Provider == "" {
		repo.Provider = "github"
	}
	repo.FullName = repo.Owner + "/" + repo.Name

	query := `
        INSERT INTO repositories
            (id, user_id, owner, name, full_name, provider, access_token,
             webhook_secret, auto_review, post_comments, log_push_events)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING created_at, updated_at
    `
	err := r.pool.QueryRow(ctx, query,
		repo.ID, repo.UserID, repo.Owner, repo.Name, repo.FullName, repo.Provider,
		repo.AccessToken, repo.WebhookSecret, repo.AutoReview, repo.PostComments,
		repo.LogPushEvents,
	).Scan(&repo.CreatedAt, &repo.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create repository: %w", err)
	}

	return repo, nil
}

const repositoryColumns = `
    id, user_id, owner, name, full_name, provider, access_token,
    webhook_secret, auto_review, post_comments, log_push_events,
    created_at, updated_at
`

func scanRepository(row pgx.Row) (*models.Repository, error) {
	var repo models.Repository
	err := row.Scan(
		&repo.ID, &repo.UserID, &repo.Owner, &repo.Name, &repo.FullName,
		&repo.Provider, &repo.AccessToken, &repo.WebhookSecret,
		&repo.AutoReview, &repo.PostComments, &repo.LogPushEvents,
		&repo.CreatedAt, &repo.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan repository: %w", err)
	}
	return &repo, nil
}

// GetRepositoryByFullName looks up a registration by "owner/name".
func (r *Repository) GetRepositoryByFullName(ctx context.Context, fullName string) (*models.Repository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM repositories WHERE full_name = $1`
	return scanRepository(r.pool.QueryRow(ctx, query, fullName))
}

// GetRepository looks up a registration by id, scoped to its owner.
func (r *Repository) GetRepository(ctx context.Context, id, userID string) (*models.Repository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM repositories WHERE id = $1 AND user_id = $2`
	return scanRepository(r.pool.QueryRow(ctx, query, id, userID))
}

// ListRepositories returns all registrations owned by a user.
func (r *Repository) ListRepositories(ctx context.Context, userID string) ([]models.Repository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM repositories WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var repos []models.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *repo)
	}

	return repos, rows.Err()
}

// UpdateRepository updates the mutable settings of a registration.
func (r *Repository) UpdateRepository(ctx context.Context, repo *models.Repository) (*models.Repository, error) {
	query := `
        UPDATE repositories
        SET access_token = $1, webhook_secret = $2, auto_review = $3,
            post_comments = $4, log_push_events = $5, updated_at = NOW()
        WHERE id = $6 AND user_id = $7
        RETURNING ` + repositoryColumns
	return scanRepository(r.pool.QueryRow(ctx, query,
		repo.AccessToken, repo.WebhookSecret, repo.AutoReview, repo.PostComments,
		repo.LogPushEvents, repo.ID, repo.UserID,
	))
}

// DeleteRepository removes a registration. Reviews and repository-scoped
// rules cascade at the schema level.
func (r *Repository) DeleteRepository(ctx context.Context, id, userID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM repositories WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete repository: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- reviews ----

// GetReviewByPR fetches the review record for a (repository, PR) pair.
// Returns (nil, nil) when none exists.
func (r *Repository) GetReviewByPR(ctx context.Context, repositoryID string, prNumber int) (*models.Review, error) {
	query := reviewSelect + ` WHERE repository_id = $1 AND pr_number = $2`
	review, err := scanReview(r.pool.QueryRow(ctx, query, repositoryID, prNumber))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return review, err
}

// StartAnalyzing writes (or resets) the analyzing record for a PR before
// the model call. Upsert-by-PR-number: a concurrent delivery resolves
// last-write-wins, and the existing record id is reused.
func (r *Repository) StartAnalyzing(ctx context.Context, review *models.Review) (*models.Review, error) {
	query := `
        INSERT INTO reviews (id, repository_id, user_id, pr_number, pr_title, status)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (repository_id, pr_number)
            WHERE repository_id IS NOT NULL AND pr_number > 0 DO UPDATE
        SET status = excluded.status, pr_title = excluded.pr_title,
            quality_score = 0, summary = '', error_message = '',
            issues = '[]', suggestions = '[]', highlights = '[]',
            metrics = '{}', completed_at = NULL
        RETURNING id, created_at
    `
	err := r.pool.QueryRow(ctx, query,
		review.ID, review.RepositoryID, review.UserID, review.PRNumber,
		review.PRTitle, models.StatusAnalyzing,
	).Scan(&review.ID, &review.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert analyzing review: %w", err)
	}

	review.Status = models.StatusAnalyzing
	return review, nil
}

// CompleteReview moves a review to its terminal completed status with the
// normalized result and derived metrics.
func (r *Repository) CompleteReview(ctx context.Context, reviewID string, result models.ReviewResult) error {
	issues, suggestions, highlights, metrics, err := marshalResult(result)
	if err != nil {
		return err
	}

	query := `
        UPDATE reviews
        SET status = $1, quality_score = $2, summary = $3, issues = $4,
            suggestions = $5, highlights = $6, metrics = $7,
            error_message = '', completed_at = NOW()
        WHERE id = $8
    `
	tag, err := r.pool.Exec(ctx, query,
		models.StatusCompleted, result.QualityScore, result.Summary,
		issues, suggestions, highlights, metrics, reviewID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailReview moves a review to its terminal failed status, keeping the
// upstream error message verbatim.
func (r *Repository) FailReview(ctx context.Context, reviewID, errorMessage string) error {
	query := `
        UPDATE reviews
        SET status = $1, error_message = $2, completed_at = NOW()
        WHERE id = $3
    `
	tag, err := r.pool.Exec(ctx, query, models.StatusFailed, errorMessage, reviewID)
	if err != nil {
		return fmt.Errorf("failed to fail review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveReview inserts a complete review record (direct API path; no
// repository registration required).
func (r *Repository) SaveReview(ctx context.Context, review *models.Review) error {
	issues, suggestions, highlights, metrics, err := marshalResult(models.ReviewResult{
		Issues:      review.Issues,
		Suggestions: review.Suggestions,
		Highlights:  review.Highlights,
		Metrics:     review.Metrics,
	})
	if err != nil {
		return err
	}

	var repositoryID *string
	if review.RepositoryID != "" {
		repositoryID = &review.RepositoryID
	}

	query := `
        INSERT INTO reviews
            (id, repository_id, user_id, pr_number, pr_title, status,
             quality_score, summary, issues, suggestions, highlights, metrics,
             completed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
    `
	_, err = r.pool.Exec(ctx, query,
		review.ID, repositoryID, review.UserID, review.PRNumber, review.PRTitle,
		review.Status, review.QualityScore, review.Summary,
		issues, suggestions, highlights, metrics,
	)
	if err != nil {
		return fmt.Errorf("failed to save review: %w", err)
	}
	return nil
}

const reviewSelect = `
    SELECT id, repository_id, user_id, pr_number, pr_title, status,
           quality_score, summary, issues, suggestions, highlights, metrics,
           error_message, created_at, completed_at
    FROM reviews
`

func scanReview(row pgx.Row) (*models.Review, error) {
	var (
		review       models.Review
		repositoryID *string
		issues       []byte
		suggestions  []byte
		highlights   []byte
		metrics      []byte
	)
	err := row.Scan(
		&review.ID, &repositoryID, &review.UserID, &review.PRNumber,
		&review.PRTitle, &review.Status, &review.QualityScore, &review.Summary,
		&issues, &suggestions, &highlights, &metrics,
		&review.ErrorMessage, &review.CreatedAt, &review.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan review: %w", err)
	}

	if repositoryID != nil {
		review.RepositoryID = *repositoryID
	}
	if err := unmarshalReviewLists(&review, issues, suggestions, highlights, metrics); err != nil {
		return nil, err
	}

	return &review, nil
}

// GetReview fetches a single review by id, scoped to its owner.
func (r *Repository) GetReview(ctx context.Context, id, userID string) (*models.Review, error) {
	query := reviewSelect + ` WHERE id = $1 AND user_id = $2`
	return scanReview(r.pool.QueryRow(ctx, query, id, userID))
}

// ListReviews returns a user's reviews, newest first, optionally filtered
// by repository, with limit/offset pagination.
func (r *Repository) ListReviews(ctx context.Context, userID, repositoryID string, limit, offset int) ([]models.Review, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	query := reviewSelect + ` WHERE user_id = $1`
	args := []interface{}{userID}
	if repositoryID != "" {
		query += ` AND repository_id = $2`
		args = append(args, repositoryID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []models.Review
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, *review)
	}

	return reviews, rows.Err()
}

func marshalResult(result models.ReviewResult) (issues, suggestions, highlights, metrics []byte, err error) {
	if result.Issues == nil {
		result.Issues = []models.Issue{}
	}
	if result.Suggestions == nil {
		result.Suggestions = []string{}
	}
	if result.Highlights == nil {
		result.Highlights = []string{}
	}

	if issues, err = json.Marshal(result.Issues); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal issues: %w", err)
	}
	if suggestions, err = json.Marshal(result.Suggestions); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal suggestions: %w", err)
	}
	if highlights, err = json.Marshal(result.Highlights); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal highlights: %w", err)
	}
	if metrics, err = json.Marshal(result.Metrics); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	return issues, suggestions, highlights, metrics, nil
}

func unmarshalReviewLists(review *models.Review, issues, suggestions, highlights, metrics []byte) error {
	if len(issues) > 0 {
		if err := json.Unmarshal(issues, &review.Issues); err != nil {
			return fmt.Errorf("failed to unmarshal issues: %w", err)
		}
	}
	if len(suggestions) > 0 {
		if err := json.Unmarshal(suggestions, &review.Suggestions); err != nil {
			return fmt.Errorf("failed to unmarshal suggestions: %w", err)
		}
	}
	if len(highlights) > 0 {
		if err := json.Unmarshal(highlights, &review.Highlights); err != nil {
			return fmt.Errorf("failed to unmarshal highlights: %w", err)
		}
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &review.Metrics); err != nil {
			return fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
	}
	return nil
}

// ---- rules ----

// CreateRule stores a user-defined review rule.
func (r *Repository) CreateRule(ctx context.Context, rule *models.Rule) (*models.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	var repositoryID *string
	if rule.RepositoryID != "" {
		repositoryID = &rule.RepositoryID
	}

	query := `
        INSERT INTO rules
            (id, user_id, repository_id, name, description, category,
             severity, pattern, enabled)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING created_at, updated_at
    `
	err := r.pool.QueryRow(ctx, query,
		rule.ID, rule.UserID, repositoryID, rule.Name, rule.Description,
		rule.Category, rule.Severity, rule.Pattern, rule.Enabled,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	return rule, nil
}

const ruleColumns = `
    id, user_id, COALESCE(repository_id::text, ''), name, description,
    category, severity, pattern, enabled, created_at, updated_at
`

func scanRule(row pgx.Row) (*models.Rule, error) {
	var rule models.Rule
	err := row.Scan(
		&rule.ID, &rule.UserID, &rule.RepositoryID, &rule.Name,
		&rule.Description, &rule.Category, &rule.Severity, &rule.Pattern,
		&rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}
	return &rule, nil
}

// ListRules returns all rules owned by a user, optionally filtered by
// repository scope.
func (r *Repository) ListRules(ctx context.Context, userID, repositoryID string) ([]models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE user_id = $1`
	args := []interface{}{userID}
	if repositoryID != "" {
		query += ` AND (repository_id IS NULL OR repository_id = $2)`
		args = append(args, repositoryID)
	}
	query += ` ORDER BY created_at DESC`

	return r.queryRules(ctx, query, args...)
}

// ListEnabledRules returns the enabled rules fed into prompt assembly:
// a user's global rules plus rules scoped to the given repository.
func (r *Repository) ListEnabledRules(ctx context.Context, userID, repositoryID string) ([]models.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE user_id = $1 AND enabled = true`
	args := []interface{}{userID}
	if repositoryID != "" {
		query += ` AND (repository_id IS NULL OR repository_id = $2)`
		args = append(args, repositoryID)
	} else {
		query += ` AND repository_id IS NULL`
	}
	query += ` ORDER BY created_at`

	return r.queryRules(ctx, query, args...)
}

func (r *Repository) queryRules(ctx context.Context, query string, args ...interface{}) ([]models.Rule, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}

	return rules, rows.Err()
}

// UpdateRule updates a rule's definition, scoped to its owner.
func (r *Repository) UpdateRule(ctx context.Context, rule *models.Rule) (*models.Rule, error) {
	query := `
        UPDATE rules
        SET name = $1, description = $2, category = $3, severity = $4,
            pattern = $5, enabled = $6, updated_at = NOW()
        WHERE id = $7 AND user_id = $8
        RETURNING ` + ruleColumns
	return scanRule(r.pool.QueryRow(ctx, query,
		rule.Name, rule.Description, rule.Category, rule.Severity,
		rule.Pattern, rule.Enabled, rule.ID, rule.UserID,
	))
}

// SetRuleEnabled toggles a rule without touching its definition.
func (r *Repository) SetRuleEnabled(ctx context.Context, id, userID string, enabled bool) (*models.Rule, error) {
	query := `
        UPDATE rules
        SET enabled = $1, updated_at = NOW()
        WHERE id = $2 AND user_id = $3
        RETURNING ` + ruleColumns
	return scanRule(r.pool.QueryRow(ctx, query, enabled, id, userID))
}

// DeleteRule removes a rule, scoped to its owner.
func (r *Repository) DeleteRule(ctx context.Context, id, userID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
