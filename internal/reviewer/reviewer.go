// Package reviewer implements the code review pipeline: prompt assembly,
// model invocation, response normalization, persistence and post-back.
package reviewer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mergelint/mergelint/internal/models"
	"go.uber.org/zap"
)

// Store is the persistence surface the pipeline needs. GetReviewByPR
// returns (nil, nil) when no review exists for the pair.
type Store interface {
	GetReviewByPR(ctx context.Context, repositoryID string, prNumber int) (*models.Review, error)
	StartAnalyzing(ctx context.Context, review *models.Review) (*models.Review, error)
	CompleteReview(ctx context.Context, reviewID string, result models.ReviewResult) error
	FailReview(ctx context.Context, reviewID, errorMessage string) error
	SaveReview(ctx context.Context, review *models.Review) error
	ListEnabledRules(ctx context.Context, userID, repositoryID string) ([]models.Rule, error)
}

// Provider is the source-hosting side of the pipeline: diff retrieval and
// review post-back.
type Provider interface {
	FetchDiff(ctx context.Context, diffURL, token string) (string, error)
	PostReview(ctx context.Context, owner, repo string, prNumber int, token, body, event string) error
}

// ModelClient produces one completion for a system+user prompt pair.
type ModelClient interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Service runs review pipelines. All dependencies are injected; the service
// holds no mutable state of its own, so one instance serves all requests.
type Service struct {
	store        Store
	provider     Provider
	model        ModelClient
	logger       *zap.Logger
	maxDiffChars int
}

// New creates a review pipeline service.
func New(store Store, provider Provider, model ModelClient, logger *zap.Logger, maxDiffChars int) *Service {
	if maxDiffChars <= 0 {
		maxDiffChars = 15000
	}
	return &Service{
		store:        store,
		provider:     provider,
		model:        model,
		logger:       logger,
		maxDiffChars: maxDiffChars,
	}
}

// ReviewPullRequest runs the full webhook pipeline for one PR: duplicate
// suppression, analyzing record, diff fetch, model call, normalization,
// terminal persistence and best-effort post-back.
//
// The duplicate check is advisory (read-then-act, no lock): two
// near-simultaneous deliveries can both pass it, in which case the record
// resolves last-write-wins. Each writer produces a complete record, so the
// race never corrupts state.
func (s *Service) ReviewPullRequest(ctx context.Context, repo *models.Repository, pr PullRequest) (*models.Review, error) {
	existing, err := s.store.GetReviewByPR(ctx, repo.ID, pr.Number)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing review: %w", err)
	}
	if existing != nil && existing.Status == models.StatusAnalyzing {
		s.logger.Info("review already in progress, skipping",
			zap.String("review_id", existing.ID),
			zap.String("repository", repo.FullName),
			zap.Int("pr_number", pr.Number))
		return existing, nil
	}

	review, err := s.store.StartAnalyzing(ctx, &models.Review{
		ID:           uuid.NewString(),
		RepositoryID: repo.ID,
		UserID:       repo.UserID,
		PRNumber:     pr.Number,
		PRTitle:      pr.Title,
		Status:       models.StatusAnalyzing,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start review: %w", err)
	}

	diff, err := s.provider.FetchDiff(ctx, pr.DiffURL, repo.AccessToken)
	if err != nil {
		s.failReview(ctx, review.ID, err)
		return nil, fmt.Errorf("failed to fetch diff: %w", err)
	}

	result, err := s.runModel(ctx, repo.UserID, repo.ID, pr, diff)
	if err != nil {
		s.failReview(ctx, review.ID, err)
		return nil, err
	}

	if err := s.store.CompleteReview(ctx, review.ID, result); err != nil {
		// The computed result is not discarded on a write failure.
		s.logger.Error("failed to persist completed review",
			zap.Error(err), zap.String("review_id", review.ID))
	}

	now := time.Now()
	review.Status = models.StatusCompleted
	review.Summary = result.Summary
	review.QualityScore = result.QualityScore
	review.Issues = result.Issues
	review.Suggestions = result.Suggestions
	review.Highlights = result.Highlights
	review.Metrics = result.Metrics
	review.CompletedAt = &now

	s.postBack(ctx, repo, pr.Number, result)

	return review, nil
}

// DirectRequest is a review submitted through the API with an inline diff.
type DirectRequest struct {
	UserID       string
	RepositoryID string
	PRNumber     int
	PRTitle      string
	Diff         string
}

// ReviewDiff runs the model on an inline diff and persists the result
// best-effort. The second return value reports whether persistence
// succeeded; a write failure never discards the computed review.
func (s *Service) ReviewDiff(ctx context.Context, req DirectRequest) (*models.Review, bool, error) {
	pr := PullRequest{Number: req.PRNumber, Title: req.PRTitle}

	result, err := s.runModel(ctx, req.UserID, req.RepositoryID, pr, req.Diff)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	review := &models.Review{
		ID:           uuid.NewString(),
		RepositoryID: req.RepositoryID,
		UserID:       req.UserID,
		PRNumber:     req.PRNumber,
		PRTitle:      req.PRTitle,
		Status:       models.StatusCompleted,
		QualityScore: result.QualityScore,
		Summary:      result.Summary,
		Issues:       result.Issues,
		Suggestions:  result.Suggestions,
		Highlights:   result.Highlights,
		Metrics:      result.Metrics,
		CreatedAt:    now,
		CompletedAt:  &now,
	}

	saved := true
	if err := s.store.SaveReview(ctx, review); err != nil {
		s.logger.Error("failed to save direct review",
			zap.Error(err), zap.String("review_id", review.ID))
		saved = false
	}

	return review, saved, nil
}

// runModel assembles the prompt, calls the model once and normalizes the
// reply. Model failures propagate; malformed output does not.
func (s *Service) runModel(ctx context.Context, userID, repositoryID string, pr PullRequest, diff string) (models.ReviewResult, error) {
	rules, err := s.store.ListEnabledRules(ctx, userID, repositoryID)
	if err != nil {
		// Rules are an optional prompt input; a load failure must not kill
		// the review.
		s.logger.Warn("failed to load review rules", zap.Error(err))
		rules = nil
	}

	userPrompt := BuildUserPrompt(pr, rules, diff, s.maxDiffChars)

	raw, err := s.model.Complete(ctx, SystemPrompt(), userPrompt)
	if err != nil {
		return models.ReviewResult{}, fmt.Errorf("model call failed: %w", err)
	}

	return ParseResponse(raw), nil
}

// failReview records a terminal failure with the upstream error retained
// verbatim.
func (s *Service) failReview(ctx context.Context, reviewID string, cause error) {
	if err := s.store.FailReview(ctx, reviewID, cause.Error()); err != nil {
		s.logger.Error("failed to mark review as failed",
			zap.Error(err), zap.String("review_id", reviewID))
	}
}

// postBack posts the formatted review to the provider. Best-effort: a
// posting failure is logged and never rolls back the persisted review.
func (s *Service) postBack(ctx context.Context, repo *models.Repository, prNumber int, result models.ReviewResult) {
	if repo.AccessToken == "" || !repo.PostComments {
		return
	}

	body := FormatMarkdown(result)
	event := Disposition(result)

	if err := s.provider.PostReview(ctx, repo.Owner, repo.Name, prNumber, repo.AccessToken, body, event); err != nil {
		s.logger.Error("failed to post review comment",
			zap.Error(err),
			zap.String("repository", repo.FullName),
			zap.Int("pr_number", prNumber))
		return
	}

	s.logger.Info("review posted to provider",
		zap.String("repository", repo.FullName),
		zap.Int("pr_number", prNumber),
		zap.String("disposition", event))
}
