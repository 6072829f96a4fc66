package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mergelint/mergelint/internal/github"
	"github.com/mergelint/mergelint/internal/models"
	"github.com/mergelint/mergelint/internal/repository"
	"github.com/mergelint/mergelint/internal/reviewer"
	"go.uber.org/zap"
)

// HandleGitHubWebhook receives signed GitHub events and dispatches them.
// Unregistered repositories are acknowledged with 200 so the provider does
// not retry; only a signature mismatch is rejected.
func (h *Handler) HandleGitHubWebhook(c echo.Context) error {
	eventType := c.Request().Header.Get(github.HeaderEvent)
	deliveryID := c.Request().Header.Get(github.HeaderDelivery)

	h.logger.Info("webhook: delivery received",
		zap.String("event", eventType),
		zap.String("delivery_id", deliveryID))

	// The raw body is needed for signature verification before any decode.
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		h.logger.Error("webhook: failed to read body", zap.Error(err))
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "failed to read request body"))
	}

	var event github.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("webhook: failed to parse payload", zap.Error(err), zap.String("delivery_id", deliveryID))
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "invalid webhook payload"))
	}

	if event.Repository.FullName == "" {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "missing repository identity"))
	}

	repo, err := h.store.GetRepositoryByFullName(c.Request().Context(), event.Repository.FullName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Not an error: the sender is just not registered with us.
			h.logger.Info("webhook: repository not registered",
				zap.String("repository", event.Repository.FullName))
			return c.JSON(http.StatusOK, map[string]string{"message": "repository not registered"})
		}
		h.logger.Error("webhook: failed to look up repository", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, "failed to look up repository"))
	}

	if repo.WebhookSecret != "" {
		signature := c.Request().Header.Get(github.HeaderSignature)
		if !github.VerifySignature(body, signature, repo.WebhookSecret) {
			h.logger.Warn("webhook: signature mismatch",
				zap.String("repository", repo.FullName),
				zap.String("delivery_id", deliveryID))
			return c.JSON(http.StatusUnauthorized, newErrorResponse(ErrCodeSignatureInvalid, "invalid webhook signature"))
		}
	}

	switch eventType {
	case "ping":
		return c.JSON(http.StatusOK, map[string]string{"message": "pong"})

	case "pull_request":
		return h.handlePullRequestEvent(c, repo, &event)

	case "push":
		if repo.LogPushEvents {
			h.logger.Info("webhook: push event",
				zap.String("repository", repo.FullName),
				zap.String("ref", event.Ref))
		}
		return c.JSON(http.StatusOK, map[string]string{"message": "push acknowledged"})

	case "pull_request_review":
		h.logger.Info("webhook: review event logged",
			zap.String("repository", repo.FullName),
			zap.String("action", event.Action))
		return c.JSON(http.StatusOK, map[string]string{"message": "review event acknowledged"})

	default:
		return c.JSON(http.StatusOK, map[string]string{"message": "event ignored"})
	}
}

func (h *Handler) handlePullRequestEvent(c echo.Context, repo *models.Repository, event *github.WebhookEvent) error {
	if event.PullRequest == nil {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "missing pull_request payload"))
	}

	if !github.ReviewTriggerAction(event.Action) {
		h.logger.Info("webhook: pull_request action ignored",
			zap.String("repository", repo.FullName),
			zap.String("action", event.Action))
		return c.JSON(http.StatusOK, map[string]string{"message": "action ignored"})
	}

	if !repo.AutoReview {
		return c.JSON(http.StatusOK, map[string]string{"message": "auto review disabled"})
	}

	pr := reviewer.PullRequest{
		Number:       event.PullRequest.Number,
		Title:        event.PullRequest.Title,
		Body:         event.PullRequest.Body,
		BaseRef:      event.PullRequest.Base.Ref,
		HeadRef:      event.PullRequest.Head.Ref,
		DiffURL:      event.PullRequest.DiffURL,
		ChangedFiles: event.PullRequest.ChangedFiles,
		Additions:    event.PullRequest.Additions,
		Deletions:    event.PullRequest.Deletions,
	}

	review, err := h.pipeline.ReviewPullRequest(c.Request().Context(), repo, pr)
	if err != nil {
		h.logger.Error("webhook: review pipeline failed",
			zap.Error(err),
			zap.String("repository", repo.FullName),
			zap.Int("pr_number", pr.Number))
		return c.JSON(http.StatusBadGateway, newErrorResponse(ErrCodeUpstream, "review pipeline failed"))
	}

	h.logger.Info("webhook: review processed",
		zap.String("review_id", review.ID),
		zap.String("status", review.Status),
		zap.String("repository", repo.FullName),
		zap.Int("pr_number", pr.Number))

	return c.JSON(http.StatusOK, map[string]interface{}{
		"review_id": review.ID,
		"status":    review.Status,
	})
}

// DescribeWebhook returns a static description of the webhook endpoint.
func (h *Handler) DescribeWebhook(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"endpoint": "/webhook/github",
		"method":   http.MethodPost,
		"events":   []string{"ping", "pull_request", "push", "pull_request_review"},
		"actions":  []string{github.ActionOpened, github.ActionSynchronize, github.ActionReopened},
		"headers":  []string{github.HeaderEvent, github.HeaderSignature, github.HeaderDelivery},
	})
}
