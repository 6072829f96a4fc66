package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/mergelint/mergelint/internal/models"
	"github.com/mergelint/mergelint/internal/repository"
	"github.com/mergelint/mergelint/internal/reviewer"
	"go.uber.org/zap"
)

// API error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeSignatureInvalid = "SIGNATURE_INVALID"
	ErrCodeUpstream         = "UPSTREAM_ERROR"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// Store is the persistence surface the handlers need. Implemented by
// *repository.Repository; faked in tests.
type Store interface {
	CreateRepository(ctx context.Context, repo *models.Repository) (*models.Repository, error)
	GetRepositoryByFullName(ctx context.Context, fullName string) (*models.Repository, error)
	GetRepository(ctx context.Context, id, userID string) (*models.Repository, error)
	ListRepositories(ctx context.Context, userID string) ([]models.Repository, error)
	UpdateRepository(ctx context.Context, repo *models.Repository) (*models.Repository, error)
	DeleteRepository(ctx context.Context, id, userID string) error

	GetReview(ctx context.Context, id, userID string) (*models.Review, error)
	ListReviews(ctx context.Context, userID, repositoryID string, limit, offset int) ([]models.Review, error)

	CreateRule(ctx context.Context, rule *models.Rule) (*models.Rule, error)
	ListRules(ctx context.Context, userID, repositoryID string) ([]models.Rule, error)
	UpdateRule(ctx context.Context, rule *models.Rule) (*models.Rule, error)
	SetRuleEnabled(ctx context.Context, id, userID string, enabled bool) (*models.Rule, error)
	DeleteRule(ctx context.Context, id, userID string) error
}

// Pipeline runs review pipelines. Implemented by *reviewer.Service.
type Pipeline interface {
	ReviewPullRequest(ctx context.Context, repo *models.Repository, pr reviewer.PullRequest) (*models.Review, error)
	ReviewDiff(ctx context.Context, req reviewer.DirectRequest) (*models.Review, bool, error)
}

type Handler struct {
	store    Store
	pipeline Pipeline
	logger   *zap.Logger
}

// New creates a new handler instance.
func New(store Store, pipeline Pipeline, logger *zap.Logger) *Handler {
	return &Handler{
		store:    store,
		pipeline: pipeline,
		logger:   logger,
	}
}

// ErrorResponse is the API error envelope.
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newErrorResponse creates a standard error response.
func newErrorResponse(code, message string) ErrorResponse {
	var resp ErrorResponse
	resp.Error.Code = code
	resp.Error.Message = message
	return resp
}

// ---- direct review API ----

type directReviewRequest struct {
	UserID       string `json:"user_id"`
	Diff         string `json:"diff"`
	RepositoryID string `json:"repository_id"`
	PRNumber     int    `json:"pr_number"`
	PRTitle      string `json:"pr_title"`
}

// CreateReview runs the review pipeline on an inline diff.
func (h *Handler) CreateReview(c echo.Context) error {
	var req directReviewRequest
	if err := c.Bind(&req); err != nil {
		h.logger.Error("CreateReview: failed to parse request body", zap.Error(err))
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "invalid request body"))
	}

	if req.UserID == "" {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "user_id is required"))
	}
	if req.Diff == "" {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "diff is required"))
	}

	h.logger.Info("CreateReview: running direct review",
		zap.String("user_id", req.UserID),
		zap.Int("diff_bytes", len(req.Diff)))

	review, saved, err := h.pipeline.ReviewDiff(c.Request().Context(), reviewer.DirectRequest{
		UserID:       req.UserID,
		RepositoryID: req.RepositoryID,
		PRNumber:     req.PRNumber,
		PRTitle:      req.PRTitle,
		Diff:         req.Diff,
	})
	if err != nil {
		h.logger.Error("CreateReview: pipeline failed", zap.Error(err))
		return c.JSON(http.StatusBadGateway, newErrorResponse(ErrCodeUpstream, "review model call failed"))
	}

	h.logger.Info("CreateReview: review completed",
		zap.String("review_id", review.ID),
		zap.Int("quality_score", review.QualityScore),
		zap.Bool("saved", saved))

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"review_id": review.ID,
		"review": map[string]interface{}{
			"summary":       review.Summary,
			"quality_score": review.QualityScore,
			"issues":        review.Issues,
			"suggestions":   review.Suggestions,
			"highlights":    review.Highlights,
			"metrics":       review.Metrics,
		},
		"saved": saved,
	})
}

// GetReview fetches a single review by id.
func (h *Handler) GetReview(c echo.Context) error {
	id := c.Param("id")
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "user_id parameter is required"))
	}

	review, err := h.store.GetReview(c.Request().Context(), id, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, newErrorResponse(ErrCodeNotFound, "review not found"))
		}
		h.logger.Error("GetReview: failed to get review", zap.Error(err), zap.String("review_id", id))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, "failed to get review"))
	}

	return c.JSON(http.StatusOK, review)
}

// ListReviews returns a paginated list of a user's reviews.
func (h *Handler) ListReviews(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "user_id parameter is required"))
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	repositoryID := c.QueryParam("repository_id")

	reviews, err := h.store.ListReviews(c.Request().Context(), userID, repositoryID, limit, offset)
	if err != nil {
		h.logger.Error("ListReviews: failed to list reviews", zap.Error(err), zap.String("user_id", userID))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, "failed to list reviews"))
	}

	if reviews == nil {
		reviews = []models.Review{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"reviews": reviews,
		"limit":   limit,
		"offset":  offset,
	})
}

// ---- rules CRUD ----

type ruleRequest struct {
	UserID       string `json:"user_id"`
	RepositoryID string `json:"repository_id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	Severity     string `json:"severity"`
	Pattern      string `json:"pattern"`
	Enabled      *bool  `json:"enabled"`
}

// CreateRule stores a new review rule.
func (h *Handler) CreateRule(c echo.Context) error {
	var req ruleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "invalid request body"))
	}
	if req.UserID == "" || req.Name == "" {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "user_id and name are required"))
	}
	if req.Severity != "" && !models.ValidSeverity(req.Severity) {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "invalid severity"))
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	severity := req.Severity
	if severity == "" {
		severity = models.SeverityMedium
	}

	rule, err := h.store.CreateRule(c.Request().Context(), &models.Rule{
		UserID:       req.UserID,
		RepositoryID: req.RepositoryID,
		Name:         req.Name,
		Description:  req.Description,
		Category:     req.Category,
		Severity:     severity,
		Pattern:      req.Pattern,
		Enabled:      enabled,
	})
	if err != nil {
		h.logger.Error("CreateRule: failed to create rule", zap.Error(err), zap.String("user_id", req.UserID))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, "failed to create rule"))
	}

	h.logger.Info("CreateRule: rule created", zap.String("rule_id", rule.ID), zap.String("name", rule.Name))
	return c.JSON(http.StatusCreated, map[string]interface{}{"rule": rule})
}

// ListRules returns a user's rules.
func (h *Handler) ListRules(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "user_id parameter is required"))
	}

	rules, err := h.store.ListRules(c.Request().Context(), userID, c.QueryParam("repository_id"))
	if err != nil {
		h.logger.Error("ListRules: failed to list rules", zap.Error(err), zap.String("user_id", userID))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, "failed to list rules"))
	}

	if rules == nil {
		rules = []models.Rule{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"rules": rules})
}

// UpdateRule replaces a rule's definition.
func (h *Handler) UpdateRule(c echo.Context) error {
	var req ruleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "invalid request body"))
	}
	if req.UserID == "" || req.Name == "" {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "user_id and name are required"))
	}
	if req.Severity != "" && !models.ValidSeverity(req.Severity) {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "invalid severity"))
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule, err := h.store.UpdateRule(c.Request().Context(), &models.Rule{
		ID:          c.Param("id"),
		UserID:      req.UserID,
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Severity:    req.Severity,
		Pattern:     req.Pattern,
		Enabled:     enabled,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, newErrorResponse(ErrCodeNotFound, "rule not found"))
		}
		h.logger.Error("UpdateRule: failed to update rule", zap.Error(err), zap.String("rule_id", c.Param("id")))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, "failed to update rule"))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"rule": rule})
}

// SetRuleEnabled toggles a rule on or off.
func (h *Handler) SetRuleEnabled(c echo.Context) error {
	var req struct {
		UserID  string `json:"user_id"`
		Enabled bool   `json:"enabled"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "invalid request body"))
	}
	if req.UserID == "" {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "user_id is required"))
	}

	rule, err := h.store.SetRuleEnabled(c.Request().Context(), c.Param("id"), req.UserID, req.Enabled)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, newErrorResponse(ErrCodeNotFound, "rule not found"))
		}
		h.logger.Error("SetRuleEnabled: failed to toggle rule", zap.Error(err), zap.String("rule_id", c.Param("id")))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, "failed to toggle rule"))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"rule": rule})
}

// DeleteRule removes a rule.
func (h *Handler) DeleteRule(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "user_id parameter is required"))
	}

	err := h.store.DeleteRule(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, newErrorResponse(ErrCodeNotFound, "rule not found"))
		}
		h.logger.Error("DeleteRule: failed to delete rule", zap.Error(err), zap.String("rule_id", c.Param("id")))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, "failed to delete rule"))
	}

	return c.NoContent(http.StatusNoContent)
}

// ---- repository registration CRUD ----

type repositoryRequest struct {
	UserID        string `json:"user_id"`
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	AccessToken   string `json:"access_token"`
	WebhookSecret string `json:"webhook_secret"`
	AutoReview    *bool  `json:"auto_review"`
	PostComments  *bool  `json:"post_comments"`
	LogPushEvents *bool  `json:"log_push_events"`
}

// RegisterRepository creates a repository registration.
func (h *Handler) RegisterRepository(c echo.Context) error {
	var req repositoryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "invalid request body"))
	}
	if req.UserID == "" || req.Owner == "" || req.Name == "" {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "user_id, owner and name are required"))
	}

	autoReview := true
	if req.AutoReview != nil {
		autoReview = *req.AutoReview
	}
	postComments := true
	if req.PostComments != nil {
		postComments = *req.PostComments
	}
	logPushEvents := false
	if req.LogPushEvents != nil {
		logPushEvents = *req.LogPushEvents
	}

	repo, err := h.store.CreateRepository(c.Request().Context(), &models.Repository{
		UserID:        req.UserID,
		Owner:         req.Owner,
		Name:          req.Name,
		AccessToken:   req.AccessToken,
		WebhookSecret: req.WebhookSecret,
		AutoReview:    autoReview,
		PostComments:  postComments,
		LogPushEvents: logPushEvents,
	})
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return c.JSON(http.StatusConflict, newErrorResponse(ErrCodeAlreadyExists, "repository already registered"))
		}
		h.logger.Error("RegisterRepository: failed to create repository", zap.Error(err),
			zap.String("full_name", req.Owner+"/"+req.Name))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, "failed to register repository"))
	}

	h.logger.Info("RegisterRepository: repository registered",
		zap.String("repository_id", repo.ID), zap.String("full_name", repo.FullName))
	return c.JSON(http.StatusCreated, map[string]interface{}{"repository": repo})
}

// ListRepositories returns a user's registrations.
func (h *Handler) ListRepositories(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "user_id parameter is required"))
	}

	repos, err := h.store.ListRepositories(c.Request().Context(), userID)
	if err != nil {
		h.logger.Error("ListRepositories: failed to list repositories", zap.Error(err), zap.String("user_id", userID))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, "failed to list repositories"))
	}

	if repos == nil {
		repos = []models.Repository{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"repositories": repos})
}

// UpdateRepository updates a registration's settings.
func (h *Handler) UpdateRepository(c echo.Context) error {
	var req repositoryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "invalid request body"))
	}
	if req.UserID == "" {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "user_id is required"))
	}

	current, err := h.store.GetRepository(c.Request().Context(), c.Param("id"), req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, newErrorResponse(ErrCodeNotFound, "repository not found"))
		}
		h.logger.Error("UpdateRepository: failed to get repository", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, "failed to update repository"))
	}

	// Only explicitly provided settings are changed.
	if req.AccessToken != "" {
		current.AccessToken = req.AccessToken
	}
	if req.WebhookSecret != "" {
		current.WebhookSecret = req.WebhookSecret
	}
	if req.AutoReview != nil {
		current.AutoReview = *req.AutoReview
	}
	if req.PostComments != nil {
		current.PostComments = *req.PostComments
	}
	if req.LogPushEvents != nil {
		current.LogPushEvents = *req.LogPushEvents
	}

	repo, err := h.store.UpdateRepository(c.Request().Context(), current)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, newErrorResponse(ErrCodeNotFound, "repository not found"))
		}
		h.logger.Error("UpdateRepository: failed to update repository", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, "failed to update repository"))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"repository": repo})
}

// DeleteRepository removes a registration; its reviews and scoped rules
// cascade.
func (h *Handler) DeleteRepository(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "user_id parameter is required"))
	}

	err := h.store.DeleteRepository(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, newErrorResponse(ErrCodeNotFound, "repository not found"))
		}
		h.logger.Error("DeleteRepository: failed to delete repository", zap.Error(err),
			zap.String("repository_id", c.Param("id")))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, "failed to delete repository"))
	}

	return c.NoContent(http.StatusNoContent)
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Webhook
	e.POST("/webhook/github", h.HandleGitHubWebhook)
	e.GET("/webhook/github", h.DescribeWebhook)

	// Reviews
	e.POST("/reviews", h.CreateReview)
	e.GET("/reviews", h.ListReviews)
	e.GET("/reviews/:id", h.GetReview)

	// Rules
	e.POST("/rules", h.CreateRule)
	e.GET("/rules", h.ListRules)
	e.PUT("/rules/:id", h.UpdateRule)
	e.PATCH("/rules/:id/enabled", h.SetRuleEnabled)
	e.DELETE("/rules/:id", h.DeleteRule)

	// Repositories
	e.POST("/repositories", h.RegisterRepository)
	e.GET("/repositories", h.ListRepositories)
	e.PUT("/repositories/:id", h.UpdateRepository)
	e.DELETE("/repositories/:id", h.DeleteRepository)
}
