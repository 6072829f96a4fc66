package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mergelint/mergelint/internal/models"
	"github.com/mergelint/mergelint/internal/reviewer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakePipeline implements Pipeline for the direct review API tests.
type fakePipeline struct {
	review *models.Review
	saved  bool
	err    error
	calls  int
}

func (f *fakePipeline) ReviewPullRequest(ctx context.Context, repo *models.Repository, pr reviewer.PullRequest) (*models.Review, error) {
	f.calls++
	return f.review, f.err
}

func (f *fakePipeline) ReviewDiff(ctx context.Context, req reviewer.DirectRequest) (*models.Review, bool, error) {
	f.calls++
	return f.review, f.saved, f.err
}

func newAPIEnv(store *fakeStore, pipeline Pipeline) *echo.Echo {
	h := New(store, pipeline, zap.NewNop())
	e := echo.New()
	h.RegisterRoutes(e)
	return e
}

func doJSON(e *echo.Echo, method, path string, payload interface{}) *httptest.ResponseRecorder {
	var body string
	if payload != nil {
		b, _ := json.Marshal(payload)
		body = string(b)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func completedReview() *models.Review {
	now := time.Now()
	return &models.Review{
		ID:           "rev-1",
		UserID:       "user-1",
		Status:       models.StatusCompleted,
		QualityScore: 91,
		Summary:      "Nice work.",
		Issues:       []models.Issue{},
		Suggestions:  []string{"add docs"},
		Highlights:   []string{},
		Metrics:      models.ComputeMetrics(nil),
		CompletedAt:  &now,
	}
}

func TestCreateReview(t *testing.T) {
	t.Run("valid request returns 201 with result", func(t *testing.T) {
		pipeline := &fakePipeline{review: completedReview(), saved: true}
		e := newAPIEnv(newFakeStore(), pipeline)

		rec := doJSON(e, http.MethodPost, "/reviews", map[string]interface{}{
			"user_id": "user-1",
			"diff":    "+added line\n",
		})

		require.Equal(t, http.StatusCreated, rec.Code)

		var resp struct {
			ReviewID string `json:"review_id"`
			Review   struct {
				Summary      string `json:"summary"`
				QualityScore int    `json:"quality_score"`
			} `json:"review"`
			Saved bool `json:"saved"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "rev-1", resp.ReviewID)
		assert.Equal(t, "Nice work.", resp.Review.Summary)
		assert.Equal(t, 91, resp.Review.QualityScore)
		assert.True(t, resp.Saved)
	})

	t.Run("persistence failure still returns the result", func(t *testing.T) {
		pipeline := &fakePipeline{review: completedReview(), saved: false}
		e := newAPIEnv(newFakeStore(), pipeline)

		rec := doJSON(e, http.MethodPost, "/reviews", map[string]interface{}{
			"user_id": "user-1",
			"diff":    "+x\n",
		})

		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Contains(t, rec.Body.String(), `"saved":false`)
	})

	t.Run("missing user_id", func(t *testing.T) {
		e := newAPIEnv(newFakeStore(), &fakePipeline{})
		rec := doJSON(e, http.MethodPost, "/reviews", map[string]interface{}{"diff": "+x\n"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing diff", func(t *testing.T) {
		e := newAPIEnv(newFakeStore(), &fakePipeline{})
		rec := doJSON(e, http.MethodPost, "/reviews", map[string]interface{}{"user_id": "user-1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("model failure maps to 502", func(t *testing.T) {
		pipeline := &fakePipeline{err: errors.New("model call failed")}
		e := newAPIEnv(newFakeStore(), pipeline)

		rec := doJSON(e, http.MethodPost, "/reviews", map[string]interface{}{
			"user_id": "user-1",
			"diff":    "+x\n",
		})

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, rec.Body.String(), ErrCodeUpstream)
	})
}

func TestGetReview(t *testing.T) {
	store := newFakeStore()
	store.reviews = []models.Review{*completedReview()}
	e := newAPIEnv(store, &fakePipeline{})

	t.Run("found", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/reviews/rev-1?user_id=user-1", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "Nice work.")
	})

	t.Run("not owned", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/reviews/rev-1?user_id=other", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing user_id", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/reviews/rev-1", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListReviews(t *testing.T) {
	store := newFakeStore()
	store.reviews = []models.Review{*completedReview()}
	e := newAPIEnv(store, &fakePipeline{})

	t.Run("requires user_id", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/reviews", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("returns reviews", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/reviews?user_id=user-1&limit=10&offset=0", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "rev-1")
	})
}

func TestRulesCRUD(t *testing.T) {
	store := newFakeStore()
	e := newAPIEnv(store, &fakePipeline{})

	t.Run("create", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/rules", map[string]interface{}{
			"user_id":     "user-1",
			"name":        "No TODO comments",
			"description": "finish the work instead",
			"severity":    "low",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Contains(t, rec.Body.String(), "No TODO comments")
	})

	t.Run("create requires name", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/rules", map[string]interface{}{"user_id": "user-1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("create rejects unknown severity", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/rules", map[string]interface{}{
			"user_id":  "user-1",
			"name":     "r",
			"severity": "catastrophic",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/rules?user_id=user-1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "No TODO comments")
	})

	t.Run("toggle enabled", func(t *testing.T) {
		rec := doJSON(e, http.MethodPatch, "/rules/rule-1/enabled", map[string]interface{}{
			"user_id": "user-1",
			"enabled": false,
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"enabled":false`)
	})

	t.Run("update", func(t *testing.T) {
		rec := doJSON(e, http.MethodPut, "/rules/rule-1", map[string]interface{}{
			"user_id": "user-1",
			"name":    "No TODO or FIXME comments",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "No TODO or FIXME comments")
	})

	t.Run("update unknown rule", func(t *testing.T) {
		rec := doJSON(e, http.MethodPut, "/rules/missing", map[string]interface{}{
			"user_id": "user-1",
			"name":    "x",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := doJSON(e, http.MethodDelete, "/rules/rule-1?user_id=user-1", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(e, http.MethodDelete, "/rules/rule-1?user_id=user-1", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRepositoriesCRUD(t *testing.T) {
	store := newFakeStore()
	e := newAPIEnv(store, &fakePipeline{})

	t.Run("register", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/repositories", map[string]interface{}{
			"user_id":        "user-1",
			"owner":          "acme",
			"name":           "widget",
			"webhook_secret": "s3cret",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Contains(t, rec.Body.String(), "acme/widget")
		// Credentials never leak into responses.
		assert.NotContains(t, rec.Body.String(), "s3cret")
	})

	t.Run("duplicate registration conflicts", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/repositories", map[string]interface{}{
			"user_id": "user-1",
			"owner":   "acme",
			"name":    "widget",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), ErrCodeAlreadyExists)
	})

	t.Run("register requires owner and name", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/repositories", map[string]interface{}{"user_id": "user-1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/repositories?user_id=user-1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "acme/widget")
	})

	t.Run("update settings", func(t *testing.T) {
		rec := doJSON(e, http.MethodPut, "/repositories/repo-widget", map[string]interface{}{
			"user_id":     "user-1",
			"auto_review": false,
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"auto_review":false`)
	})

	t.Run("delete", func(t *testing.T) {
		rec := doJSON(e, http.MethodDelete, "/repositories/repo-widget?user_id=user-1", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(e, http.MethodDelete, "/repositories/repo-widget?user_id=user-1", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
