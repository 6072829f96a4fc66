package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/mergelint/mergelint/internal/github"
	"github.com/mergelint/mergelint/internal/models"
	"github.com/mergelint/mergelint/internal/repository"
	"github.com/mergelint/mergelint/internal/reviewer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore implements both handlers.Store and reviewer.Store in memory.
type fakeStore struct {
	repoByFullName map[string]*models.Repository
	reviewByPR     *models.Review

	startedReviews   []*models.Review
	completedResults map[string]models.ReviewResult
	failedReviews    map[string]string
	rules            []models.Rule

	reviews     []models.Review
	savedDirect []*models.Review
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		repoByFullName:   map[string]*models.Repository{},
		completedResults: map[string]models.ReviewResult{},
		failedReviews:    map[string]string{},
	}
}

func (f *fakeStore) CreateRepository(ctx context.Context, repo *models.Repository) (*models.Repository, error) {
	if _, ok := f.repoByFullName[repo.Owner+"/"+repo.Name]; ok {
		return nil, repository.ErrAlreadyExists
	}
	repo.FullName = repo.Owner + "/" + repo.Name
	if repo.ID == "" {
		repo.ID = "repo-" + repo.Name
	}
	f.repoByFullName[repo.FullName] = repo
	return repo, nil
}

func (f *fakeStore) GetRepositoryByFullName(ctx context.Context, fullName string) (*models.Repository, error) {
	repo, ok := f.repoByFullName[fullName]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return repo, nil
}

func (f *fakeStore) GetRepository(ctx context.Context, id, userID string) (*models.Repository, error) {
	for _, repo := range f.repoByFullName {
		if repo.ID == id && repo.UserID == userID {
			return repo, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListRepositories(ctx context.Context, userID string) ([]models.Repository, error) {
	var out []models.Repository
	for _, repo := range f.repoByFullName {
		if repo.UserID == userID {
			out = append(out, *repo)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateRepository(ctx context.Context, repo *models.Repository) (*models.Repository, error) {
	return repo, nil
}

func (f *fakeStore) DeleteRepository(ctx context.Context, id, userID string) error {
	for name, repo := range f.repoByFullName {
		if repo.ID == id && repo.UserID == userID {
			delete(f.repoByFullName, name)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeStore) GetReview(ctx context.Context, id, userID string) (*models.Review, error) {
	for i := range f.reviews {
		if f.reviews[i].ID == id && f.reviews[i].UserID == userID {
			return &f.reviews[i], nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListReviews(ctx context.Context, userID, repositoryID string, limit, offset int) ([]models.Review, error) {
	return f.reviews, nil
}

func (f *fakeStore) CreateRule(ctx context.Context, rule *models.Rule) (*models.Rule, error) {
	if rule.ID == "" {
		rule.ID = "rule-1"
	}
	f.rules = append(f.rules, *rule)
	return rule, nil
}

func (f *fakeStore) ListRules(ctx context.Context, userID, repositoryID string) ([]models.Rule, error) {
	return f.rules, nil
}

func (f *fakeStore) UpdateRule(ctx context.Context, rule *models.Rule) (*models.Rule, error) {
	for i := range f.rules {
		if f.rules[i].ID == rule.ID && f.rules[i].UserID == rule.UserID {
			f.rules[i] = *rule
			return rule, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) SetRuleEnabled(ctx context.Context, id, userID string, enabled bool) (*models.Rule, error) {
	for i := range f.rules {
		if f.rules[i].ID == id && f.rules[i].UserID == userID {
			f.rules[i].Enabled = enabled
			return &f.rules[i], nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) DeleteRule(ctx context.Context, id, userID string) error {
	for i := range f.rules {
		if f.rules[i].ID == id && f.rules[i].UserID == userID {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

// reviewer.Store side.

func (f *fakeStore) GetReviewByPR(ctx context.Context, repositoryID string, prNumber int) (*models.Review, error) {
	return f.reviewByPR, nil
}

func (f *fakeStore) StartAnalyzing(ctx context.Context, review *models.Review) (*models.Review, error) {
	snapshot := *review
	f.startedReviews = append(f.startedReviews, &snapshot)
	return review, nil
}

func (f *fakeStore) CompleteReview(ctx context.Context, reviewID string, result models.ReviewResult) error {
	f.completedResults[reviewID] = result
	return nil
}

func (f *fakeStore) FailReview(ctx context.Context, reviewID, errorMessage string) error {
	f.failedReviews[reviewID] = errorMessage
	return nil
}

func (f *fakeStore) SaveReview(ctx context.Context, review *models.Review) error {
	f.savedDirect = append(f.savedDirect, review)
	return nil
}

func (f *fakeStore) ListEnabledRules(ctx context.Context, userID, repositoryID string) ([]models.Rule, error) {
	return f.rules, nil
}

type countingModel struct {
	response string
	calls    int
}

func (m *countingModel) Complete(ctx context.Context, system, user string) (string, error) {
	m.calls++
	return m.response, nil
}

const webhookSecret = "hook-secret"

const cleanModelJSON = `{"summary":"No problems found.","quality_score":98,"issues":[],"suggestions":[],"highlights":[]}`

// newWebhookEnv wires an echo server with a real pipeline over fakes: the
// diff comes from an httptest upstream, the model is canned.
func newWebhookEnv(t *testing.T, store *fakeStore, model *countingModel) (*echo.Echo, *httptest.Server) {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("diff --git a/main.go b/main.go\n+one\n+two\n"))
	}))
	t.Cleanup(upstream.Close)

	pipeline := reviewer.New(store, github.NewClient(upstream.URL), model, zap.NewNop(), 15000)
	h := New(store, pipeline, zap.NewNop())

	e := echo.New()
	h.RegisterRoutes(e)
	return e, upstream
}

func registeredRepo(secret string) *models.Repository {
	return &models.Repository{
		ID:         "repo-1",
		UserID:     "user-1",
		Owner:      "acme",
		Name:       "widget",
		FullName:   "acme/widget",
		AutoReview: true,
		// No access token: post-back stays out of these tests.
		WebhookSecret: secret,
	}
}

func pullRequestPayload(action, diffURL string) []byte {
	payload := map[string]interface{}{
		"action": action,
		"repository": map[string]interface{}{
			"full_name": "acme/widget",
			"name":      "widget",
			"owner":     map[string]string{"login": "acme"},
		},
		"pull_request": map[string]interface{}{
			"number":   7,
			"title":    "Add feature",
			"diff_url": diffURL,
			"base":     map[string]string{"ref": "main"},
			"head":     map[string]string{"ref": "feature"},
		},
	}
	body, _ := json.Marshal(payload)
	return body
}

func deliver(e *echo.Echo, event string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(string(body)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(github.HeaderEvent, event)
	req.Header.Set(github.HeaderDelivery, "delivery-1")
	if signature != "" {
		req.Header.Set(github.HeaderSignature, signature)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestWebhookUnregisteredRepositoryAcknowledged(t *testing.T) {
	store := newFakeStore()
	model := &countingModel{response: cleanModelJSON}
	e, upstream := newWebhookEnv(t, store, model)

	rec := deliver(e, "pull_request", pullRequestPayload("opened", upstream.URL), "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "repository not registered")
	assert.Equal(t, 0, model.calls)
}

func TestWebhookInvalidSignatureRejected(t *testing.T) {
	store := newFakeStore()
	store.repoByFullName["acme/widget"] = registeredRepo(webhookSecret)
	model := &countingModel{response: cleanModelJSON}
	e, upstream := newWebhookEnv(t, store, model)

	body := pullRequestPayload("opened", upstream.URL)
	rec := deliver(e, "pull_request", body, "sha256=0000000000000000000000000000000000000000000000000000000000000000")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// No side effects at all: no model call, no persistence write.
	assert.Equal(t, 0, model.calls)
	assert.Empty(t, store.startedReviews)
	assert.Empty(t, store.completedResults)
}

func TestWebhookMissingSignatureRejected(t *testing.T) {
	store := newFakeStore()
	store.repoByFullName["acme/widget"] = registeredRepo(webhookSecret)
	model := &countingModel{response: cleanModelJSON}
	e, upstream := newWebhookEnv(t, store, model)

	rec := deliver(e, "pull_request", pullRequestPayload("opened", upstream.URL), "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, model.calls)
}

func TestWebhookEndToEndOpenedPullRequest(t *testing.T) {
	store := newFakeStore()
	store.repoByFullName["acme/widget"] = registeredRepo(webhookSecret)
	model := &countingModel{response: cleanModelJSON}
	e, upstream := newWebhookEnv(t, store, model)

	body := pullRequestPayload("opened", upstream.URL)
	rec := deliver(e, "pull_request", body, github.Signature(body, webhookSecret))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		ReviewID string `json:"review_id"`
		Status   string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ReviewID)
	assert.Equal(t, models.StatusCompleted, resp.Status)

	// The record went through analyzing to completed with a clean result.
	require.Len(t, store.startedReviews, 1)
	assert.Equal(t, models.StatusAnalyzing, store.startedReviews[0].Status)
	result, ok := store.completedResults[resp.ReviewID]
	require.True(t, ok)
	assert.Empty(t, result.Issues)
	assert.Equal(t, 98, result.QualityScore)
	assert.Equal(t, 1, model.calls)
}

func TestWebhookDuplicateDeliveryShortCircuits(t *testing.T) {
	store := newFakeStore()
	store.repoByFullName["acme/widget"] = registeredRepo(webhookSecret)
	store.reviewByPR = &models.Review{ID: "rev-existing", Status: models.StatusAnalyzing}
	model := &countingModel{response: cleanModelJSON}
	e, upstream := newWebhookEnv(t, store, model)

	body := pullRequestPayload("synchronize", upstream.URL)
	rec := deliver(e, "pull_request", body, github.Signature(body, webhookSecret))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rev-existing")
	assert.Equal(t, 0, model.calls)
	assert.Empty(t, store.startedReviews)
}

func TestWebhookIgnoredActions(t *testing.T) {
	store := newFakeStore()
	store.repoByFullName["acme/widget"] = registeredRepo("")
	model := &countingModel{response: cleanModelJSON}
	e, upstream := newWebhookEnv(t, store, model)

	for _, action := range []string{"closed", "labeled", "assigned"} {
		rec := deliver(e, "pull_request", pullRequestPayload(action, upstream.URL), "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "action ignored")
	}
	assert.Equal(t, 0, model.calls)
}

func TestWebhookAutoReviewDisabled(t *testing.T) {
	repo := registeredRepo("")
	repo.AutoReview = false

	store := newFakeStore()
	store.repoByFullName["acme/widget"] = repo
	model := &countingModel{response: cleanModelJSON}
	e, upstream := newWebhookEnv(t, store, model)

	rec := deliver(e, "pull_request", pullRequestPayload("opened", upstream.URL), "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "auto review disabled")
	assert.Equal(t, 0, model.calls)
}

func TestWebhookPingAndPush(t *testing.T) {
	store := newFakeStore()
	store.repoByFullName["acme/widget"] = registeredRepo("")
	e, _ := newWebhookEnv(t, store, &countingModel{response: cleanModelJSON})

	body := []byte(`{"repository":{"full_name":"acme/widget"}}`)

	rec := deliver(e, "ping", body, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")

	rec = deliver(e, "push", body, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "push acknowledged")
}

func TestWebhookBadPayload(t *testing.T) {
	store := newFakeStore()
	e, _ := newWebhookEnv(t, store, &countingModel{response: cleanModelJSON})

	t.Run("unparsable body", func(t *testing.T) {
		rec := deliver(e, "pull_request", []byte("{not json"), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing repository identity", func(t *testing.T) {
		rec := deliver(e, "pull_request", []byte(`{"action":"opened"}`), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestWebhookSelfDescription(t *testing.T) {
	store := newFakeStore()
	e, _ := newWebhookEnv(t, store, &countingModel{})

	req := httptest.NewRequest(http.MethodGet, "/webhook/github", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pull_request")
	assert.Contains(t, rec.Body.String(), github.HeaderSignature)
}
