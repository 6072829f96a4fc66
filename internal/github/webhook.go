// Package github integrates with the GitHub REST and webhook APIs:
// webhook payload decoding, delivery signature verification, pull request
// diff retrieval and review post-back.
package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Webhook header names.
const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderSignature = "X-Hub-Signature-256"
	HeaderDelivery  = "X-GitHub-Delivery"
)

// Pull request actions that trigger an automatic review.
const (
	ActionOpened      = "opened"
	ActionSynchronize = "synchronize"
	ActionReopened    = "reopened"
)

// WebhookRepository is the repository block of a webhook payload.
type WebhookRepository struct {
	FullName string `json:"full_name"`
	Name     string `json:"name"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// WebhookPullRequest is the pull_request block of a webhook payload.
type WebhookPullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	DiffURL string `json:"diff_url"`
	Base    struct {
		Ref string `json:"ref"`
	} `json:"base"`
	Head struct {
		Ref string `json:"ref"`
	} `json:"head"`
	ChangedFiles int `json:"changed_files"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
}

// WebhookEvent is the subset of a GitHub event payload the service reads.
type WebhookEvent struct {
	Action      string              `json:"action"`
	Repository  WebhookRepository   `json:"repository"`
	PullRequest *WebhookPullRequest `json:"pull_request"`
	Ref         string              `json:"ref"`
}

// ReviewTriggerAction reports whether a pull_request action should start
// an automatic review.
func ReviewTriggerAction(action string) bool {
	switch action {
	case ActionOpened, ActionSynchronize, ActionReopened:
		return true
	}
	return false
}

// VerifySignature checks an X-Hub-Signature-256 header value against the
// HMAC-SHA256 of the raw request body under the given secret. The comparison
// is constant-time.
func VerifySignature(body []byte, signature, secret string) bool {
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" || sig == signature {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(sig))
}

// Signature computes the X-Hub-Signature-256 header value for a body and
// secret. Used by tests and by webhook self-registration.
func Signature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
