// Package github is Foreman's issue tracker client. It replaces the old
// shell-outs to the GitHub CLI with one typed REST client, with retry and
// duplicate-safe issue creation.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	githubAPIURL = "https://api.github.com"
	// issueMarkerPrefix tags issues created by Foreman so EnsureIssue can
	// find them again without creating duplicates.
	issueMarkerPrefix = "<!-- foreman-key:"
	issueMarkerSuffix = " -->"
)

// Config holds tracker settings.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	Owner   string `yaml:"owner"`
	Repo    string `yaml:"repo"`
}

// DefaultConfig returns a disabled tracker configuration.
func DefaultConfig() *Config {
	return &Config{Enabled: false}
}

// Client is a GitHub API client.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string // For testing - defaults to githubAPIURL
}

// NewClient creates a new GitHub client.
func NewClient(token string) *Client {
	return &Client{
		token:   token,
		baseURL: githubAPIURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewClientWithBaseURL creates a new GitHub client with a custom base URL (for testing).
func NewClientWithBaseURL(token, baseURL string) *Client {
	c := NewClient(token)
	c.baseURL = baseURL
	return c
}

// Issue represents a GitHub issue.
type Issue struct {
	ID        int64     `json:"id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Labels    []Label   `json:"labels"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Label represents a GitHub label.
type Label struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Comment represents a GitHub issue comment.
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// searchResult is the GitHub issue search response.
type searchResult struct {
	TotalCount int     `json:"total_count"`
	Items      []Issue `json:"items"`
}

// APIError is a non-2xx response from the GitHub API. RetryAfter carries the
// Retry-After header when the server sent one.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// doRequest performs an HTTP request to the GitHub API.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			apiErr.RetryAfter = time.Duration(seconds) * time.Second
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// GetIssue fetches an issue by owner, repo, and number.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	var issue Issue
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// CreateIssue creates an issue. Most callers should use EnsureIssue instead,
// which is duplicate-safe.
func (c *Client) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*Issue, error) {
	return WithRetry(ctx, func() (*Issue, error) {
		path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
		reqBody := map[string]any{
			"title": title,
			"body":  body,
		}
		if len(labels) > 0 {
			reqBody["labels"] = labels
		}
		var issue Issue
		if err := c.doRequest(ctx, http.MethodPost, path, reqBody, &issue); err != nil {
			return nil, err
		}
		return &issue, nil
	}, DefaultRetryOptions())
}

// FindIssueByKey searches for an open issue carrying the given marker key.
func (c *Client) FindIssueByKey(ctx context.Context, owner, repo, key string) (*Issue, error) {
	marker := issueMarkerPrefix + key + issueMarkerSuffix
	query := fmt.Sprintf("repo:%s/%s in:body state:open %q", owner, repo, marker)
	path := "/search/issues?q=" + url.QueryEscape(query)

	result, err := WithRetry(ctx, func() (*searchResult, error) {
		var sr searchResult
		if err := c.doRequest(ctx, http.MethodGet, path, nil, &sr); err != nil {
			return nil, err
		}
		return &sr, nil
	}, DefaultRetryOptions())
	if err != nil {
		return nil, err
	}

	if result.TotalCount == 0 || len(result.Items) == 0 {
		return nil, nil
	}
	issue := result.Items[0]
	return &issue, nil
}

// EnsureIssue creates an issue tagged with key unless an open issue with the
// same key already exists, in which case the existing issue is returned.
// created reports whether a new issue was made.
func (c *Client) EnsureIssue(ctx context.Context, owner, repo, title, body, key string, labels []string) (issue *Issue, created bool, err error) {
	existing, err := c.FindIssueByKey(ctx, owner, repo, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to search for existing issue: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	marked := body + "\n\n" + issueMarkerPrefix + key + issueMarkerSuffix
	issue, err = c.CreateIssue(ctx, owner, repo, title, marked, labels)
	if err != nil {
		return nil, false, err
	}
	return issue, true, nil
}

// AddComment adds a comment to an issue.
func (c *Client) AddComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	return WithRetry(ctx, func() (*Comment, error) {
		path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
		reqBody := map[string]string{"body": body}
		var comment Comment
		if err := c.doRequest(ctx, http.MethodPost, path, reqBody, &comment); err != nil {
			return nil, err
		}
		return &comment, nil
	}, DefaultRetryOptions())
}

// AddLabels adds labels to an issue.
func (c *Client) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	return WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", owner, repo, number)
		reqBody := map[string][]string{"labels": labels}
		return c.doRequest(ctx, http.MethodPost, path, reqBody, nil)
	}, DefaultRetryOptions())
}

// CloseIssue closes an issue.
func (c *Client) CloseIssue(ctx context.Context, owner, repo string, number int) error {
	return WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
		reqBody := map[string]string{"state": "closed"}
		return c.doRequest(ctx, http.MethodPatch, path, reqBody, nil)
	}, DefaultRetryOptions())
}

// ListOpenIssues lists open issues, optionally filtered by label.
func (c *Client) ListOpenIssues(ctx context.Context, owner, repo, label string) ([]Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues?state=open", owner, repo)
	if label != "" {
		path += "&labels=" + url.QueryEscape(label)
	}
	var issues []Issue
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}
