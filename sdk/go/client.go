package tasklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID               string  `json:"id"`
	Type             string  `json:"type"`
	Status           string  `json:"status"`
	Priority         string  `json:"priority"`
	Department       *string `json:"department,omitempty"`
	ApprovalRequired bool    `json:"approval_required"`
	Approved         bool    `json:"approved"`
	RetryCount       int     `json:"retry_count"`
	ConfidenceScore  float64 `json:"confidence_score"`
	FailureReason    *string `json:"failure_reason,omitempty"`
}

// TrustRecord is a department's trust and autonomy state.
type TrustRecord struct {
	Department    string  `json:"department"`
	TrustScore    float64 `json:"trust_score"`
	AutonomyLevel string  `json:"autonomy_level"`
}

// LedgerEntry is one audit record.
type LedgerEntry struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a pending task.
func (c *Client) CreateTask(ctx context.Context, taskType string, opts map[string]any) (Task, error) {
	body := map[string]any{"type": taskType}
	for k, v := range opts {
		body[k] = v
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks lists tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := "v0/tasks"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PendingApprovals lists tasks awaiting a human decision.
func (c *Client) PendingApprovals(ctx context.Context, department string) ([]Task, error) {
	endpoint := "v0/approvals"
	if department != "" {
		endpoint += "?department=" + url.QueryEscape(department)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approve grants a pending approval.
func (c *Client) Approve(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/approvals/"+url.PathEscape(id)+"/approve", nil, &resp)
	return resp, err
}

// Reject denies a pending approval.
func (c *Client) Reject(ctx context.Context, id, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/approvals/"+url.PathEscape(id)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Trust lists department trust records.
func (c *Client) Trust(ctx context.Context) ([]TrustRecord, error) {
	var resp []TrustRecord
	err := c.do(ctx, http.MethodGet, "v0/trust", nil, &resp)
	return resp, err
}

// Ledger returns recent ledger entries.
func (c *Client) Ledger(ctx context.Context, limit int) ([]LedgerEntry, error) {
	endpoint := "v0/ledger"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []LedgerEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
