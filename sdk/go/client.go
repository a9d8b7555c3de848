// Package crowdloopsdk is a minimal typed client for the Crowdloop HTTP API.
package crowdloopsdk

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

type Client struct {
	BaseURL     string
	BearerToken string
	WriteToken  string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL should not include the
// /v1 prefix.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Task struct {
	ID               string         `json:"id"`
	ProjectID        string         `json:"project_id"`
	AssetID          string         `json:"asset_id"`
	TaskDefinitionID string         `json:"task_definition_id"`
	Status           string         `json:"status"`
	Priority         int            `json:"priority"`
	Payload          map[string]any `json:"payload,omitempty"`
	CreatedAt        string         `json:"created_at"`
}

type Annotation struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	Result        map[string]any `json:"result"`
	SchemaVersion string         `json:"schema_version"`
	ToolVersion   string         `json:"tool_version,omitempty"`
	Actor         string         `json:"actor,omitempty"`
	SubmissionID  string         `json:"submission_id,omitempty"`
	AssignmentID  *string        `json:"assignment_id,omitempty"`
	CreatedAt     string         `json:"created_at"`
	// Duplicate reports that the server matched an existing submission and
	// returned it instead of creating a new row.
	Duplicate bool `json:"-"`
}

type TaskBundle struct {
	Task  Task `json:"task"`
	Asset struct {
		ID         string `json:"id"`
		MediaType  string `json:"media_type"`
		StorageKey string `json:"storage_key"`
	} `json:"asset"`
	Definition struct {
		ID         string         `json:"id"`
		Version    string         `json:"version"`
		Definition map[string]any `json:"definition"`
	} `json:"definition"`
	TaskType struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
	} `json:"task_type"`
}

type IssueResult struct {
	Created []struct {
		TaskID string `json:"task_id"`
		HITID  string `json:"hit_id"`
	} `json:"created"`
	Skipped []string `json:"skipped"`
}

type SyncResult struct {
	Seen    int `json:"seen"`
	Updated int `json:"updated"`
}

type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// GetTaskBundle fetches everything needed to render a task UI.
func (c *Client) GetTaskBundle(ctx context.Context, taskID string) (TaskBundle, error) {
	var resp TaskBundle
	endpoint := fmt.Sprintf("v1/tasks/%s/bundle", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitAnnotation posts a result for a task. Resubmitting the same
// submission id is safe; the returned annotation has Duplicate set when the
// server already knew it.
func (c *Client) SubmitAnnotation(ctx context.Context, taskID string, result map[string]any, submissionID string) (Annotation, error) {
	body := map[string]any{
		"task_id":       taskID,
		"result":        result,
		"submission_id": submissionID,
	}
	var resp Annotation
	status, err := c.doStatus(ctx, http.MethodPost, "v1/annotations", body, &resp)
	if err != nil {
		return resp, err
	}
	resp.Duplicate = status == http.StatusOK
	return resp, nil
}

// ListTasks returns tasks matching the given filters.
func (c *Client) ListTasks(ctx context.Context, projectID, status string, limit int) ([]Task, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "v1/tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// IssueHITs publishes HITs for the given tasks.
func (c *Client) IssueHITs(ctx context.Context, taskIDs []string) (IssueResult, error) {
	var resp IssueResult
	err := c.do(ctx, http.MethodPost, "v1/mturk/hits/batch", map[string]any{"task_ids": taskIDs}, &resp)
	return resp, err
}

// SyncHIT reconciles one HIT.
func (c *Client) SyncHIT(ctx context.Context, hitID string) (SyncResult, error) {
	var resp SyncResult
	endpoint := fmt.Sprintf("v1/mturk/hits/%s/sync", url.PathEscape(hitID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	_, err := c.doStatus(ctx, method, endpoint, body, out)
	return err
}

func (c *Client) doStatus(ctx context.Context, method, endpoint string, body, out any) (int, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.WriteToken != "":
		req.Header.Set("X-Write-Token", c.WriteToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}
