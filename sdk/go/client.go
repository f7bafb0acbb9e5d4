// Package reelforgesdk is a minimal client for the ReelForge HTTP API.
package reelforgesdk

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

// Client talks to one ReelForge server. Zero value plus BaseURL is usable.
type Client struct {
	BaseURL     string
	APIKey      string
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

// Job mirrors the API job model.
type Job struct {
	ID              string  `json:"id"`
	TenantID        string  `json:"tenant_id"`
	Platform        string  `json:"platform"`
	Topic           string  `json:"topic"`
	Audience        string  `json:"audience,omitempty"`
	ScheduleKey     string  `json:"schedule_key,omitempty"`
	State           string  `json:"state"`
	FailureReason   *string `json:"failure_reason,omitempty"`
	AcceptedStoryID *string `json:"accepted_story_id,omitempty"`
	CreatedAt       string  `json:"created_at"`
	CompletedAt     *string `json:"completed_at,omitempty"`
}

// Scene is one micro-scene of a generated story.
type Scene struct {
	Index           int     `json:"index"`
	Start           float64 `json:"start"`
	End             float64 `json:"end"`
	Purpose         string  `json:"purpose"`
	Narration       string  `json:"narration"`
	VisualDirective string  `json:"visual_directive"`
}

// Story is the structured script of an accepted attempt.
type Story struct {
	ID            string  `json:"id"`
	JobID         string  `json:"job_id"`
	Attempt       int     `json:"attempt"`
	TotalDuration float64 `json:"total_duration"`
	Scenes        []Scene `json:"scenes"`
}

// Score is the critic verdict for a story.
type Score struct {
	Total      float64            `json:"total"`
	Dimensions map[string]float64 `json:"dimensions"`
	Verdict    string             `json:"verdict"`
}

// JobStatus is the composed polling view of one job.
type JobStatus struct {
	Job    Job     `json:"job"`
	Story  *Story  `json:"story,omitempty"`
	Score  *Score  `json:"score,omitempty"`
	Events []Event `json:"events,omitempty"`
}

// Event is one audit log entry.
type Event struct {
	ID    int64  `json:"id"`
	TS    string `json:"ts"`
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
}

// Memory is one weighted creative pattern.
type Memory struct {
	Type        string  `json:"type"`
	ReferenceID string  `json:"reference_id"`
	Platform    string  `json:"platform"`
	Score       float64 `json:"score"`
	ReuseCount  int     `json:"reuse_count"`
}

// SubmitResult reports the job a submission resolved to.
type SubmitResult struct {
	Job     Job  `json:"job"`
	Deduped bool `json:"deduped"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit enqueues a job.
func (c *Client) Submit(ctx context.Context, platform, topic, audience, scheduleKey string) (SubmitResult, error) {
	body := map[string]any{
		"platform": platform,
		"topic":    topic,
	}
	if audience != "" {
		body["audience"] = audience
	}
	if scheduleKey != "" {
		body["schedule_key"] = scheduleKey
	}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, "v0/jobs", body, &resp)
	return resp, err
}

// Job fetches the composed status for one job.
func (c *Client) Job(ctx context.Context, jobID string) (JobStatus, error) {
	var resp JobStatus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/jobs/%s", url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

// Cancel requests cancellation of a job.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v0/jobs/%s/cancel", url.PathEscape(jobID)), nil, nil)
}

// Jobs lists jobs, optionally filtered by state.
func (c *Client) Jobs(ctx context.Context, state string, limit int) ([]Job, error) {
	endpoint := "v0/jobs"
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Jobs, err
}

// Memories lists the creative memory store.
func (c *Client) Memories(ctx context.Context, memType, platform string) ([]Memory, error) {
	endpoint := "v0/memories"
	q := url.Values{}
	if memType != "" {
		q.Set("type", memType)
	}
	if platform != "" {
		q.Set("platform", platform)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Memories []Memory `json:"memories"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Memories, err
}

// Events tails the audit log after the given cursor.
func (c *Client) Events(ctx context.Context, jobID string, after int64, limit int) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if jobID != "" {
		q.Set("job_id", jobID)
	}
	if after > 0 {
		q.Set("after", fmt.Sprint(after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

// WaitTerminal polls until the job reaches a terminal state or ctx expires.
func (c *Client) WaitTerminal(ctx context.Context, jobID string, interval time.Duration) (JobStatus, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	for {
		st, err := c.Job(ctx, jobID)
		if err != nil {
			return JobStatus{}, err
		}
		switch st.Job.State {
		case "accepted", "failed", "cancelled":
			return st, nil
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
