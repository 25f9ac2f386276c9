// Package client talks to a running gauntlet server over its REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/joescharf/gauntlet/internal/coordinator"
	"github.com/joescharf/gauntlet/internal/models"
	"github.com/joescharf/gauntlet/internal/store"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps status codes back to the sentinel errors the server reports.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return store.ErrJobNotFound
	case http.StatusServiceUnavailable:
		return coordinator.ErrShuttingDown
	case http.StatusConflict:
		switch {
		case strings.Contains(e.Message, coordinator.ErrJobAlreadyActive.Error()):
			return coordinator.ErrJobAlreadyActive
		case strings.Contains(e.Message, coordinator.ErrResultsNotReady.Error()):
			return coordinator.ErrResultsNotReady
		case strings.Contains(e.Message, coordinator.ErrNotRunning.Error()):
			return coordinator.ErrNotRunning
		}
	case http.StatusBadRequest:
		if strings.Contains(e.Message, coordinator.ErrInvalidJobType.Error()) {
			return coordinator.ErrInvalidJobType
		}
		return coordinator.ErrMalformedPayload
	}
	return nil
}

// Submitted is the server's reply to a submission.
type Submitted struct {
	JobID    string           `json:"job_id"`
	ParentID string           `json:"parent_id,omitempty"`
	Status   models.JobStatus `json:"status"`
}

// Client is a REST client for the /api/v1 routes.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit posts a new job.
func (c *Client) Submit(ctx context.Context, sub coordinator.Submission) (*Submitted, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	var out Submitted
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/jobs", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Job fetches the full job record.
func (c *Client) Job(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Status fetches the status view of a job.
func (c *Client) Status(ctx context.Context, id string) (*coordinator.StatusView, error) {
	var v coordinator.StatusView
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id)+"/status", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// List returns jobs filtered by status, newest first.
func (c *Client) List(ctx context.Context, statuses []string, limit int) ([]*models.Job, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		q.Set("status", strings.Join(statuses, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var jobs []*models.Job
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Results returns the serialized results document unchanged.
func (c *Client) Results(ctx context.Context, id string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id)+"/results", nil)
}

// Lineage returns the chain of jobs sharing id's root.
func (c *Client) Lineage(ctx context.Context, id string) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id)+"/lineage", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Cancel requests cancellation of a running job.
func (c *Client) Cancel(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/cancel", nil)
	return err
}

// Plans lists the server's stage plans.
func (c *Client) Plans(ctx context.Context) ([]models.StagePlan, error) {
	var plans []models.StagePlan
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/plans", nil, &plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// Analytics fetches aggregate job counts.
func (c *Client) Analytics(ctx context.Context) (*coordinator.Analytics, error) {
	var a coordinator.Analytics
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/analytics", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

var errStillRunning = errors.New("job still running")

// Wait polls the job status every interval until it is terminal or ctx ends.
// Transport errors are retried; API errors are returned immediately.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*coordinator.StatusView, error) {
	op := func() (*coordinator.StatusView, error) {
		v, err := c.Status(ctx, id)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if !v.Status.Terminal() {
			return nil, errStillRunning
		}
		return v, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(0),
	)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	data, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return data, nil
}
