package workerclient

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// ClaimedTask pairs a task id with the lease acquired on it, as returned
// by POST /leases/claim.
type ClaimedTask struct {
	TaskID string    `json:"task_id"`
	Lease  LeaseInfo `json:"lease"`
}

type LeaseInfo struct {
	LeaseID      string    `json:"lease_id"`
	TaskID       string    `json:"task_id"`
	WorkerID     string    `json:"worker_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RenewalCount int       `json:"renewal_count"`
}

// Task mirrors the task representation returned by the task-oriented
// endpoints.
type Task struct {
	TaskID    string         `json:"task_id"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Attempt   int            `json:"attempt"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
}

// ClaimNext pulls up to maxTasks queued tasks matching capabilities,
// leasing each for ttl.
func (c *Client) ClaimNext(ctx context.Context, workerID string, capabilities map[string]bool, workerVersion string, maxTasks int, ttl time.Duration) ([]ClaimedTask, error) {
	var out []ClaimedTask
	err := c.do(ctx, "POST", "/leases/claim", map[string]any{
		"worker_id":      workerID,
		"capabilities":   capabilities,
		"worker_version": workerVersion,
		"max_tasks":      maxTasks,
		"ttl_seconds":    int(ttl.Seconds()),
	}, &out)
	return out, err
}

// StartTask moves a leased task into running state.
func (c *Client) StartTask(ctx context.Context, taskID, leaseID, workerID string) (Task, error) {
	var out Task
	err := c.do(ctx, "POST", fmt.Sprintf("/tasks/%s/leases/%s/start", taskID, leaseID),
		map[string]any{"worker_id": workerID}, &out)
	return out, err
}

// ReportProgress records non-terminal progress on a held lease.
func (c *Client) ReportProgress(ctx context.Context, taskID, leaseID, workerID string, progress map[string]any) error {
	return c.do(ctx, "POST", fmt.Sprintf("/tasks/%s/leases/%s/progress", taskID, leaseID),
		map[string]any{"worker_id": workerID, "progress": progress}, nil)
}

// Complete reports a task's terminal success, releasing the lease.
func (c *Client) Complete(ctx context.Context, taskID, leaseID, workerID string, output map[string]any, artifacts []any) error {
	return c.do(ctx, "POST", fmt.Sprintf("/tasks/%s/leases/%s/complete", taskID, leaseID),
		map[string]any{"worker_id": workerID, "output": output, "artifacts": artifacts}, nil)
}

// Fail reports a task's terminal or retryable failure, releasing the lease.
func (c *Client) Fail(ctx context.Context, taskID, leaseID, workerID, errMsg string, retryable bool) error {
	return c.do(ctx, "POST", fmt.Sprintf("/tasks/%s/leases/%s/fail", taskID, leaseID),
		map[string]any{"worker_id": workerID, "error": errMsg, "retryable": retryable}, nil)
}

// CreateTask submits new work, returning the created task.
func (c *Client) CreateTask(ctx context.Context, taskType string, payload []byte, maxAttempts int, idempotencyKey string) (Task, error) {
	var out Task
	err := c.doWithHeaders(ctx, "POST", "/tasks", map[string]any{
		"type":         taskType,
		"payload":      payload,
		"max_attempts": maxAttempts,
	}, &out, map[string]string{"Idempotency-Key": idempotencyKey})
	return out, err
}

// ListOpenObligations returns the caller's outstanding obligations.
func (c *Client) ListOpenObligations(ctx context.Context, cursor string, limit int) (map[string]any, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var out map[string]any
	err := c.do(ctx, "GET", "/obligations?"+q.Encode(), nil, &out)
	return out, err
}
