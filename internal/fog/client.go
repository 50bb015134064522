package fog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	userAgent         = "fogsched/1.0"
	taskCenterTimeout = 10 * time.Second
	healthTimeout     = 3 * time.Second
	maxRetries        = 3
	retryWaitTime     = 500 * time.Millisecond
)

// Task is a unit of work handed out by the task center.
type Task struct {
	ID        string          `json:"id"`
	Workflow  json.RawMessage `json:"workflow"`
	CreatedAt string          `json:"created_at,omitempty"`
}

// Result reports the outcome of a task back to the task center.
type Result struct {
	TaskID      string  `json:"task_id"`
	Status      string  `json:"status"`
	Output      *Output `json:"output,omitempty"`
	Error       string  `json:"error,omitempty"`
	CompletedAt string  `json:"completed_at"`
}

// TaskCenter talks to the remote service that distributes workflows.
type TaskCenter struct {
	client *resty.Client
	// health is never retried.
	health *resty.Client
}

// NewTaskCenter creates a client for baseURL. Requests are retried on
// transport timeouts and 5xx responses.
func NewTaskCenter(baseURL string) (*TaskCenter, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("task center url is empty")
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(taskCenterTimeout).
		SetHeader("User-Agent", userAgent).
		SetRetryCount(maxRetries).
		SetRetryWaitTime(retryWaitTime).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				var netErr net.Error
				return errors.As(err, &netErr) && netErr.Timeout()
			}
			return r.StatusCode() >= 500
		})
	health := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(healthTimeout).
		SetHeader("User-Agent", userAgent)
	return &TaskCenter{client: client, health: health}, nil
}

// FetchTask asks for the next task. It returns nil when none is available.
func (c *TaskCenter) FetchTask(ctx context.Context) (*Task, error) {
	var task Task
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&task).
		Get("/task")
	if err != nil {
		return nil, fmt.Errorf("fetch task: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNoContent:
		return nil, nil
	default:
		return nil, fmt.Errorf("fetch task: unexpected status %d", resp.StatusCode())
	}
	if task.ID == "" {
		return nil, errors.New("fetch task: response has no id")
	}
	return &task, nil
}

// SubmitResult posts the outcome of a task.
func (c *TaskCenter) SubmitResult(ctx context.Context, result Result) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(result).
		Post("/result")
	if err != nil {
		return fmt.Errorf("submit result: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("submit result: unexpected status %d", resp.StatusCode())
	}
	return nil
}

// Ping checks GET /health.
func (c *TaskCenter) Ping(ctx context.Context) error {
	resp, err := c.health.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("task center health: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("task center health: unexpected status %d", resp.StatusCode())
	}
	return nil
}

// Connected reports whether Ping succeeds.
func (c *TaskCenter) Connected(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}
