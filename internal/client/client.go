package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fogsched/internal/core"

	"github.com/go-resty/resty/v2"
)

// Client calls the fogschedd HTTP API.
type Client struct {
	http *resty.Client
}

// APIError is the decoded error envelope returned by the daemon.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ConfigUpdate is a partial config change. Nil fields are left unchanged.
type ConfigUpdate struct {
	Enabled  *bool              `json:"enabled,omitempty"`
	Schedule *[]core.TimeWindow `json:"schedule,omitempty"`
}

// ConfigResult is the daemon's answer to a config update.
type ConfigResult struct {
	Config   core.Config `json:"config"`
	Warnings []string    `json:"warnings"`
}

// New creates a client for the daemon at baseURL. token may be empty.
func New(baseURL, token string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("server url is empty")
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetError(&errorEnvelope{})
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c}, nil
}

// Status fetches the merged status view.
func (c *Client) Status(ctx context.Context) (*core.Status, error) {
	var st core.Status
	resp, err := c.http.R().SetContext(ctx).SetResult(&st).Get("/v1/status")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &st, nil
}

// SetConfig sends a partial config update.
func (c *Client) SetConfig(ctx context.Context, update ConfigUpdate) (*ConfigResult, error) {
	var out ConfigResult
	resp, err := c.http.R().SetContext(ctx).SetBody(update).SetResult(&out).Post("/v1/config")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// History lists up to limit runs, newest first. A non-empty outcome keeps
// only runs that ended that way.
func (c *Client) History(ctx context.Context, limit int, outcome core.Outcome) ([]core.TaskRecord, error) {
	var records []core.TaskRecord
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&records)
	if outcome != "" {
		req.SetQueryParam("status", string(outcome))
	}
	resp, err := req.Get("/v1/history")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return records, nil
}

// ClearHistory drops finished runs.
func (c *Client) ClearHistory(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post("/v1/history/clear")
	return check(resp, err)
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
	if env, ok := resp.Error().(*errorEnvelope); ok && env.Error.Message != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}
