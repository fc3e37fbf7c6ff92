package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ntt-orchestrator/internal/types"
)

// apiClient talks to the orchestrator's HTTP API
type apiClient struct {
	http *resty.Client
}

type apiError struct {
	Error types.ServiceError `json:"error"`
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	c := resty.New().SetBaseURL(baseURL)
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &apiClient{http: c}
}

// StartTask submits taskName with raw JSON params and returns the call id
func (c *apiClient) StartTask(ctx context.Context, taskName string, params json.RawMessage) (string, error) {
	var out struct {
		CallID string `json:"callId"`
	}
	req := c.http.R().SetContext(ctx).SetResult(&out).SetError(&apiError{})
	if len(params) > 0 {
		req.SetHeader("Content-Type", "application/json").SetBody([]byte(params))
	}
	resp, err := req.Post("/tasks/start/" + url.PathEscape(taskName))
	if err := check(resp, err); err != nil {
		return "", err
	}
	return out.CallID, nil
}

// TaskStatus fetches a call
func (c *apiClient) TaskStatus(ctx context.Context, callID string) (*types.Call, error) {
	var call types.Call
	resp, err := c.http.R().SetContext(ctx).SetResult(&call).SetError(&apiError{}).
		Get("/tasks/" + url.PathEscape(callID) + "/status")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &call, nil
}

// ExportJobs asks the server to write the job history and returns the file path
func (c *apiClient) ExportJobs(ctx context.Context, format string) (string, error) {
	var out struct {
		Message     string `json:"message"`
		LogFilePath string `json:"logFilePath"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).SetError(&apiError{}).
		SetQueryParam("format", format).
		Get("/admin/jobs/export")
	if err := check(resp, err); err != nil {
		return "", err
	}
	return out.LogFilePath, nil
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	if apiErr, ok := resp.Error().(*apiError); ok && apiErr.Error.Code != "" {
		return fmt.Errorf("%s: %s (HTTP %d)", apiErr.Error.Code, apiErr.Error.Message, resp.StatusCode())
	}
	return fmt.Errorf("unexpected response: %s", resp.Status())
}
