// Package notify posts finished projects to the frontend API.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/ntt-orchestrator/internal/circuitbreaker"
	"github.com/ntt-orchestrator/internal/config"
	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/logging"
)

// APIKeyHeader carries the frontend API key
const APIKeyHeader = "x-api-key"

// Request is the notification body
type Request struct {
	ProjectData  json.RawMessage `json:"projectData"`
	Network      string          `json:"network"`
	TokenAddress string          `json:"tokenAddress"`
}

// Client posts notifications to the frontend
type Client struct {
	httpClient *resty.Client
	url        string
	apiKey     string
	breaker    *circuitbreaker.Breaker
	logger     *logging.Logger
}

// NewClient creates a client from the frontend configuration
func NewClient(cfg config.FrontendConfig, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	httpClient := resty.New()
	if cfg.Timeout > 0 {
		httpClient.SetTimeout(cfg.Timeout)
	}
	logger = logger.WithField("component", "notify")
	return &Client{
		httpClient: httpClient,
		url:        cfg.APIURL,
		apiKey:     cfg.APIKey,
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig("frontend"), logger),
		logger:     logger,
	}
}

// Configured reports whether both the endpoint and the key are set
func (c *Client) Configured() bool {
	return c.url != "" && c.apiKey != ""
}

// Notify posts req to the frontend endpoint
func (c *Client) Notify(ctx context.Context, req *Request) error {
	if c.url == "" {
		return apperrors.NewConfigurationError("FRONTEND_API_URL", "not set")
	}
	if c.apiKey == "" {
		return apperrors.NewConfigurationError("FRONTEND_API_KEY", "not set")
	}

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.httpClient.R().
			SetContext(ctx).
			SetHeader(APIKeyHeader, c.apiKey).
			SetBody(req).
			Post(c.url)
		if err != nil {
			return apperrors.NewExternalToolError("POST "+c.url, -1, "", "", err)
		}
		if resp.IsError() {
			return apperrors.NewExternalToolError("POST "+c.url, resp.StatusCode(), resp.String(), "",
				fmt.Errorf("frontend responded %s", resp.Status()))
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyProbes) {
		return apperrors.NewExternalToolError("POST "+c.url, -1, "", "", err)
	}
	if err != nil {
		return err
	}

	c.logger.WithFields(map[string]interface{}{
		"network":      req.Network,
		"tokenAddress": req.TokenAddress,
	}).Info("Frontend notified")
	return nil
}
