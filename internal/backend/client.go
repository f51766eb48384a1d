// Package backend implements the HTTP client for the GLIN coordinator.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/glin-ai/glin-client/internal/errdefs"
	"github.com/glin-ai/glin-client/pkg/api"
)

// Client talks to the backend REST API. Registration is unauthenticated;
// everything else carries the provider's bearer token.
type Client struct {
	http  *resty.Client
	token string
}

func NewClient(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second),
	}
}

// SetToken installs the JWT used on authenticated calls.
func (c *Client) SetToken(token string) {
	c.token = token
	c.http.SetAuthToken(token)
}

func (c *Client) authed(op string) error {
	if c.token == "" {
		return &errdefs.AuthError{Op: op, Err: errdefs.ErrNotRegistered}
	}
	return nil
}

// Register creates a new provider record and returns its credentials.
func (c *Client) Register(ctx context.Context, req api.RegisterProviderRequest) (*api.RegisterProviderResponse, error) {
	var out api.RegisterProviderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/api/v1/providers/register")
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, apiError("register", resp)
	}
	return &out, nil
}

// Heartbeat reports liveness and the current task snapshot.
func (c *Client) Heartbeat(ctx context.Context, hb api.ProviderHeartbeat) error {
	if err := c.authed("heartbeat"); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(hb).
		Post("/api/v1/providers/heartbeat")
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if !resp.IsSuccess() {
		return apiError("heartbeat", resp)
	}
	log.Debug().Int("active_tasks", len(hb.CurrentTasks)).Msg("Heartbeat sent")
	return nil
}

// Tasks fetches the provider's assigned-task list. A 404 means no
// assignments and returns an empty list.
func (c *Client) Tasks(ctx context.Context) ([]api.TaskInfo, error) {
	if err := c.authed("poll tasks"); err != nil {
		return nil, err
	}
	var out []api.TaskInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/v1/providers/tasks")
	if err != nil {
		return nil, fmt.Errorf("poll tasks: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if !resp.IsSuccess() {
		return nil, apiError("poll tasks", resp)
	}
	return out, nil
}

// GetProvider fetches provider details.
func (c *Client) GetProvider(ctx context.Context, id uuid.UUID) (*api.Provider, error) {
	var out api.Provider
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/api/v1/providers/%s", id))
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, apiError("get provider", resp)
	}
	return &out, nil
}

// SubmitGradient reports a finished training result.
func (c *Client) SubmitGradient(ctx context.Context, req api.SubmitGradientRequest) error {
	if err := c.authed("submit gradient"); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/api/v1/gradients/submit")
	if err != nil {
		return fmt.Errorf("submit gradient: %w", err)
	}
	if !resp.IsSuccess() {
		return apiError("submit gradient", resp)
	}
	log.Info().Str("task_id", req.TaskID.String()).Str("gradient_cid", req.GradientCID).Msg("Gradient submitted")
	return nil
}

func apiError(op string, resp *resty.Response) error {
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return &errdefs.AuthError{Op: op, Err: fmt.Errorf("backend returned %d", resp.StatusCode())}
	}
	return &errdefs.APIError{Op: op, Status: resp.StatusCode(), Body: resp.String()}
}
