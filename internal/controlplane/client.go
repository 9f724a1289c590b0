package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/scheduler"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client calls the daemon's loopback API on behalf of one owner.
type Client struct {
	baseURL    string
	owner      string
	httpClient *http.Client
}

// NewClient creates a client submitting operations as owner.
func NewClient(baseURL, owner string) *Client {
	return &Client{
		baseURL: baseURL,
		owner:   owner,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// Owner returns the owner operations are submitted as.
func (c *Client) Owner() string { return c.owner }

// Submit enqueues an operation of kind with payload.
func (c *Client) Submit(ctx context.Context, kind scheduler.Kind, payload any) (scheduler.Handle, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return scheduler.Handle{}, fmt.Errorf("encode payload: %w", err)
	}
	var h scheduler.Handle
	err = c.do(ctx, http.MethodPost, "/ops", SubmitRequest{Kind: kind, Owner: c.owner, Payload: raw}, &h)
	return h, err
}

// Drain fetches the owner's pending outcomes. Outcome data is left encoded
// as json.RawMessage; see DecodeData. It has the scheduler.DrainFunc shape.
func (c *Client) Drain(ctx context.Context) ([]scheduler.Outcome, error) {
	var wire []struct {
		scheduler.Outcome
		Data json.RawMessage `json:"data,omitempty"`
	}
	if err := c.do(ctx, http.MethodGet, "/outcomes?owner="+url.QueryEscape(c.owner), nil, &wire); err != nil {
		return nil, err
	}
	outs := make([]scheduler.Outcome, len(wire))
	for i, w := range wire {
		outs[i] = w.Outcome
		if len(w.Data) > 0 {
			outs[i].Data = w.Data
		}
	}
	return outs, nil
}

// Cancel requests cancellation of operation id.
func (c *Client) Cancel(ctx context.Context, id uint64) (bool, error) {
	var res struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "/ops/"+strconv.FormatUint(id, 10)+"/cancel", nil, &res)
	return res.Cancelled, err
}

// CheckAuth returns provider's cached session.
func (c *Client) CheckAuth(ctx context.Context, provider string) (models.AuthSession, error) {
	var s models.AuthSession
	err := c.do(ctx, http.MethodGet, "/auth/"+url.PathEscape(provider), nil, &s)
	return s, err
}

// SignIn submits provider's sign-in flow.
func (c *Client) SignIn(ctx context.Context, provider string) (scheduler.Handle, error) {
	var h scheduler.Handle
	err := c.do(ctx, http.MethodPost, "/auth/"+url.PathEscape(provider)+"/signin?owner="+url.QueryEscape(c.owner), nil, &h)
	return h, err
}

// SignOut clears provider's session.
func (c *Client) SignOut(ctx context.Context, provider string) (models.AuthSession, error) {
	var s models.AuthSession
	err := c.do(ctx, http.MethodPost, "/auth/"+url.PathEscape(provider)+"/signout", nil, &s)
	return s, err
}

// Projects lists all projects.
func (c *Client) Projects(ctx context.Context) ([]models.Project, error) {
	var projects []models.Project
	err := c.do(ctx, http.MethodGet, "/projects", nil, &projects)
	return projects, err
}

// Tasks lists a project's tasks.
func (c *Client) Tasks(ctx context.Context, projectID string) ([]models.Task, error) {
	var tasks []models.Task
	err := c.do(ctx, http.MethodGet, "/tasks?project="+url.QueryEscape(projectID), nil, &tasks)
	return tasks, err
}

// Stats returns worker pool statistics.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var stats map[string]any
	err := c.do(ctx, http.MethodGet, "/stats", nil, &stats)
	return stats, err
}

// Health returns the daemon health. The response is returned alongside the
// error when the daemon answers but reports itself unhealthy.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Transient("health", err)
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("daemon unhealthy (%d): %s", resp.StatusCode, health.DB)
	}
	return &health, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Transient(method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Kind != "" {
			return errs.E(e.Kind, method+" "+path, e.Message, nil)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// DecodeData decodes an outcome's data into v. It accepts data drained
// in-process as well as data still encoded by Client.Drain.
func DecodeData(out scheduler.Outcome, v any) error {
	raw, ok := out.Data.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(out.Data); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, v)
}
