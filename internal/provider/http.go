package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fentz26/myme/internal/errs"
)

const maxErrorBody = 4 << 10

// HTTP is the JSON transport shared by the provider clients. It attaches the
// bearer token and maps HTTP failures onto errs kinds:
//
//	401                      -> Unauthorized (and the token source is told)
//	408, 429, 5xx, transport -> NetworkTransient
//	other 4xx                -> Validation
type HTTP struct {
	Provider string
	BaseURL  string
	Tokens   TokenSource
	Client   *http.Client
	// Header is added to every request.
	Header http.Header
}

// Request describes one API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

// Do performs req and decodes a JSON response into out (when non-nil).
// It returns the response headers for pagination.
func (h *HTTP) Do(ctx context.Context, op string, req Request, out any) (http.Header, error) {
	token, err := h.Tokens.Token(ctx, h.Provider)
	if err != nil {
		return nil, err
	}

	u := strings.TrimRight(h.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, errs.E(errs.KindInternal, op, "encode request", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, errs.E(errs.KindInternal, op, "build request", err)
	}
	for k, vs := range h.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.Header, h.classify(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.Header, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return resp.Header, nil
}

func (h *HTTP) classify(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	cause := &StatusError{Status: resp.StatusCode, Message: errorMessage(raw)}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if h.Tokens != nil {
			h.Tokens.Invalidate(h.Provider, cause)
		}
		return errs.Unauth(op, h.Provider, cause)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return errs.Transient(op, cause)
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		// GitHub reports primary rate limiting as 403.
		return errs.Transient(op, cause)
	case resp.StatusCode >= 400:
		return errs.E(errs.KindValidation, op, fmt.Sprintf("%s rejected the request: %s", h.Provider, cause.Message), cause)
	default:
		return errs.E(errs.KindInternal, op, "unexpected response", cause)
	}
}

// StatusError is the raw HTTP failure behind a classified provider error.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// StatusCode extracts the HTTP status behind err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// errorMessage pulls a human message out of the common JSON error shapes
// ({"message": ...} and {"error": {"message": ...}}), falling back to the raw
// body.
func errorMessage(raw []byte) string {
	var body struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		var plain string
		if json.Unmarshal(body.Error, &plain) == nil && plain != "" {
			return plain
		}
	}
	return strings.TrimSpace(string(raw))
}
