package provider_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/provider"
	"github.com/fentz26/myme/internal/provider/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHTTP(t *testing.T, tokens *providertest.Tokens, h http.HandlerFunc) *provider.HTTP {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &provider.HTTP{Provider: "github", BaseURL: srv.URL, Tokens: tokens}
}

func TestHTTP_Classification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		header  map[string]string
		body    string
		want    errs.Kind
		message string
	}{
		{name: "unauthorized", status: 401, body: `{"message":"Bad credentials"}`, want: errs.KindUnauthorized},
		{name: "request timeout", status: 408, want: errs.KindNetworkTransient},
		{name: "rate limited", status: 429, want: errs.KindNetworkTransient},
		{name: "server error", status: 502, want: errs.KindNetworkTransient},
		{name: "primary rate limit", status: 403, header: map[string]string{"X-RateLimit-Remaining": "0"}, want: errs.KindNetworkTransient},
		{name: "forbidden", status: 403, body: `{"message":"Resource not accessible"}`, want: errs.KindValidation, message: "Resource not accessible"},
		{name: "not found", status: 404, body: `{"error":{"message":"Not Found"}}`, want: errs.KindValidation, message: "Not Found"},
		{name: "plain body", status: 422, body: "nope", want: errs.KindValidation, message: "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := &providertest.Tokens{}
			h := newHTTP(t, tokens, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := h.Do(context.Background(), "test.op", provider.Request{Method: http.MethodGet, Path: "/x"}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, errs.KindOf(err))
			assert.Equal(t, tt.status, provider.StatusCode(err))
			if tt.message != "" {
				assert.Contains(t, errs.Message(err), tt.message)
			}
			if tt.want == errs.KindUnauthorized {
				assert.Equal(t, []string{"github"}, tokens.InvalidatedProviders())
			} else {
				assert.Empty(t, tokens.InvalidatedProviders())
			}
		})
	}
}

func TestHTTP_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := &provider.HTTP{Provider: "github", BaseURL: url, Tokens: &providertest.Tokens{}}
	_, err := h.Do(context.Background(), "test.op", provider.Request{Method: http.MethodGet, Path: "x"}, nil)
	assert.Equal(t, errs.KindNetworkTransient, errs.KindOf(err))
	assert.True(t, errs.Retryable(err))
}

func TestHTTP_CancelledContext(t *testing.T) {
	h := newHTTP(t, &providertest.Tokens{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Do(ctx, "test.op", provider.Request{Method: http.MethodGet, Path: "x"}, nil)
	assert.Equal(t, errs.KindCancelled, errs.KindOf(err))
}

func TestHTTP_TokenErrorPassesThrough(t *testing.T) {
	calls := 0
	tokens := &providertest.Tokens{Err: errs.Unauth("auth.token", "github", errors.New("not signed in"))}
	h := newHTTP(t, tokens, func(w http.ResponseWriter, r *http.Request) { calls++ })

	_, err := h.Do(context.Background(), "test.op", provider.Request{Method: http.MethodGet, Path: "x"}, nil)
	assert.Equal(t, errs.KindUnauthorized, errs.KindOf(err))
	assert.Zero(t, calls)
}

func TestHTTP_DecodesAndSendsBody(t *testing.T) {
	h := newHTTP(t, &providertest.Tokens{Value: "abc"}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "/items", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"42"}`))
	})

	var out struct {
		ID string `json:"id"`
	}
	_, err := h.Do(context.Background(), "test.op", provider.Request{
		Method: http.MethodPost,
		Path:   "items",
		Query:  map[string][]string{"page": {"1"}},
		Body:   map[string]string{"title": "x"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "42", out.ID)
}
