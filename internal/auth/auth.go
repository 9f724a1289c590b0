// Package auth owns the token lifecycle of every remote provider: sign-in,
// refresh, sign-out and lazy expiry detection. It is the only component that
// touches the credential vault.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/myme/internal/config"
	"github.com/fentz26/myme/internal/errs"
	"github.com/fentz26/myme/internal/logging"
	"github.com/fentz26/myme/internal/models"
	"github.com/fentz26/myme/internal/vault"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// refreshBuffer is how long before expiry a token is refreshed.
const refreshBuffer = 5 * time.Minute

// LoginFunc runs an interactive sign-in and returns the acquired token.
type LoginFunc func(ctx context.Context, provider string, cfg *oauth2.Config) (*oauth2.Token, error)

// storedToken is the vault payload for one provider.
type storedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

type providerState struct {
	cfg     *oauth2.Config
	session models.AuthSession
	token   *oauth2.Token
}

// Manager handles authentication operations.
type Manager struct {
	vault  vault.Vault
	login  LoginFunc
	now    func() time.Time
	client *http.Client
	logger zerolog.Logger

	mu        sync.RWMutex
	providers map[string]*providerState

	purges sync.WaitGroup
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLoginFunc replaces the browser sign-in flow.
func WithLoginFunc(fn LoginFunc) Option {
	return func(m *Manager) { m.login = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHTTPClient sets the client used for token exchange and refresh.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// OAuthConfig builds the oauth2 client configuration of one provider.
func OAuthConfig(pc config.ProviderConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     pc.ClientID,
		ClientSecret: pc.ClientSecret,
		Scopes:       pc.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  pc.AuthURL,
			TokenURL: pc.TokenURL,
		},
	}
}

// NewManager creates a manager for the given providers and restores any
// sessions persisted in the vault. Restoring never touches the network.
func NewManager(v vault.Vault, providers map[string]*oauth2.Config, opts ...Option) *Manager {
	m := &Manager{
		vault:     v,
		now:       time.Now,
		logger:    logging.Component("auth"),
		providers: make(map[string]*providerState, len(providers)),
	}
	m.login = m.browserLogin
	for _, opt := range opts {
		opt(m)
	}

	for id, cfg := range providers {
		st := &providerState{
			cfg:     cfg,
			session: models.AuthSession{ProviderID: id, State: models.AuthStateUnauthenticated},
		}
		m.providers[id] = st
		m.restore(id, st)
	}
	return m
}

func (m *Manager) restore(id string, st *providerState) {
	data, ok, err := m.vault.Load(id)
	if err != nil {
		st.session.LastError = err.Error()
		m.logger.Warn().Err(err).Str("provider", id).Msg("load credentials")
		return
	}
	if !ok {
		return
	}

	var stored storedToken
	if err := json.Unmarshal(data, &stored); err != nil || stored.AccessToken == "" {
		st.session.LastError = "stored credentials are unreadable"
		m.logger.Warn().Str("provider", id).Msg("discarding unreadable credentials")
		return
	}

	tok := &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		TokenType:    stored.TokenType,
		Expiry:       stored.ExpiresAt,
	}
	if m.expired(tok) && tok.RefreshToken == "" {
		st.session.LastError = "session expired"
		return
	}
	m.setAuthenticated(id, st, tok)
}

// Providers returns the configured provider ids, sorted.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.providers))
	for id := range m.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Check returns the cached session of provider. It never performs I/O.
func (m *Manager) Check(provider string) models.AuthSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.providers[provider]
	if !ok {
		return models.AuthSession{
			ProviderID: provider,
			State:      models.AuthStateUnauthenticated,
			LastError:  "unknown provider",
		}
	}
	if st.session.Authenticated && st.token != nil && st.token.RefreshToken == "" && m.expired(st.token) {
		m.resetLocked(st, "session expired")
	}
	return st.session
}

// Authenticate runs the sign-in flow for provider. It is meant to run inside
// a worker: it may wait minutes for the browser callback.
func (m *Manager) Authenticate(ctx context.Context, provider string) (models.AuthSession, error) {
	const op = "auth.authenticate"

	m.mu.Lock()
	st, ok := m.providers[provider]
	if !ok {
		m.mu.Unlock()
		return models.AuthSession{}, errs.Invalid(op, "unknown provider %q", provider)
	}
	if st.cfg.ClientID == "" {
		m.mu.Unlock()
		return models.AuthSession{}, errs.Invalid(op, "no client_id configured for %s", provider)
	}
	if st.session.State == models.AuthStateAuthenticating {
		m.mu.Unlock()
		return models.AuthSession{}, errs.Invalid(op, "sign-in to %s already in progress", provider)
	}
	st.session.State = models.AuthStateAuthenticating
	st.session.Authenticated = false
	st.session.LastError = ""
	cfg := st.cfg
	m.mu.Unlock()

	tok, cause := m.login(m.withClient(ctx), provider, cfg)
	var err error
	switch {
	case cause != nil:
		err = tokenEndpointErr(op, provider, cause)
		if err == nil {
			err = errs.E(errs.KindUnauthorized, op, fmt.Sprintf("sign-in to %s failed", provider), cause)
		}
	case tok == nil || tok.AccessToken == "":
		cause = errors.New("provider returned no access token")
		err = errs.E(errs.KindUnauthorized, op, fmt.Sprintf("sign-in to %s failed", provider), cause)
	default:
		if cause = m.persist(provider, tok); cause != nil {
			err = errs.StoreErr(op, cause)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.resetLocked(st, errs.Message(cause))
		m.logger.Warn().Ctx(ctx).Err(cause).Str("provider", provider).Str("kind", string(errs.KindOf(err))).Msg("sign-in failed")
		return st.session, err
	}
	m.setAuthenticated(provider, st, tok)
	m.logger.Info().Ctx(ctx).Str("provider", provider).Msg("signed in")
	return st.session, nil
}

// SignOut clears the cached session immediately; the vault entry is purged
// in the background. Call Wait to block until purges finish.
func (m *Manager) SignOut(provider string) models.AuthSession {
	m.mu.Lock()
	st, ok := m.providers[provider]
	if !ok {
		m.mu.Unlock()
		return models.AuthSession{ProviderID: provider, State: models.AuthStateUnauthenticated}
	}
	m.resetLocked(st, "")
	session := st.session
	m.mu.Unlock()

	m.purge(provider)
	return session
}

// Invalidate records that provider rejected its credentials. The session
// drops to unauthenticated so the next Check reports it without a network
// call, and the unusable credentials are purged.
func (m *Manager) Invalidate(provider string, cause error) {
	m.mu.Lock()
	st, ok := m.providers[provider]
	if !ok || !st.session.Authenticated {
		m.mu.Unlock()
		return
	}
	msg := "credentials were rejected"
	if cause != nil {
		msg = cause.Error()
	}
	m.resetLocked(st, msg)
	m.mu.Unlock()

	m.logger.Warn().Str("provider", provider).Str("cause", msg).Msg("session invalidated")
	m.purge(provider)
}

// Token returns a usable access token, refreshing it when it is about to
// expire. No lock is held during the refresh round trip.
func (m *Manager) Token(ctx context.Context, provider string) (string, error) {
	const op = "auth.token"

	m.mu.RLock()
	st, ok := m.providers[provider]
	if !ok {
		m.mu.RUnlock()
		return "", errs.Invalid(op, "unknown provider %q", provider)
	}
	if !st.session.Authenticated || st.token == nil {
		m.mu.RUnlock()
		return "", errs.Unauth(op, provider, errors.New("not signed in"))
	}
	tok := *st.token
	cfg := st.cfg
	m.mu.RUnlock()

	if !m.needsRefresh(&tok) {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == "" {
		if !m.expired(&tok) {
			return tok.AccessToken, nil
		}
		m.Invalidate(provider, errors.New("session expired"))
		return "", errs.Unauth(op, provider, errors.New("token expired"))
	}

	// Force the refresh even if oauth2 still considers the token valid.
	stale := tok
	stale.Expiry = time.Unix(1, 0)
	fresh, err := cfg.TokenSource(m.withClient(ctx), &stale).Token()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		cerr := tokenEndpointErr(op, provider, err)
		if cerr == nil {
			cerr = errs.Transient(op, err)
		}
		if errs.KindOf(cerr) == errs.KindUnauthorized {
			m.Invalidate(provider, fmt.Errorf("refresh rejected: %v", err))
		}
		return "", cerr
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}

	// Keep the refreshed token only while the session it was refreshed from
	// is still current: a sign-out during the round trip must stay signed out.
	m.mu.Lock()
	defer m.mu.Unlock()
	if !st.session.Authenticated || st.token == nil {
		m.logger.Debug().Ctx(ctx).Str("provider", provider).Msg("signed out during refresh; dropping token")
		return "", errs.Unauth(op, provider, errors.New("signed out during refresh"))
	}
	if st.token.AccessToken != tok.AccessToken {
		// Refreshed or signed in again concurrently.
		return st.token.AccessToken, nil
	}
	if err := m.persist(provider, fresh); err != nil {
		m.logger.Warn().Ctx(ctx).Err(err).Str("provider", provider).Msg("persist refreshed token")
	}
	m.setAuthenticated(provider, st, fresh)
	return fresh.AccessToken, nil
}

// tokenEndpointErr classifies a failure of the token endpoint: a rejection
// is Unauthorized, a 5xx answer or a transport failure is NetworkTransient.
// It returns nil for errors that did not come from the endpoint.
func tokenEndpointErr(op, provider string, err error) error {
	if errs.KindOf(err) == errs.KindCancelled {
		return err
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return errs.Transient(op, err)
		}
		return errs.Unauth(op, provider, err)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return errs.Transient(op, err)
	}
	return nil
}

// Wait blocks until background vault purges have finished.
func (m *Manager) Wait() {
	m.purges.Wait()
}

func (m *Manager) purge(provider string) {
	m.purges.Add(1)
	go func() {
		defer m.purges.Done()
		if err := m.vault.Delete(provider); err != nil {
			m.logger.Warn().Err(err).Str("provider", provider).Msg("purge credentials")
		}
	}()
}

func (m *Manager) persist(provider string, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("provider returned no access token")
	}
	data, err := json.Marshal(storedToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	})
	if err != nil {
		return err
	}
	if err := m.vault.Store(provider, data); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// setAuthenticated must be called with mu held (or before m is shared).
func (m *Manager) setAuthenticated(provider string, st *providerState, tok *oauth2.Token) {
	st.token = tok
	st.session = models.AuthSession{
		ProviderID:    provider,
		State:         models.AuthStateAuthenticated,
		Authenticated: true,
		TokenHandle:   "vault:" + provider,
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		st.session.ExpiresAt = &exp
	}
}

// resetLocked must be called with mu held.
func (m *Manager) resetLocked(st *providerState, lastError string) {
	st.token = nil
	st.session = models.AuthSession{
		ProviderID: st.session.ProviderID,
		State:      models.AuthStateUnauthenticated,
		LastError:  lastError,
	}
}

// expired treats a zero expiry as never expiring (GitHub OAuth app tokens).
func (m *Manager) expired(tok *oauth2.Token) bool {
	return !tok.Expiry.IsZero() && !m.now().Before(tok.Expiry)
}

func (m *Manager) needsRefresh(tok *oauth2.Token) bool {
	return !tok.Expiry.IsZero() && !m.now().Before(tok.Expiry.Add(-refreshBuffer))
}

func (m *Manager) withClient(ctx context.Context) context.Context {
	if m.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}
