// Package app wires every myme collaborator once and exposes the command
// surface consumed by the daemon, the CLI and the terminal board.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fentz26/myme/internal/audit"
	"github.com/fentz26/myme/internal/auth"
	"github.com/fentz26/myme/internal/config"
	"github.com/fentz26/myme/internal/connectors"
	"github.com/fentz26/myme/internal/connectors/localexec"
	"github.com/fentz26/myme/internal/controlplane"
	"github.com/fentz26/myme/internal/logging"
	"github.com/fentz26/myme/internal/provider"
	"github.com/fentz26/myme/internal/provider/calendar"
	"github.com/fentz26/myme/internal/provider/github"
	"github.com/fentz26/myme/internal/provider/mail"
	"github.com/fentz26/myme/internal/scheduler"
	"github.com/fentz26/myme/internal/store"
	"github.com/fentz26/myme/internal/vault"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// KeyringService is the OS keyring service name.
const KeyringService = "myme"

// authenticateTimeout leaves room for the browser round trip on top of the
// callback wait.
const authenticateTimeout = auth.AuthTimeout + 30*time.Second

// pullTimeout bounds a git pull.
const pullTimeout = 10 * time.Minute

// Registry owns every long-lived collaborator. It is built once by New and
// torn down once by Shutdown.
type Registry struct {
	cfg       *config.Config
	store     *store.Store
	pdr       *audit.PDRWriter
	vault     vault.Vault
	auth      *auth.Manager
	providers *provider.Registry
	vcs       connectors.Connector
	scheduler *scheduler.Scheduler
	service   *controlplane.Service
	logger    zerolog.Logger

	// all lists the collaborators in construction order for Get.
	all []any

	bgMu     sync.Mutex
	bgCancel context.CancelFunc
	bgDone   chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

type options struct {
	vault   vault.Vault
	clients []provider.Client
	login   auth.LoginFunc
	vcs     connectors.Connector
}

// Option customizes New, mostly for tests.
type Option func(*options)

// WithVault replaces the configured credential vault.
func WithVault(v vault.Vault) Option {
	return func(o *options) { o.vault = v }
}

// WithClients replaces the provider clients built from the configuration.
func WithClients(clients ...provider.Client) Option {
	return func(o *options) { o.clients = clients }
}

// WithLoginFunc replaces the browser sign-in.
func WithLoginFunc(fn auth.LoginFunc) Option {
	return func(o *options) { o.login = fn }
}

// WithConnector replaces the local command executor.
func WithConnector(c connectors.Connector) Option {
	return func(o *options) { o.vcs = c }
}

// New builds the registry from cfg. The context bounds construction only.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Registry, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.New(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	v := o.vault
	if v == nil {
		if v, err = openVault(cfg); err != nil {
			st.Close()
			return nil, err
		}
	}

	oauthConfigs := make(map[string]*oauth2.Config, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		oauthConfigs[id] = auth.OAuthConfig(pc)
	}
	var authOpts []auth.Option
	if o.login != nil {
		authOpts = append(authOpts, auth.WithLoginFunc(o.login))
	}
	authMgr := auth.NewManager(v, oauthConfigs, authOpts...)

	clients := o.clients
	if clients == nil {
		clients = []provider.Client{
			github.New(authMgr, github.Options{
				APIURL:           cfg.Providers[github.ProviderID].APIURL,
				AutoCreateLabels: cfg.AutoCreateLabels,
			}),
			calendar.New(authMgr, cfg.Providers[calendar.ProviderID].APIURL, nil),
			mail.New(authMgr, cfg.Providers[mail.ProviderID].APIURL, nil),
		}
	}
	providers := provider.NewRegistry(clients...)

	vcs := o.vcs
	if vcs == nil {
		vcs = localexec.New()
	}

	sch := scheduler.New(schedulerConfig(cfg))
	pdr := audit.NewPDRWriter(st)
	service := controlplane.NewService(st, pdr, authMgr, providers, vcs, sch.Backoff())
	service.Register(sch)

	r := &Registry{
		cfg:       cfg,
		store:     st,
		pdr:       pdr,
		vault:     v,
		auth:      authMgr,
		providers: providers,
		vcs:       vcs,
		scheduler: sch,
		service:   service,
		logger:    logging.Component("app"),
	}
	r.all = []any{cfg, st, pdr, v, authMgr, providers, vcs, sch, service}

	r.logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("vault", cfg.Vault).
		Strs("providers", providers.IDs()).
		Msg("registry ready")
	return r, nil
}

func openVault(cfg *config.Config) (vault.Vault, error) {
	switch cfg.Vault {
	case config.VaultMemory:
		return vault.NewMemory(), nil
	case config.VaultFile:
		v, err := vault.NewFile(cfg.CredentialsDir())
		if err != nil {
			return nil, fmt.Errorf("open file vault: %w", err)
		}
		return v, nil
	default:
		return vault.NewKeyring(KeyringService), nil
	}
}

func schedulerConfig(cfg *config.Config) *scheduler.Config {
	byKind := make(map[scheduler.Kind]int, len(cfg.ByKind))
	for kind, n := range cfg.ByKind {
		byKind[scheduler.Kind(kind)] = n
	}
	return &scheduler.Config{
		MaxWorkers:       cfg.MaxWorkers,
		ByKind:           byKind,
		RetryMax:         cfg.RetryMax,
		BackoffBase:      cfg.RetryBackoffBase(),
		BackoffMax:       cfg.RetryBackoffMax(),
		OperationTimeout: cfg.OperationTimeout(),
		KindTimeouts: map[scheduler.Kind]time.Duration{
			scheduler.KindAuthenticate: authenticateTimeout,
			scheduler.KindPull:         pullTimeout,
		},
	}
}

// Accessors.

func (r *Registry) Config() *config.Config          { return r.cfg }
func (r *Registry) Store() *store.Store             { return r.store }
func (r *Registry) Audit() *audit.PDRWriter         { return r.pdr }
func (r *Registry) Vault() vault.Vault              { return r.vault }
func (r *Registry) Auth() *auth.Manager             { return r.auth }
func (r *Registry) Providers() *provider.Registry   { return r.providers }
func (r *Registry) Scheduler() *scheduler.Scheduler { return r.scheduler }
func (r *Registry) Service() *controlplane.Service  { return r.service }
func (r *Registry) Connector() connectors.Connector { return r.vcs }

// Get returns the first collaborator assignable to T.
func Get[T any](r *Registry) (T, bool) {
	for _, c := range r.all {
		if v, ok := c.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Shutdown stops background sync, lets in-flight operations finish within
// the configured grace (or ctx's deadline, if sooner), cancels the rest and
// releases the store and vault. It is safe to call more than once.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.StopBackgroundSync()

		grace := r.cfg.ShutdownGrace()
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left < grace {
				grace = max(left, 0)
			}
		}
		r.scheduler.Shutdown(grace)
		r.auth.Wait()

		if err := r.store.Close(); err != nil {
			r.shutdownErr = fmt.Errorf("close store: %w", err)
		}
		if err := r.vault.Close(); err != nil && r.shutdownErr == nil {
			r.shutdownErr = fmt.Errorf("close vault: %w", err)
		}
		r.logger.Info().Msg("shutdown complete")
	})
	return r.shutdownErr
}
