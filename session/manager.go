package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// DefaultAPIBaseURL is used when Config.APIBaseURL is empty.
const DefaultAPIBaseURL = "http://localhost:8080/api"

// Endpoints are paths appended to the API base URL.
type Endpoints struct {
	Login    string
	Register string
	Logout   string
	Refresh  string
	Me       string
}

// DefaultEndpoints mirrors the routes exposed by the backend.
var DefaultEndpoints = Endpoints{
	Login:    "/api/auth/login",
	Register: "/auth/register",
	Logout:   "/auth/logout",
	Refresh:  "/auth/refresh",
	Me:       "/api/user/me",
}

// Config configures a Manager. Zero values select the defaults.
type Config struct {
	APIBaseURL string
	Endpoints  Endpoints
	// AuthPaths are never intercepted. Defaults to the login, register and
	// refresh endpoints.
	AuthPaths      []string
	TokenFile      string
	StorageKey     string
	RefreshTimeout time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for unintercepted traffic (refresh,
// login, register, logout) and whose transport the Executor sends through.
// A client without a Jar gets one for the cookie mirror.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) { m.client = client }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(metrics MetricsRecorder) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithReporter(reporter Reporter) Option {
	return func(m *Manager) { m.reporter = reporter }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRefreshFunc replaces the HTTP refresh call.
func WithRefreshFunc(fn RefreshFunc) Option {
	return func(m *Manager) { m.refreshFn = fn }
}

// Manager owns one session: its token store, derived state, refresh
// coordinator and request executor. Build it with New, call Start once and
// Close when done.
type Manager struct {
	cfg     Config
	apiBase *url.URL

	client      *http.Client
	retryClient *retry.Client
	logger      *zap.Logger
	metrics     MetricsRecorder
	reporter    Reporter
	now         func() time.Time
	refreshFn   RefreshFunc

	store       *Store
	state       *State
	coordinator *Coordinator
	executor    *Executor

	unsubscribe func()
}

// New validates cfg and wires the session components.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.Endpoints == (Endpoints{}) {
		cfg.Endpoints = DefaultEndpoints
	}
	if cfg.AuthPaths == nil {
		cfg.AuthPaths = []string{cfg.Endpoints.Login, cfg.Endpoints.Register, cfg.Endpoints.Refresh}
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = DefaultStorageKey
	}

	apiBase, err := url.Parse(cfg.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	if apiBase.Scheme != "http" && apiBase.Scheme != "https" {
		return nil, fmt.Errorf("API base URL scheme must be http or https, got: %s", apiBase.Scheme)
	}
	if apiBase.Host == "" {
		return nil, errors.New("API base URL must include a host")
	}

	m := &Manager{cfg: cfg, apiBase: apiBase}
	for _, opt := range opts {
		opt(m)
	}

	if m.client == nil {
		m.client = &http.Client{}
	}
	if m.client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		m.client.Jar = jar
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	if m.reporter == nil {
		m.reporter = NoopReporter{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.refreshFn == nil {
		m.refreshFn = newHTTPRefresher(m.client, m.URL(cfg.Endpoints.Refresh), m.now)
	}

	m.retryClient, err = retry.NewClient(retry.WithHTTPClient(m.client))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	m.store = NewStore(StoreConfig{
		Path:      cfg.TokenFile,
		Key:       cfg.StorageKey,
		CookieJar: m.client.Jar,
		CookieURL: &url.URL{Scheme: apiBase.Scheme, Host: apiBase.Host, Path: "/"},
		Now:       m.now,
		Logger:    m.logger.Named("store"),
	})
	m.state = NewState()
	m.unsubscribe = m.store.Subscribe(m.state.TokensChanged)

	m.coordinator = NewCoordinator(CoordinatorConfig{
		Store:    m.store,
		State:    m.state,
		Refresh:  m.refreshFn,
		Timeout:  cfg.RefreshTimeout,
		Logger:   m.logger.Named("refresh"),
		Metrics:  m.metrics,
		Reporter: m.reporter,
	})
	m.executor = NewExecutor(ExecutorConfig{
		Transport:   m.client.Transport,
		Store:       m.store,
		Coordinator: m.coordinator,
		Logger:      m.logger.Named("executor"),
		Metrics:     m.metrics,
		Reporter:    m.reporter,
	})

	return m, nil
}

// Start loads the persisted session.
func (m *Manager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.store.Load(); err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if pair := m.store.Get(); pair != nil {
		m.logger.Debug("session loaded", zap.Bool("expired", pair.IsExpired(m.now())))
	}
	return nil
}

// Close detaches the state from the store. The persisted session is kept.
func (m *Manager) Close() error {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	return nil
}

func (m *Manager) Store() *Store             { return m.store }
func (m *Manager) State() *State             { return m.state }
func (m *Manager) Coordinator() *Coordinator { return m.coordinator }
func (m *Manager) Executor() *Executor       { return m.executor }

// URL joins path onto the API base URL.
func (m *Manager) URL(path string) string {
	return m.cfg.APIBaseURL + path
}

// Execute runs req through the Executor.
func (m *Manager) Execute(req *http.Request, opts Options) (*http.Response, error) {
	return m.executor.Execute(req, opts)
}

// Install routes client's API traffic through this session.
func (m *Manager) Install(client *http.Client) (dispose func()) {
	return Install(client, m.executor, m.apiBase, m.cfg.AuthPaths)
}

// Client returns a new http.Client sharing the session's cookie jar with the
// Interceptor installed on top of the session transport.
func (m *Manager) Client() *http.Client {
	client := &http.Client{
		Transport: m.client.Transport,
		Jar:       m.client.Jar,
		Timeout:   m.client.Timeout,
	}
	m.Install(client)
	return client
}

// TokenSource exposes the session as an oauth2.TokenSource. An expired access
// token is refreshed through the Coordinator before it is returned.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, m: m}
}

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	pair := ts.m.store.Get()
	if pair == nil {
		return nil, ErrNoSession
	}
	if pair.IsExpired(ts.m.now()) {
		if _, err := ts.m.coordinator.ObtainFreshToken(ts.ctx); err != nil {
			return nil, err
		}
		if pair = ts.m.store.Get(); pair == nil {
			return nil, ErrNoSession
		}
	}
	return pair.OAuth2Token(), nil
}
