package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRefreshTimeout bounds a single refresh network call.
const DefaultRefreshTimeout = 10 * time.Second

// errRefreshPanicked wraps a panic raised by the RefreshFunc.
var errRefreshPanicked = errors.New("refresh panicked")

type refreshResult struct {
	pair TokenPair
	err  error
}

// pendingRefresh exists while a refresh call is outstanding. waiters are
// released in the order they were appended.
type pendingRefresh struct {
	waiters []chan refreshResult
}

// Coordinator collapses concurrent refresh demand into one network call.
type Coordinator struct {
	store    *Store
	state    *State
	refresh  RefreshFunc
	timeout  time.Duration
	logger   *zap.Logger
	metrics  MetricsRecorder
	reporter Reporter

	mu      sync.Mutex
	pending *pendingRefresh

	// released, when set, observes the position of every waiter as it is released.
	released func(position int)
}

// CoordinatorConfig wires a Coordinator. Store, State and Refresh are required.
type CoordinatorConfig struct {
	Store    *Store
	State    *State
	Refresh  RefreshFunc
	Timeout  time.Duration
	Logger   *zap.Logger
	Metrics  MetricsRecorder
	Reporter Reporter
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		store:    cfg.Store,
		state:    cfg.State,
		refresh:  cfg.Refresh,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		reporter: cfg.Reporter,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRefreshTimeout
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}
	if c.reporter == nil {
		c.reporter = NoopReporter{}
	}
	return c
}

// Refreshing reports whether a refresh call is currently outstanding.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// ObtainFreshToken returns a new access token. The first caller while idle
// performs the refresh; callers arriving while it is in flight wait for that
// same outcome. On failure the session is torn down and every caller gets an
// *AuthenticationExpiredError.
//
// A waiter whose ctx ends stops waiting and returns ctx.Err(); the refresh
// itself is not cancelled by any caller's ctx and is bounded by the timeout.
func (c *Coordinator) ObtainFreshToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if p := c.pending; p != nil {
		slot := make(chan refreshResult, 1)
		p.waiters = append(p.waiters, slot)
		c.mu.Unlock()

		c.metrics.Increment(MetricRefreshJoined)
		c.logger.Debug("waiting for in-flight refresh")

		select {
		case res := <-slot:
			return res.pair.AccessToken, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	p := &pendingRefresh{}
	c.pending = p
	c.mu.Unlock()

	pair, err := c.run(ctx)

	c.mu.Lock()
	c.pending = nil
	waiters := p.waiters
	c.mu.Unlock()

	res := refreshResult{pair: pair, err: err}
	for i, slot := range waiters {
		slot <- res
		if c.released != nil {
			c.released(i)
		}
	}

	return pair.AccessToken, err
}

func (c *Coordinator) run(ctx context.Context) (TokenPair, error) {
	c.metrics.Increment(MetricRefreshStarted)
	c.reporter.Refreshing()

	current := c.store.Get()
	if !current.HasRefreshToken() {
		return TokenPair{}, c.fail(ErrNoRefreshToken)
	}

	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	pair, err := c.callRefresh(refreshCtx, current.RefreshToken)
	if err != nil {
		return TokenPair{}, c.fail(err)
	}

	if err := c.store.Set(pair); err != nil {
		// The new pair is live in memory; only persistence failed.
		c.logger.Warn("failed to persist refreshed tokens", zap.Error(err))
		c.reporter.TokenSaveFailed(err)
	}

	c.metrics.Increment(MetricRefreshSucceeded)
	c.reporter.RefreshOK()
	c.logger.Debug("access token refreshed")
	return pair, nil
}

// callRefresh turns a panicking RefreshFunc into an ordinary failure so the
// pending refresh always settles.
func (c *Coordinator) callRefresh(ctx context.Context, refreshToken string) (pair TokenPair, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errRefreshPanicked, r)
		}
	}()
	return c.refresh(ctx, refreshToken)
}

// fail tears the session down and wraps cause for every caller.
func (c *Coordinator) fail(cause error) error {
	c.metrics.Increment(MetricRefreshFailed)
	c.logger.Warn("token refresh failed, clearing session", zap.Error(cause))

	if err := c.store.Clear(); err != nil {
		c.logger.Warn("failed to clear token store", zap.Error(err))
	}
	c.state.Reset(cause.Error())
	c.reporter.RefreshFailed(cause)

	return &AuthenticationExpiredError{Err: cause}
}
