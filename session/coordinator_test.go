package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type coordinatorFixture struct {
	store   *Store
	state   *State
	metrics *CounterMetrics
	calls   atomic.Int32
}

func newCoordinatorFixture(t *testing.T, refresh RefreshFunc) (*Coordinator, *coordinatorFixture) {
	t.Helper()
	f := &coordinatorFixture{
		store:   NewStore(StoreConfig{}),
		state:   NewState(),
		metrics: NewCounterMetrics(),
	}
	f.store.Subscribe(f.state.TokensChanged)
	c := NewCoordinator(CoordinatorConfig{
		Store: f.store,
		State: f.state,
		Refresh: func(ctx context.Context, refreshToken string) (TokenPair, error) {
			f.calls.Add(1)
			return refresh(ctx, refreshToken)
		},
		Timeout: time.Second,
		Metrics: f.metrics,
	})
	return c, f
}

func waiterCount(c *Coordinator) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return 0
	}
	return len(c.pending.waiters)
}

func TestCoordinator_SingleRefreshReleasedInOrder(t *testing.T) {
	gate := make(chan struct{})
	c, f := newCoordinatorFixture(t, func(ctx context.Context, refreshToken string) (TokenPair, error) {
		<-gate
		return TokenPair{AccessToken: "a2", RefreshToken: "r2"}, nil
	})
	if err := f.store.Set(TokenPair{AccessToken: "a1", RefreshToken: "r1"}); err != nil {
		t.Fatal(err)
	}

	var order []int
	c.released = func(position int) { order = append(order, position) }

	const waiters = 5
	tokens := make([]string, waiters+1)
	errs := make([]error, waiters+1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		tokens[0], errs[0] = c.ObtainFreshToken(context.Background())
	}()
	waitFor(t, c.Refreshing)

	for i := 1; i <= waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = c.ObtainFreshToken(context.Background())
		}(i)
		waitFor(t, func() bool { return waiterCount(c) == i })
	}

	close(gate)
	wg.Wait()

	if got := f.calls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	for i := range tokens {
		if errs[i] != nil || tokens[i] != "a2" {
			t.Errorf("caller %d got (%q, %v), want (a2, nil)", i, tokens[i], errs[i])
		}
	}
	for i, pos := range order {
		if pos != i {
			t.Fatalf("release order = %v, want ascending", order)
		}
	}
	if len(order) != waiters {
		t.Errorf("released %d waiters, want %d", len(order), waiters)
	}

	if got := f.store.Get(); got == nil || got.AccessToken != "a2" || got.RefreshToken != "r2" {
		t.Errorf("stored pair = %+v, want a2/r2", got)
	}
	if c.Refreshing() {
		t.Error("Refreshing() = true after completion")
	}
	if got := f.metrics.Count(MetricRefreshJoined); got != waiters {
		t.Errorf("%s = %d, want %d", MetricRefreshJoined, got, waiters)
	}
	if got := f.metrics.Count(MetricRefreshSucceeded); got != 1 {
		t.Errorf("%s = %d, want 1", MetricRefreshSucceeded, got)
	}
}

func TestCoordinator_SequentialRefreshesEachCallOnce(t *testing.T) {
	c, f := newCoordinatorFixture(t, func(ctx context.Context, refreshToken string) (TokenPair, error) {
		return TokenPair{AccessToken: "fresh", RefreshToken: refreshToken}, nil
	})
	f.store.Set(TokenPair{AccessToken: "a1", RefreshToken: "r1"})

	for range 3 {
		if _, err := c.ObtainFreshToken(context.Background()); err != nil {
			t.Fatalf("ObtainFreshToken() error = %v", err)
		}
	}
	if got := f.calls.Load(); got != 3 {
		t.Errorf("refresh calls = %d, want 3", got)
	}
}

func TestCoordinator_FailureTearsDownSession(t *testing.T) {
	gate := make(chan struct{})
	cause := errors.New("refresh rejected")
	c, f := newCoordinatorFixture(t, func(ctx context.Context, refreshToken string) (TokenPair, error) {
		<-gate
		return TokenPair{}, cause
	})
	f.store.Set(TokenPair{AccessToken: "a1", RefreshToken: "r1"})

	errs := make([]error, 3)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = c.ObtainFreshToken(context.Background())
	}()
	waitFor(t, c.Refreshing)
	for i := 1; i < len(errs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.ObtainFreshToken(context.Background())
		}(i)
		waitFor(t, func() bool { return waiterCount(c) == i })
	}
	close(gate)
	wg.Wait()

	for i, err := range errs {
		var expired *AuthenticationExpiredError
		if !errors.As(err, &expired) {
			t.Errorf("caller %d error = %v, want *AuthenticationExpiredError", i, err)
			continue
		}
		if !errors.Is(err, cause) {
			t.Errorf("caller %d error does not wrap the refresh cause: %v", i, err)
		}
	}

	if got := f.store.Get(); got != nil {
		t.Errorf("store after failed refresh = %+v, want empty", got)
	}
	snap := f.state.Snapshot()
	if snap.IsAuthenticated || snap.User != nil {
		t.Errorf("state after failed refresh = %+v, want logged out", snap)
	}
	if snap.LastError != cause.Error() {
		t.Errorf("LastError = %q, want %q", snap.LastError, cause.Error())
	}
	if got := f.metrics.Count(MetricRefreshFailed); got != 1 {
		t.Errorf("%s = %d, want 1", MetricRefreshFailed, got)
	}
}

func TestCoordinator_NoRefreshTokenSkipsNetwork(t *testing.T) {
	c, f := newCoordinatorFixture(t, func(ctx context.Context, refreshToken string) (TokenPair, error) {
		return TokenPair{AccessToken: "never"}, nil
	})
	f.store.Set(TokenPair{AccessToken: "a1"})

	_, err := c.ObtainFreshToken(context.Background())
	if !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("error = %v, want ErrNoRefreshToken", err)
	}
	var expired *AuthenticationExpiredError
	if !errors.As(err, &expired) {
		t.Errorf("error = %T, want *AuthenticationExpiredError", err)
	}
	if got := f.calls.Load(); got != 0 {
		t.Errorf("refresh calls = %d, want 0", got)
	}
	if got := f.store.Get(); got != nil {
		t.Errorf("store = %+v, want empty", got)
	}
}

func TestCoordinator_WaiterContextCancelled(t *testing.T) {
	gate := make(chan struct{})
	c, f := newCoordinatorFixture(t, func(ctx context.Context, refreshToken string) (TokenPair, error) {
		<-gate
		return TokenPair{AccessToken: "a2", RefreshToken: "r1"}, nil
	})
	f.store.Set(TokenPair{AccessToken: "a1", RefreshToken: "r1"})

	leaderDone := make(chan error, 1)
	go func() {
		_, err := c.ObtainFreshToken(context.Background())
		leaderDone <- err
	}()
	waitFor(t, c.Refreshing)

	ctx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		_, err := c.ObtainFreshToken(ctx)
		waiterDone <- err
	}()
	waitFor(t, func() bool { return waiterCount(c) == 1 })

	cancel()
	if err := <-waiterDone; !errors.Is(err, context.Canceled) {
		t.Errorf("waiter error = %v, want context.Canceled", err)
	}

	close(gate)
	if err := <-leaderDone; err != nil {
		t.Errorf("leader error = %v, want nil", err)
	}
	if got := f.store.Get(); got == nil || got.AccessToken != "a2" {
		t.Errorf("stored pair = %+v, want a2", got)
	}
}

func TestCoordinator_LeaderCancelDoesNotAbortRefresh(t *testing.T) {
	gate := make(chan struct{})
	refreshCtxErr := make(chan error, 1)
	c, f := newCoordinatorFixture(t, func(ctx context.Context, refreshToken string) (TokenPair, error) {
		<-gate
		refreshCtxErr <- ctx.Err()
		return TokenPair{AccessToken: "a2", RefreshToken: "r1"}, nil
	})
	f.store.Set(TokenPair{AccessToken: "a1", RefreshToken: "r1"})

	ctx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := c.ObtainFreshToken(ctx)
		leaderDone <- err
	}()
	waitFor(t, c.Refreshing)

	cancel()
	close(gate)

	if err := <-refreshCtxErr; err != nil {
		t.Errorf("refresh ctx error = %v, want nil", err)
	}
	if err := <-leaderDone; err != nil {
		t.Errorf("leader error = %v, want nil", err)
	}
	if got := f.store.Get(); got == nil || got.AccessToken != "a2" {
		t.Errorf("stored pair = %+v, want a2", got)
	}
}

func TestCoordinator_RefreshTimeout(t *testing.T) {
	store := NewStore(StoreConfig{})
	store.Set(TokenPair{AccessToken: "a1", RefreshToken: "r1"})
	c := NewCoordinator(CoordinatorConfig{
		Store: store,
		State: NewState(),
		Refresh: func(ctx context.Context, refreshToken string) (TokenPair, error) {
			<-ctx.Done()
			return TokenPair{}, ctx.Err()
		},
		Timeout: 20 * time.Millisecond,
	})

	_, err := c.ObtainFreshToken(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want wrapped context.DeadlineExceeded", err)
	}
	if store.Get() != nil {
		t.Error("store should be cleared after a timed out refresh")
	}
}

func TestCoordinator_PanickingRefreshSettles(t *testing.T) {
	var panicked atomic.Bool
	c, f := newCoordinatorFixture(t, func(ctx context.Context, refreshToken string) (TokenPair, error) {
		if panicked.CompareAndSwap(false, true) {
			panic("broken refresher")
		}
		return TokenPair{AccessToken: "a2", RefreshToken: "r2"}, nil
	})
	f.store.Set(TokenPair{AccessToken: "a1", RefreshToken: "r1"})

	_, err := c.ObtainFreshToken(context.Background())
	if !errors.Is(err, errRefreshPanicked) {
		t.Fatalf("error = %v, want errRefreshPanicked", err)
	}
	var expired *AuthenticationExpiredError
	if !errors.As(err, &expired) {
		t.Errorf("error = %T, want *AuthenticationExpiredError", err)
	}
	if c.Refreshing() {
		t.Fatal("coordinator still refreshing after a panic")
	}

	f.store.Set(TokenPair{AccessToken: "a1", RefreshToken: "r1"})
	done := make(chan struct{})
	go func() {
		defer close(done)
		token, err := c.ObtainFreshToken(context.Background())
		if err != nil || token != "a2" {
			t.Errorf("ObtainFreshToken() = (%q, %v), want a2", token, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ObtainFreshToken hung after an earlier panic")
	}
}
