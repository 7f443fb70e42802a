package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAPI is a scripted backend counting calls per endpoint.
type fakeAPI struct {
	server       *httptest.Server
	meCalls      atomic.Int32
	refreshCalls atomic.Int32
	loginCalls   atomic.Int32
	logoutCalls  atomic.Int32

	// me answers the "me" endpoint; defaults to meRequiresToken("a2").
	me      http.HandlerFunc
	refresh http.HandlerFunc
	login   http.HandlerFunc
	logout  http.HandlerFunc
	other   http.HandlerFunc
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{}
	api.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, DefaultEndpoints.Me):
			api.meCalls.Add(1)
			api.me(w, r)
		case strings.HasSuffix(r.URL.Path, DefaultEndpoints.Refresh):
			api.refreshCalls.Add(1)
			api.refresh(w, r)
		case strings.HasSuffix(r.URL.Path, DefaultEndpoints.Login):
			api.loginCalls.Add(1)
			api.login(w, r)
		case strings.HasSuffix(r.URL.Path, DefaultEndpoints.Logout):
			api.logoutCalls.Add(1)
			api.logout(w, r)
		default:
			if api.other != nil {
				api.other(w, r)
				return
			}
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(api.server.Close)

	api.me = meRequiresToken("a2")
	api.refresh = refreshIssues("a2")
	api.login = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        "a1",
			"refreshToken": "r1",
			"expiresIn":    3600,
		})
	}
	api.logout = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
	return api
}

func (api *fakeAPI) baseURL() string {
	return api.server.URL + "/api"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// meRequiresToken accepts only "Bearer <token>" and answers with a backend user.
func meRequiresToken(token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"username": map[string]string{"value": "alice"},
			"email":    map[string]string{"value": "alice@example.com"},
			"roles":    []map[string]string{{"name": "ADMIN"}, {"name": "USER"}},
			"userType": "INTERNAL",
		})
	}
}

// refreshIssues answers a refresh for "r1" with the given access token.
func refreshIssues(accessToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken != "r1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accessToken":  accessToken,
			"refreshToken": "r1",
			"expiresIn":    3600,
		})
	}
}

// newTestManager builds a Manager against baseURL persisting into a temp dir.
func newTestManager(t *testing.T, baseURL string, opts ...Option) (*Manager, *CounterMetrics) {
	t.Helper()
	metrics := NewCounterMetrics()
	opts = append([]Option{WithMetrics(metrics)}, opts...)
	m, err := New(Config{
		APIBaseURL: baseURL,
		TokenFile:  filepath.Join(t.TempDir(), "session.json"),
	}, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, metrics
}

func hourFromNow() *time.Time {
	t := time.Now().Add(time.Hour)
	return &t
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(time.Millisecond)
	}
}
