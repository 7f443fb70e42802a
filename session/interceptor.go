package session

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Interceptor is an http.RoundTripper that routes API traffic through an
// Executor and passes everything else, including the authentication
// endpoints themselves, straight to next.
//
// Unlike a plain RoundTripper, an intercepted API call that ends with a
// status >= 400 is reported as an error (an *APIError or *SessionExpiredError),
// which http.Client surfaces wrapped in a *url.Error.
type Interceptor struct {
	next      http.RoundTripper
	executor  *Executor
	apiBase   *url.URL
	authPaths []string
}

// NewInterceptor wraps next. Requests whose URL contains one of authPaths are
// never decorated; requests under apiBase are sent through executor.
func NewInterceptor(next http.RoundTripper, executor *Executor, apiBase *url.URL, authPaths []string) *Interceptor {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Interceptor{
		next:      next,
		executor:  executor.withTransport(next),
		apiBase:   apiBase,
		authPaths: authPaths,
	}
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if !i.Intercepts(req.URL) {
		return i.next.RoundTrip(req)
	}
	return i.executor.Execute(req, Options{})
}

// Intercepts reports whether a request to u would be decorated.
func (i *Interceptor) Intercepts(u *url.URL) bool {
	raw := u.String()
	for _, p := range i.authPaths {
		if p != "" && strings.Contains(raw, p) {
			return false
		}
	}
	return underBase(u, i.apiBase)
}

// underBase reports whether u has base's origin and lies under its path.
func underBase(u, base *url.URL) bool {
	if base == nil {
		return false
	}
	if !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) {
		return false
	}
	prefix := strings.TrimSuffix(base.Path, "/")
	return prefix == "" || u.Path == prefix || strings.HasPrefix(u.Path, prefix+"/")
}

// Install makes client send API traffic through the Interceptor described by
// the arguments and returns a func restoring the original transport.
// Installing on a client that already carries an Interceptor does not wrap it
// again; the returned func then restores the transport found underneath.
func Install(client *http.Client, executor *Executor, apiBase *url.URL, authPaths []string) (dispose func()) {
	original := client.Transport
	if existing, ok := original.(*Interceptor); ok {
		original = existing.next
	} else {
		client.Transport = NewInterceptor(original, executor, apiBase, authPaths)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			client.Transport = original
		})
	}
}
