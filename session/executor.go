package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader correlates the original attempt of a call with its retry.
const RequestIDHeader = "X-Request-ID"

// Options tune a single Execute call.
type Options struct {
	// SkipAuthRefresh disables the 401 refresh-and-retry path.
	SkipAuthRefresh bool
}

// Executor attaches the session's bearer token to requests, refreshes the
// session on 401 and retries exactly once.
type Executor struct {
	transport   http.RoundTripper
	store       *Store
	coordinator *Coordinator
	logger      *zap.Logger
	metrics     MetricsRecorder
	reporter    Reporter
}

// ExecutorConfig wires an Executor. Transport defaults to http.DefaultTransport.
type ExecutorConfig struct {
	Transport   http.RoundTripper
	Store       *Store
	Coordinator *Coordinator
	Logger      *zap.Logger
	Metrics     MetricsRecorder
	Reporter    Reporter
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		transport:   cfg.Transport,
		store:       cfg.Store,
		coordinator: cfg.Coordinator,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		reporter:    cfg.Reporter,
	}
	if e.transport == nil {
		e.transport = http.DefaultTransport
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.metrics == nil {
		e.metrics = noopMetrics{}
	}
	if e.reporter == nil {
		e.reporter = NoopReporter{}
	}
	return e
}

// withTransport returns an Executor sharing e's session but sending through next.
func (e *Executor) withTransport(next http.RoundTripper) *Executor {
	clone := *e
	clone.transport = next
	return &clone
}

// Execute sends req with the current access token.
//
// A 401 answered while a refresh token is stored triggers one refresh and one
// retry; a second 401 is returned as an *APIError. If the refresh fails the
// session is cleared and a *SessionExpiredError is returned. Any other status
// >= 400 becomes an *APIError. Failures of the round trip itself are returned
// as *TransportError. On success the response is returned untouched.
//
// Headers of the caller's req are not modified; a body without GetBody is
// buffered in memory so the retry can resend it.
func (e *Executor) Execute(req *http.Request, opts Options) (*http.Response, error) {
	ctx := req.Context()

	if err := makeReplayable(req); err != nil {
		return nil, err
	}

	requestID := req.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := e.logger.With(
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
		zap.String("request_id", requestID),
	)

	pair := e.store.Get()
	var sentToken string
	if pair != nil {
		sentToken = pair.AccessToken
	}
	resp, err := e.send(ctx, req, pair, requestID)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && !opts.SkipAuthRefresh && pair.HasRefreshToken() {
		drain(resp)

		// A refresh that settled while this attempt was in flight already
		// replaced the rejected token.
		if current := e.store.Get(); current != nil && current.AccessToken != "" && current.AccessToken != sentToken {
			logger.Debug("access token already replaced, retrying")
			pair = current
		} else {
			logger.Debug("access token rejected, refreshing")
			e.reporter.AccessTokenRejected()

			if _, err := e.coordinator.ObtainFreshToken(ctx); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
					return nil, err
				}
				e.metrics.Increment(MetricSessionExpired)
				e.reporter.SessionExpired()
				logger.Info("session expired", zap.Error(err))
				return nil, &SessionExpiredError{Err: err}
			}

			pair = e.store.Get()
			if pair == nil || pair.AccessToken == "" {
				e.metrics.Increment(MetricSessionExpired)
				e.reporter.SessionExpired()
				return nil, &SessionExpiredError{Err: ErrNoSession}
			}
		}

		e.metrics.Increment(MetricRequestRetried)
		e.reporter.TokenRefreshedRetrying()
		logger.Debug("retrying with refreshed token")

		resp, err = e.send(ctx, req, pair, requestID)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode >= 400 {
		apiErr := newAPIError(resp)
		logger.Debug("request failed", zap.Int("status", apiErr.Status), zap.String("message", apiErr.Message))
		return nil, apiErr
	}

	return resp, nil
}

// Do is Execute with default options.
func (e *Executor) Do(req *http.Request) (*http.Response, error) {
	return e.Execute(req, Options{})
}

// send issues one attempt of req decorated with pair.
func (e *Executor) send(ctx context.Context, req *http.Request, pair *TokenPair, requestID string) (*http.Response, error) {
	attempt, err := decorate(ctx, req, pair, requestID)
	if err != nil {
		return nil, err
	}
	resp, err := e.transport.RoundTrip(attempt)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

// decorate clones req with the bearer token, a default JSON content type and
// the request id. The body is re-obtained from GetBody for every attempt.
func decorate(ctx context.Context, req *http.Request, pair *TokenPair, requestID string) (*http.Request, error) {
	attempt := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		attempt.Body = body
	}

	if attempt.Header.Get("Content-Type") == "" {
		attempt.Header.Set("Content-Type", "application/json")
	}
	if pair != nil && pair.AccessToken != "" {
		attempt.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	} else {
		attempt.Header.Del("Authorization")
	}
	attempt.Header.Set(RequestIDHeader, requestID)
	return attempt, nil
}

// makeReplayable buffers a body that cannot be re-read so it can be sent twice.
func makeReplayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to buffer request body: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Body, _ = req.GetBody()
	req.ContentLength = int64(len(data))
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// errorBody is the error payload shape of the API. Fields whose shape varies
// between backends are kept raw and read one by one.
type errorBody struct {
	Message json.RawMessage `json:"message"`
	Error   json.RawMessage `json:"error"`
	Detail  json.RawMessage `json:"detail"`
	Errors  json.RawMessage `json:"errors"`
}

// newAPIError reads resp's body to build an APIError. The body is replaced
// by an in-memory copy so callers can still inspect it.
func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{
		Message:  fmt.Sprintf("Request failed with status %d", resp.StatusCode),
		Status:   resp.StatusCode,
		Response: resp,
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	var payload errorBody
	if readErr != nil || json.Unmarshal(body, &payload) != nil {
		if text := statusText(resp); text != "" {
			apiErr.Message = text
		}
		return apiErr
	}

	for _, raw := range []json.RawMessage{payload.Message, payload.Error, payload.Detail} {
		if msg := rawMessage(raw); msg != "" {
			apiErr.Message = msg
			break
		}
	}
	apiErr.Errors = fieldErrors(payload.Errors)
	return apiErr
}

// rawMessage reads a message that is either a string or an object carrying
// a "message" string.
func rawMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text
	}
	var nested struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &nested) == nil {
		return nested.Message
	}
	return ""
}

// fieldErrors accepts {"field": ["msg", ...]} and {"field": "msg"}.
func fieldErrors(raw json.RawMessage) map[string][]string {
	if len(raw) == 0 {
		return nil
	}
	var lists map[string][]string
	if json.Unmarshal(raw, &lists) == nil {
		return lists
	}
	var single map[string]string
	if json.Unmarshal(raw, &single) != nil {
		return nil
	}
	out := make(map[string][]string, len(single))
	for field, msg := range single {
		out[field] = []string{msg}
	}
	return out
}

// statusText returns the reason phrase of resp ("Not Found" for "404 Not Found").
func statusText(resp *http.Response) string {
	if _, text, ok := strings.Cut(resp.Status, " "); ok && text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
