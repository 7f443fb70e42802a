// Package session keeps an authenticated API session on the client side.
//
// A Manager owns a token Store persisted to a JSON file, the derived session
// State, a refresh Coordinator and a request Executor. The Executor attaches
// the access token as a bearer credential; when the API answers 401 it asks
// the Coordinator for a fresh token and retries the request once. Concurrent
// rejections share a single refresh call and resume in arrival order.
//
// Install decorates an http.Client so every request to the API host goes
// through the Executor, except the authentication endpoints themselves:
//
//	m, err := session.New(session.Config{APIBaseURL: "https://api.example.com/api"})
//	if err != nil {
//		return err
//	}
//	if err := m.Start(ctx); err != nil {
//		return err
//	}
//	resp, err := m.Client().Get(m.URL("/api/user/me"))
//
// Errors are typed: TransportError when no response arrived, APIError for
// unresolved non-success responses and SessionExpiredError when a refresh
// failed and the session was cleared.
package session
