package session

// Reporter receives progress notifications from the pipeline. tui.Displayer
// embeds it so the CLI can render refreshes as they happen.
// Implementations must be safe for concurrent use.
type Reporter interface {
	AccessTokenRejected()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	TokenRefreshedRetrying()
	TokenSaveFailed(err error)
	SessionExpired()
}

// NoopReporter discards all notifications.
type NoopReporter struct{}

func (NoopReporter) AccessTokenRejected()    {}
func (NoopReporter) Refreshing()             {}
func (NoopReporter) RefreshOK()              {}
func (NoopReporter) RefreshFailed(_ error)   {}
func (NoopReporter) TokenRefreshedRetrying() {}
func (NoopReporter) TokenSaveFailed(_ error) {}
func (NoopReporter) SessionExpired()         {}
