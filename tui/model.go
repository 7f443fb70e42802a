package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
	"github.com/go-authgate/authfetch/session"
)

// tickMsg is fired every second to update the expiry countdown.
type tickMsg time.Time

// state represents the current phase of a command.
type state int

const (
	stateInit       state = iota
	stateRefreshing       // refresh in flight
	stateSuccess          // command finished
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model rendering session progress.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	headline string
	user     *session.User

	// Token status panel
	hasToken     bool
	tokenPreview string
	hasRefresh   bool
	expiresAt    *time.Time
	remaining    time.Duration

	fetch  *MsgFetchDone
	errMsg string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleUserBox = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		if m.expiresAt == nil {
			return m, nil
		}
		m.remaining = max(time.Until(*m.expiresAt), 0)
		if m.remaining > 0 {
			return m, tickAfterSecond()
		}
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── session messages ─────────────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgSessionFound:
		switch {
		case msg.ExpiresAt == nil:
			m.addStatus(statusOK, "Found existing session")
		case time.Now().Before(*msg.ExpiresAt):
			m.addStatus(statusOK, "Found existing session, access token is valid")
		default:
			m.addStatus(statusWarn, "Found existing session, access token expired")
		}
		return m, nil

	case MsgNoSession:
		m.addStatus(statusInfo, "No session stored")
		return m, nil

	case MsgAccessTokenRejected:
		m.addStatus(statusWarn, "Access token rejected (401), refreshing...")
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshOK:
		m.state = stateInit
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.state = stateInit
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgTokenRefreshedRetrying:
		m.addStatus(statusOK, "Token refreshed, retrying request...")
		return m, nil

	case MsgTokenSaveFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Warning: failed to save tokens: %v", msg.Err))
		return m, nil

	case MsgSessionExpired:
		m.addStatus(statusWarn, "Session expired, please log in again")
		return m, nil

	case MsgLoggedIn:
		m.state = stateSuccess
		m.headline = "Login successful!"
		if msg.User != nil {
			m.user = msg.User
			m.headline = "Logged in as " + msg.User.Username
		}
		return m, nil

	case MsgLoggedOut:
		m.state = stateSuccess
		m.headline = "Logged out"
		return m, nil

	case MsgUserInfo:
		m.state = stateSuccess
		m.user = msg.User
		if m.headline == "" {
			m.headline = "Session is active"
		}
		return m, nil

	case MsgTokenStatus:
		m.state = stateSuccess
		m.hasToken = true
		m.tokenPreview = msg.Preview
		m.hasRefresh = msg.HasRefreshToken
		m.expiresAt = msg.ExpiresAt
		if m.headline == "" {
			m.headline = "Session is stored"
		}
		if msg.ExpiresAt == nil {
			return m, nil
		}
		m.remaining = max(time.Until(*msg.ExpiresAt), 0)
		return m, tickAfterSecond()

	case MsgFetchDone:
		m.state = stateSuccess
		m.fetch = &msg
		m.headline = fmt.Sprintf("%s %s", msg.Method, msg.URL)
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while a command is running.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  authfetch  "))
	b.WriteString("\n\n")

	b.WriteString(m.spinner.View())
	if m.state == stateRefreshing {
		b.WriteString(" Refreshing access token...\n")
	} else {
		b.WriteString(" Working...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown once the command produced its result.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ " + m.headline))
	b.WriteString("\n\n")

	if m.user != nil {
		b.WriteString(styleUserBox.Render(m.viewUser()))
		b.WriteString("\n")
	}

	if m.hasToken {
		b.WriteString(styleBold.Render("Access Token:  "))
		b.WriteString(m.tokenPreview + "...\n")

		b.WriteString(styleBold.Render("Refresh Token: "))
		if m.hasRefresh {
			b.WriteString("present\n")
		} else {
			b.WriteString(styleWarn.Render("missing") + "\n")
		}

		b.WriteString(styleBold.Render("Expires In:    "))
		if m.expiresAt == nil {
			b.WriteString(styleDim.Render("unknown") + "\n")
		} else {
			b.WriteString(formatDuration(m.remaining) + "\n")
		}
	}

	if m.fetch != nil {
		b.WriteString(styleBold.Render("Status: "))
		status := fmt.Sprintf("%d", m.fetch.Status)
		if m.fetch.Status >= 400 {
			b.WriteString(styleErr.Render(status))
		} else {
			b.WriteString(styleOK.Render(status))
		}
		b.WriteString(styleDim.Render(fmt.Sprintf("  %d bytes", m.fetch.Bytes)))
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewUser() string {
	lines := []string{
		styleBold.Render(m.user.Username),
		styleDim.Render(m.user.Email),
	}
	if len(m.user.Roles) > 0 {
		lines = append(lines, "Roles: "+strings.Join(m.user.Roles, ", "))
	}
	return strings.Join(lines, "\n")
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Request failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
