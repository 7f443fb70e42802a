package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/go-authgate/authfetch/session"
	"github.com/go-authgate/authfetch/tui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// errNotLoggedIn is returned by commands that need a stored session.
var errNotLoggedIn = errors.New("not logged in")

// app is what a command action works with.
type app struct {
	cfg     cliConfig
	manager *session.Manager
	display tui.Displayer
	logger  *zap.Logger
	stdout  io.Writer
	stdin   io.Reader
}

type action func(ctx context.Context, cmd *cobra.Command, a *app) error

func newRootCommand() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "authfetch",
		Short:         "Authenticated API client with persistent sessions and automatic token refresh",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	registerConfigFlags(rootCmd, v)

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with username and password",
		Args:  cobra.NoArgs,
		RunE:  runAction(v, login),
	}
	loginCmd.Flags().StringP("username", "u", "", "Username")
	loginCmd.Flags().StringP("password", "p", "", "Password")
	loginCmd.Flags().Bool("password-stdin", false, "Read the password from stdin")
	_ = loginCmd.MarkFlagRequired("username")

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and log in",
		Args:  cobra.NoArgs,
		RunE:  runAction(v, register),
	}
	registerCmd.Flags().String("email", "", "Email address")
	registerCmd.Flags().StringP("username", "u", "", "Username")
	registerCmd.Flags().StringP("password", "p", "", "Password")
	registerCmd.Flags().Bool("password-stdin", false, "Read the password from stdin")
	registerCmd.Flags().String("first-name", "", "First name")
	registerCmd.Flags().String("last-name", "", "Last name")
	_ = registerCmd.MarkFlagRequired("email")
	_ = registerCmd.MarkFlagRequired("username")

	fetchCmd := &cobra.Command{
		Use:   "fetch <path-or-url>",
		Short: "Send an authenticated request and print the response body",
		Args:  cobra.ExactArgs(1),
		RunE:  runAction(v, fetch),
	}
	fetchCmd.Flags().StringP("method", "X", http.MethodGet, "HTTP method")
	fetchCmd.Flags().StringP("data", "d", "", "Request body (sent as JSON)")

	rootCmd.AddCommand(
		loginCmd,
		registerCmd,
		&cobra.Command{
			Use:   "logout",
			Short: "End the session on the server and clear it locally",
			Args:  cobra.NoArgs,
			RunE:  runAction(v, logout),
		},
		&cobra.Command{
			Use:   "me",
			Short: "Restore the session and show the current user",
			Args:  cobra.NoArgs,
			RunE:  runAction(v, me),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the stored session without contacting the server",
			Args:  cobra.NoArgs,
			RunE:  runAction(v, status),
		},
		fetchCmd,
	)

	return rootCmd
}

// runAction resolves the configuration, builds the session and runs fn with
// the displayer chosen for the terminal.
func runAction(v *viper.Viper, fn action) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		stderr := cmd.ErrOrStderr()

		cfg, err := loadConfig(v)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return err
		}
		warnPlaintext(stderr, cfg.APIURL)

		logger := zap.NewNop()
		if cfg.Debug {
			if logger, err = zap.NewDevelopment(); err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()
		}

		interactive := !cfg.Debug && isTTY()
		return withDisplayer(stderr, interactive, func(d tui.Displayer) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, d, logger)
			if err != nil {
				d.Fatal(err)
				return err
			}
			defer a.manager.Close()
			a.stdout = cmd.OutOrStdout()
			a.stdin = cmd.InOrStdin()

			if err := a.manager.Start(ctx); err != nil {
				d.Fatal(err)
				return err
			}
			if err := fn(ctx, cmd, a); err != nil {
				d.Fatal(err)
				return err
			}
			return nil
		})
	}
}

func newApp(cfg cliConfig, d tui.Displayer, logger *zap.Logger) (*app, error) {
	baseHTTPClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Timeout: 30 * time.Second,
	}

	manager, err := session.New(session.Config{
		APIBaseURL:     cfg.APIURL,
		TokenFile:      cfg.TokenFile,
		StorageKey:     cfg.StorageKey,
		RefreshTimeout: cfg.RefreshTimeout,
	},
		session.WithHTTPClient(baseHTTPClient),
		session.WithLogger(logger),
		session.WithReporter(d),
	)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, manager: manager, display: d, logger: logger}, nil
}

// readPassword returns the --password flag or, with --password-stdin, the
// first line of stdin.
func (a *app) readPassword(cmd *cobra.Command) (string, error) {
	password, _ := cmd.Flags().GetString("password")
	fromStdin, _ := cmd.Flags().GetBool("password-stdin")
	if fromStdin {
		line, err := bufio.NewReader(a.stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return "", errors.New("password is required (use --password or --password-stdin)")
	}
	return password, nil
}

func login(ctx context.Context, cmd *cobra.Command, a *app) error {
	username, _ := cmd.Flags().GetString("username")
	password, err := a.readPassword(cmd)
	if err != nil {
		return err
	}

	if _, err := a.manager.Login(ctx, session.LoginRequest{Username: username, Password: password}); err != nil {
		return describeAuthError(err)
	}
	a.announceLogin(ctx)
	return nil
}

func register(ctx context.Context, cmd *cobra.Command, a *app) error {
	password, err := a.readPassword(cmd)
	if err != nil {
		return err
	}
	registration := session.RegisterRequest{Password: password}
	registration.Email, _ = cmd.Flags().GetString("email")
	registration.Username, _ = cmd.Flags().GetString("username")
	registration.FirstName, _ = cmd.Flags().GetString("first-name")
	registration.LastName, _ = cmd.Flags().GetString("last-name")

	if _, err := a.manager.Register(ctx, registration); err != nil {
		return describeAuthError(err)
	}
	a.announceLogin(ctx)
	return nil
}

// announceLogin reports the new session with the user when it can be fetched.
func (a *app) announceLogin(ctx context.Context) {
	user, err := a.manager.CurrentUser(ctx)
	if err != nil {
		a.logger.Warn("failed to fetch user after login", zap.Error(err))
		a.display.LoggedIn(nil)
		return
	}
	a.display.LoggedIn(user)
	a.display.UserInfo(user)
}

// describeAuthError appends field-level validation messages to err.
func describeAuthError(err error) error {
	var apiErr *session.APIError
	if !errors.As(err, &apiErr) || len(apiErr.Errors) == 0 {
		return err
	}
	var b strings.Builder
	b.WriteString(apiErr.Message)
	for _, field := range slices.Sorted(maps.Keys(apiErr.Errors)) {
		fmt.Fprintf(&b, "\n  %s: %s", field, strings.Join(apiErr.Errors[field], ", "))
	}
	return errors.New(b.String())
}

func logout(ctx context.Context, _ *cobra.Command, a *app) error {
	if a.manager.Store().Get() == nil {
		a.display.NoSession()
		return nil
	}
	if err := a.manager.Logout(ctx); err != nil {
		return err
	}
	a.display.LoggedOut()
	return nil
}

func me(ctx context.Context, _ *cobra.Command, a *app) error {
	pair := a.manager.Store().Get()
	if pair == nil {
		a.display.NoSession()
		return errNotLoggedIn
	}
	a.display.SessionFound(pair.ExpiresAt)

	if !a.manager.Initialize(ctx) {
		if msg := a.manager.State().Snapshot().LastError; msg != "" {
			return errors.New(msg)
		}
		return errNotLoggedIn
	}
	a.display.UserInfo(a.manager.State().Snapshot().User)
	return nil
}

func status(_ context.Context, _ *cobra.Command, a *app) error {
	pair := a.manager.Store().Get()
	if pair == nil {
		a.display.NoSession()
		return errNotLoggedIn
	}
	a.display.TokenStatus(pair)
	return nil
}

// resolveTarget joins a path starting with "/" onto the API base URL.
func resolveTarget(apiURL, target string) string {
	if strings.HasPrefix(target, "/") {
		return apiURL + target
	}
	return target
}

func fetch(ctx context.Context, cmd *cobra.Command, a *app) error {
	method, _ := cmd.Flags().GetString("method")
	data, _ := cmd.Flags().GetString("data")
	method = strings.ToUpper(method)
	target := resolveTarget(a.cfg.APIURL, cmd.Flags().Arg(0))

	var body io.Reader
	if data != "" {
		body = strings.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if data != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.manager.Client().Do(req)
	if err != nil {
		var apiErr *session.APIError
		if errors.As(err, &apiErr) && apiErr.Response != nil {
			n, _ := io.Copy(a.stdout, apiErr.Response.Body)
			_ = apiErr.Response.Body.Close()
			a.display.FetchDone(method, target, apiErr.Status, n)
		}
		return err
	}
	defer resp.Body.Close()

	n, err := io.Copy(a.stdout, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	a.display.FetchDone(method, target, resp.StatusCode, n)
	return nil
}
