package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/go-authgate/authfetch/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	defaultTokenFile      = ".authfetch-session.json"
	defaultRefreshTimeout = 10 * time.Second
)

// cliConfig is the resolved configuration. Priority: flag > env > default.
type cliConfig struct {
	APIURL         string
	TokenFile      string
	StorageKey     string
	RefreshTimeout time.Duration
	Debug          bool
}

// configKey ties a viper key to its persistent flag and environment variable.
type configKey struct {
	key  string
	flag string
	env  string
}

var configKeys = []configKey{
	{key: "api_url", flag: "api-url", env: "API_URL"},
	{key: "token_file", flag: "token-file", env: "TOKEN_FILE"},
	{key: "storage_key", flag: "storage-key", env: "STORAGE_KEY"},
	{key: "refresh_timeout", flag: "refresh-timeout", env: "REFRESH_TIMEOUT"},
	{key: "debug", flag: "debug", env: "DEBUG"},
}

func registerConfigFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.String("api-url", session.DefaultAPIBaseURL, "API base URL (or API_URL env)")
	flags.String("token-file", defaultTokenFile, "Session storage file (or TOKEN_FILE env)")
	flags.String("storage-key", session.DefaultStorageKey, "Key of the session inside the storage file (or STORAGE_KEY env)")
	flags.Duration("refresh-timeout", defaultRefreshTimeout, "Upper bound for one refresh call (or REFRESH_TIMEOUT env)")
	flags.Bool("debug", false, "Enable debug logging (or DEBUG env)")

	for _, k := range configKeys {
		_ = v.BindPFlag(k.key, flags.Lookup(k.flag))
		_ = v.BindEnv(k.key, k.env)
	}
}

// loadConfig resolves and validates the configuration.
func loadConfig(v *viper.Viper) (cliConfig, error) {
	cfg := cliConfig{
		APIURL:         strings.TrimRight(v.GetString("api_url"), "/"),
		TokenFile:      v.GetString("token_file"),
		StorageKey:     v.GetString("storage_key"),
		RefreshTimeout: v.GetDuration("refresh_timeout"),
		Debug:          v.GetBool("debug"),
	}

	if err := validateServerURL(cfg.APIURL); err != nil {
		return cliConfig{}, fmt.Errorf("invalid API_URL: %w", err)
	}
	if cfg.TokenFile == "" {
		return cliConfig{}, errors.New("token file cannot be empty")
	}
	if cfg.RefreshTimeout <= 0 {
		return cliConfig{}, fmt.Errorf("refresh timeout must be positive, got: %s", cfg.RefreshTimeout)
	}
	return cfg, nil
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// warnPlaintext prints a warning when tokens would travel over plain HTTP.
func warnPlaintext(w io.Writer, apiURL string) {
	if !strings.HasPrefix(strings.ToLower(apiURL), "http://") {
		return
	}
	fmt.Fprintln(w, "⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!")
	fmt.Fprintln(w, "⚠️  This is only safe for local development. Use HTTPS in production.")
	fmt.Fprintln(w)
}
