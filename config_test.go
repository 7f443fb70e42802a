package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/go-authgate/authfetch/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func parseConfig(t *testing.T, args ...string) (cliConfig, error) {
	t.Helper()
	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	registerConfigFlags(cmd, v)
	if err := cmd.PersistentFlags().Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return loadConfig(v)
}

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range configKeys {
		t.Setenv(k.env, "")
	}

	cfg, err := parseConfig(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIURL != session.DefaultAPIBaseURL {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if cfg.TokenFile != defaultTokenFile {
		t.Errorf("TokenFile = %q", cfg.TokenFile)
	}
	if cfg.StorageKey != session.DefaultStorageKey {
		t.Errorf("StorageKey = %q", cfg.StorageKey)
	}
	if cfg.RefreshTimeout != defaultRefreshTimeout {
		t.Errorf("RefreshTimeout = %s", cfg.RefreshTimeout)
	}
	if cfg.Debug {
		t.Error("Debug should default to false")
	}
}

func TestLoadConfig_Priority(t *testing.T) {
	t.Setenv("API_URL", "https://env.example.com/api")
	t.Setenv("TOKEN_FILE", "/tmp/env-session.json")
	t.Setenv("REFRESH_TIMEOUT", "3s")
	t.Setenv("DEBUG", "true")

	cfg, err := parseConfig(t, "--api-url=https://flag.example.com/api/", "--storage-key=work")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIURL != "https://flag.example.com/api" {
		t.Errorf("flag should win over env and trailing slash be trimmed, got %q", cfg.APIURL)
	}
	if cfg.TokenFile != "/tmp/env-session.json" {
		t.Errorf("env should win over default, got %q", cfg.TokenFile)
	}
	if cfg.StorageKey != "work" {
		t.Errorf("StorageKey = %q", cfg.StorageKey)
	}
	if cfg.RefreshTimeout != 3*time.Second {
		t.Errorf("RefreshTimeout = %s", cfg.RefreshTimeout)
	}
	if !cfg.Debug {
		t.Error("Debug should come from env")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad scheme", []string{"--api-url=ftp://example.com"}, "scheme must be http or https"},
		{"no host", []string{"--api-url=http://"}, "must include a host"},
		{"empty token file", []string{"--token-file="}, "token file cannot be empty"},
		{"zero timeout", []string{"--refresh-timeout=0s"}, "refresh timeout must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range configKeys {
				t.Setenv(k.env, "")
			}
			_, err := parseConfig(t, tt.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://localhost:8080/api", false},
		{"https://api.example.com", false},
		{"", true},
		{"localhost:8080", true},
		{"://bad", true},
	}
	for _, tt := range tests {
		err := validateServerURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateServerURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestWarnPlaintext(t *testing.T) {
	var buf bytes.Buffer
	warnPlaintext(&buf, "HTTP://localhost:8080")
	if !strings.Contains(buf.String(), "WARNING") {
		t.Error("expected plaintext warning")
	}

	buf.Reset()
	warnPlaintext(&buf, "https://api.example.com")
	if buf.Len() != 0 {
		t.Errorf("unexpected warning for https: %q", buf.String())
	}
}
