package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-authgate/authfetch/internal/devapi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "devapi",
		Short: "Development backend for authfetch: password login, rotating refresh tokens and /me",
		RunE:  runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("signing_key", "", "HS256 signing secret for access tokens")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 7*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().String("database_url", "", "Database URL for refresh grants (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Origins allowed to call the API with credentials")
	rootCmd.Flags().String("seed_user", "", "Username created at startup (password from --seed_password)")
	rootCmd.Flags().String("seed_password", "", "Password of the seed user")

	for _, name := range []string{
		"listen_addr", "signing_key", "access_ttl", "refresh_ttl",
		"database_url", "cors_allowed_origins", "seed_user", "seed_password",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("DEVAPI")
	viper.AutomaticEnv()

	return rootCmd
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	signingKey := viper.GetString("signing_key")
	if signingKey == "" {
		return errors.New("signing_key must be provided")
	}

	var grants devapi.GrantStore
	if databaseURL := viper.GetString("database_url"); databaseURL != "" {
		store, storeErr := devapi.NewDatabaseGrantStore(context.Background(), databaseURL)
		if storeErr != nil {
			return storeErr
		}
		grants = store
		logger.Info("using persistent grant store", zap.String("driver", store.Driver()))
	} else {
		grants = devapi.NewMemoryGrantStore()
		logger.Info("using in-memory grant store")
	}

	users := devapi.NewUsers()
	if seedUser := viper.GetString("seed_user"); seedUser != "" {
		if _, err := users.Add(devapi.User{
			Username: seedUser,
			Email:    seedUser + "@localhost",
			Roles:    []string{"ADMIN", "USER"},
			UserType: "INTERNAL",
		}, viper.GetString("seed_password")); err != nil {
			return fmt.Errorf("seed user: %w", err)
		}
		logger.Info("seed user created", zap.String("username", seedUser))
	}

	gin.SetMode(gin.ReleaseMode)
	api, err := devapi.NewServer(devapi.Config{
		SigningKey:     []byte(signingKey),
		AccessTTL:      viper.GetDuration("access_ttl"),
		RefreshTTL:     viper.GetDuration("refresh_ttl"),
		AllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
	}, users, grants, logger)
	if err != nil {
		return err
	}

	listenAddr := viper.GetString("listen_addr")
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}
