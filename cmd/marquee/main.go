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

	"github.com/MarcoPoloResearchLab/marquee/internal/auth"
	"github.com/MarcoPoloResearchLab/marquee/internal/bus"
	"github.com/MarcoPoloResearchLab/marquee/internal/config"
	"github.com/MarcoPoloResearchLab/marquee/internal/database"
	"github.com/MarcoPoloResearchLab/marquee/internal/election"
	"github.com/MarcoPoloResearchLab/marquee/internal/feed"
	"github.com/MarcoPoloResearchLab/marquee/internal/logging"
	"github.com/MarcoPoloResearchLab/marquee/internal/notifications"
	"github.com/MarcoPoloResearchLab/marquee/internal/notifier"
	"github.com/MarcoPoloResearchLab/marquee/internal/push"
	"github.com/MarcoPoloResearchLab/marquee/internal/server"
	"github.com/MarcoPoloResearchLab/marquee/internal/users"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "marquee",
		Short: "Realtime notifications for the storefront",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
	config.ApplyDefaults(viper.GetViper())
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().String("log-level", viper.GetString("log.level"), "Log level (debug, info, warn, error)")
	bindFlag(rootCmd, "log.level", "log-level")

	rootCmd.AddCommand(newServeCommand(), newTabCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notification API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	defaults := config.NewViper()
	flags := cmd.Flags()
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Access token TTL in minutes")
	flags.String("signing-secret", "", "Access token signing secret (overrides env)")
	flags.String("session-secret", "", "Storefront session signing secret (overrides env)")
	flags.StringSlice("allowed-origins", nil, "Origins allowed by CORS; empty allows any")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.session_secret", "session-secret")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	return cmd
}

func newTabCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tab",
		Short: "Run a headless notification tab against the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTab(cmd.Context())
		},
	}
	defaults := config.NewViper()
	flags := cmd.Flags()
	flags.String("api-base-url", defaults.GetString("api.base_url"), "Notification API base URL")
	flags.String("session-token", "", "Storefront session token (overrides env)")
	flags.String("bus-driver", defaults.GetString("bus.driver"), "Cross-tab bus driver (nats, redis)")
	flags.String("bus-origin", defaults.GetString("bus.origin"), "Origin shared by cooperating tabs")
	flags.String("nats-url", defaults.GetString("nats.url"), "NATS server URL")
	flags.String("redis-url", defaults.GetString("redis.url"), "Redis server URL")
	flags.Duration("poll-interval", defaults.GetDuration("poll.interval"), "Follower feed refresh interval; zero disables")

	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "api.session_token", "session-token")
	bindFlag(cmd, "bus.driver", "bus-driver")
	bindFlag(cmd, "bus.origin", "bus-origin")
	bindFlag(cmd, "nats.url", "nats-url")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "poll.interval", "poll-interval")
	return cmd
}

func bindFlag(cmd *cobra.Command, key, name string) {
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		flag = cmd.PersistentFlags().Lookup(name)
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "marquee-api",
		Audience:      "marquee-web",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	feedService, err := feed.NewService(feed.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: feed.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Tokens:         tokenIssuer,
		Users:          userService,
		Feed:           feedService,
		Realtime:       server.NewRealtimeDispatcher(),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runTab(ctx context.Context) error {
	tabConfig, err := config.LoadTab(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(tabConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, err := auth.NewHTTPIdentityProvider(auth.HTTPIdentityProviderConfig{
		BaseURL:      tabConfig.APIBaseURL,
		SessionToken: tabConfig.SessionToken,
	})
	if err != nil {
		return err
	}
	credential, err := identity.IssueToken(signalCtx)
	if err != nil {
		return err
	}
	userID, err := auth.CredentialSubject(credential)
	if err != nil {
		return err
	}

	tabID := uuid.NewString()
	tabBus, err := dialBus(signalCtx, tabConfig, tabID, logger)
	if err != nil {
		return err
	}
	defer tabBus.Close() //nolint:errcheck

	session, err := notifier.Create(signalCtx, notifier.Config{
		UserID:          userID,
		TabID:           tabID,
		Bus:             tabBus,
		Identity:        identity,
		Credential:      credential,
		APIBaseURL:      tabConfig.APIBaseURL,
		CredentialTTL:   tabConfig.CredentialTTL,
		ElectionTimeout: tabConfig.ElectionTimeout,
		Reconnect: notifier.ReconnectPolicy{
			MinDelay:   tabConfig.Reconnect.MinDelay,
			MaxDelay:   tabConfig.Reconnect.MaxDelay,
			Multiplier: tabConfig.Reconnect.Multiplier,
			MaxRetries: tabConfig.Reconnect.MaxRetries,
		},
		PollInterval: tabConfig.PollInterval,
		OnSurfaced: func(notification notifications.Notification) {
			logger.Info("notification",
				zap.String("icon", notification.Type.Icon()),
				zap.String("type", string(notification.Type)),
				zap.String("title", notification.Title),
				zap.String("message", notification.Message))
		},
		OnConnectionState: func(state push.State, err error) {
			logger.Info("push connection", zap.Stringer("state", state), zap.Error(err))
		},
		OnRoleChange: func(role election.Role) {
			logger.Info("tab role", zap.Stringer("role", role))
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer session.Destroy()

	updates, cancelWatch := session.Store().Watch()
	defer cancelWatch()
	for {
		select {
		case <-signalCtx.Done():
			return nil
		case snapshot, ok := <-updates:
			if !ok {
				return nil
			}
			logger.Debug("feed updated",
				zap.Int("notifications", len(snapshot.Notifications)),
				zap.Int("unread", snapshot.UnreadCount))
		}
	}
}

func dialBus(ctx context.Context, tabConfig config.TabConfig, tabID string, logger *zap.Logger) (bus.Bus, error) {
	switch tabConfig.BusDriver {
	case config.BusDriverNATS:
		return bus.DialNATSBus(tabConfig.NATSURL, tabConfig.BusOrigin, tabID, logger)
	case config.BusDriverRedis:
		return bus.DialRedisBus(ctx, tabConfig.RedisURL, tabConfig.BusOrigin, tabID, logger)
	default:
		return nil, fmt.Errorf("bus.driver %q is not supported", tabConfig.BusDriver)
	}
}
