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

	"github.com/ozkancirak/socialapp/internal/auth"
	"github.com/ozkancirak/socialapp/internal/config"
	"github.com/ozkancirak/socialapp/internal/logging"
	"github.com/ozkancirak/socialapp/internal/posts"
	"github.com/ozkancirak/socialapp/internal/server"
	"github.com/ozkancirak/socialapp/internal/users"
	"github.com/ozkancirak/socialapp/internal/webhooks"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "socialapp-api",
		Short: "Social app backend with identity reconciliation",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMigrateCommand(), newReconcileCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", "", "Postgres connection string (overrides env)")
	flags.String("jwks-url", defaults.GetString("idp.jwks_url"), "Identity provider JWKS URL")
	flags.String("issuer", defaults.GetString("idp.issuer"), "Comma-separated trusted session issuers")
	flags.String("session-secret", "", "Local HS256 session secret (overrides env)")
	flags.String("webhook-secret", "", "Identity provider webhook signing secret (overrides env)")
	flags.String("redis-address", defaults.GetString("redis.address"), "Redis address for the webhook delivery ledger")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "idp.jwks_url", "jwks-url")
	bindFlag(cmd, "idp.issuer", "issuer")
	bindFlag(cmd, "idp.session_secret", "session-secret")
	bindFlag(cmd, "webhook.signing_secret", "webhook-secret")
	bindFlag(cmd, "redis.address", "redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
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

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			store, err := openStorage(appConfig, logger)
			if err != nil {
				return err
			}
			return store.close()
		},
	}
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <external-id>",
		Short: "Resolve one identity-provider user id, creating its internal user when missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			store, err := openStorage(appConfig, logger)
			if err != nil {
				return err
			}
			defer store.close() //nolint:errcheck

			reconciler, err := newReconciler(appConfig, store, logger)
			if err != nil {
				return err
			}
			result, err := reconciler.Reconcile(cmd.Context(), users.ReconcileRequest{
				ExternalID: args[0],
				Source:     users.SourceCLI,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tcreated=%t\n", result.ExternalID, result.InternalID, result.Created)
			return err
		},
	}
}

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func newReconciler(appConfig config.AppConfig, store storage, logger *zap.Logger) (*users.Reconciler, error) {
	return users.NewReconciler(users.ReconcilerConfig{
		Store:              store.users,
		Clock:              time.Now,
		Logger:             logger,
		ExternalIDPrefix:   appConfig.ExternalIDPrefix,
		Timeout:            appConfig.ReconcileTimeout,
		MaxConflictRetries: appConfig.MaxConflictRetries,
	})
}

func newSessionVerifier(appConfig config.AppConfig, logger *zap.Logger) (auth.SessionVerifier, error) {
	if appConfig.JWKSURL != "" {
		return auth.NewJWKSVerifier(auth.JWKSVerifierConfig{
			JWKSURL:           appConfig.JWKSURL,
			AllowedIssuers:    appConfig.Issuers,
			Audience:          appConfig.Audience,
			AuthorizedParties: appConfig.AuthorizedParties,
			CookieName:        appConfig.SessionCookieName,
			Logger:            logger,
		})
	}
	issuer := ""
	if len(appConfig.Issuers) > 0 {
		issuer = appConfig.Issuers[0]
	}
	logger.Warn("identity provider jwks url not configured, accepting locally signed sessions")
	return auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		Issuer:        issuer,
		CookieName:    appConfig.SessionCookieName,
	})
}

func newDeliveryLedger(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (webhooks.DeliveryLedger, func() error, error) {
	if appConfig.RedisAddress == "" {
		logger.Info("webhook delivery ledger disabled, relying on reconciler idempotency")
		return webhooks.NopLedger{}, func() error { return nil }, nil
	}
	client, err := webhooks.NewRedisClient(ctx, appConfig.RedisAddress, appConfig.RedisPassword)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := webhooks.NewRedisLedger(client, appConfig.LedgerTTL)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("webhook delivery ledger connected", zap.String("address", appConfig.RedisAddress))
	return ledger, client.Close, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if err := appConfig.ValidateServer(); err != nil {
		return err
	}

	store, err := openStorage(appConfig, logger)
	if err != nil {
		return err
	}
	defer store.close() //nolint:errcheck

	reconciler, err := newReconciler(appConfig, store, logger)
	if err != nil {
		return err
	}

	postsService, err := posts.NewService(posts.ServiceConfig{
		Database:   store.gorm,
		Identities: reconciler,
		Clock:      time.Now,
		IDProvider: posts.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessions, err := newSessionVerifier(appConfig, logger)
	if err != nil {
		return err
	}

	webhookVerifier, err := auth.NewWebhookVerifier(auth.WebhookVerifierConfig{
		SigningSecret: appConfig.WebhookSigningSecret,
		Tolerance:     appConfig.WebhookTolerance,
	})
	if err != nil {
		return err
	}

	ledger, closeLedger, err := newDeliveryLedger(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeLedger() //nolint:errcheck

	adapter, err := webhooks.NewAdapter(webhooks.AdapterConfig{
		Verifier:   webhookVerifier,
		Identities: reconciler,
		Ledger:     ledger,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Identities:     reconciler,
		Webhooks:       adapter,
		Posts:          postsService,
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
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
