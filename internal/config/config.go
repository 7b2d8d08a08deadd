package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "SOCIALAPP"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = DriverSQLite
	defaultDatabasePath       = "socialapp.db"
	defaultLogLevel           = "info"
	defaultExternalIDPrefix   = "user_"
	defaultSessionCookieName  = "__session"
	defaultWebhookTolerance   = 5 * time.Minute
	defaultReconcileTimeout   = 5 * time.Second
	defaultMaxConflictRetries = 3
	defaultLedgerTTL          = 72 * time.Hour

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server and operator commands.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	ExternalIDPrefix  string
	JWKSURL           string
	Issuers           []string
	Audience          string
	AuthorizedParties []string
	SessionCookieName string
	SessionSecret     string

	WebhookSigningSecret string
	WebhookTolerance     time.Duration

	ReconcileTimeout   time.Duration
	MaxConflictRetries int

	RedisAddress  string
	RedisPassword string
	LedgerTTL     time.Duration

	AllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("idp.external_id_prefix", defaultExternalIDPrefix)
	configViper.SetDefault("idp.jwks_url", "")
	configViper.SetDefault("idp.issuer", "")
	configViper.SetDefault("idp.audience", "")
	configViper.SetDefault("idp.authorized_parties", "")
	configViper.SetDefault("idp.session_cookie", defaultSessionCookieName)
	configViper.SetDefault("idp.session_secret", "")
	configViper.SetDefault("webhook.signing_secret", "")
	configViper.SetDefault("webhook.tolerance", defaultWebhookTolerance)
	configViper.SetDefault("reconcile.timeout", defaultReconcileTimeout)
	configViper.SetDefault("reconcile.max_conflict_retries", defaultMaxConflictRetries)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.ledger_ttl", defaultLedgerTTL)
	configViper.SetDefault("cors.allowed_origins", "")
}

// Load parses runtime configuration from viper and validates the parts every command needs.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          strings.TrimSpace(configViper.GetString("http.address")),
		LogLevel:             configViper.GetString("log.level"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         strings.TrimSpace(configViper.GetString("database.path")),
		DatabaseDSN:          strings.TrimSpace(configViper.GetString("database.dsn")),
		ExternalIDPrefix:     configViper.GetString("idp.external_id_prefix"),
		JWKSURL:              strings.TrimSpace(configViper.GetString("idp.jwks_url")),
		Issuers:              splitList(configViper.GetString("idp.issuer")),
		Audience:             strings.TrimSpace(configViper.GetString("idp.audience")),
		AuthorizedParties:    splitList(configViper.GetString("idp.authorized_parties")),
		SessionCookieName:    strings.TrimSpace(configViper.GetString("idp.session_cookie")),
		SessionSecret:        configViper.GetString("idp.session_secret"),
		WebhookSigningSecret: strings.TrimSpace(configViper.GetString("webhook.signing_secret")),
		WebhookTolerance:     configViper.GetDuration("webhook.tolerance"),
		ReconcileTimeout:     configViper.GetDuration("reconcile.timeout"),
		MaxConflictRetries:   configViper.GetInt("reconcile.max_conflict_retries"),
		RedisAddress:         strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:        configViper.GetString("redis.password"),
		LedgerTTL:            configViper.GetDuration("redis.ledger_ttl"),
		AllowedOrigins:       splitList(configViper.GetString("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ValidateServer checks the settings only the HTTP server needs.
func (c AppConfig) ValidateServer() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.WebhookSigningSecret == "" {
		return fmt.Errorf("webhook.signing_secret is required")
	}
	if c.JWKSURL == "" && strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("either idp.jwks_url or idp.session_secret is required")
	}
	if c.JWKSURL != "" && len(c.Issuers) == 0 {
		return fmt.Errorf("idp.issuer is required with idp.jwks_url")
	}
	if c.SessionCookieName == "" {
		return fmt.Errorf("idp.session_cookie is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if c.ReconcileTimeout <= 0 {
		return fmt.Errorf("reconcile.timeout must be positive")
	}
	if c.MaxConflictRetries < 0 {
		return fmt.Errorf("reconcile.max_conflict_retries must not be negative")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
