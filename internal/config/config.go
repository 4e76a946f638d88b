// Package config defines the global configuration structure for streamdrop.
// Configuration is loaded once at process startup and is immutable thereafter.
// It follows 12-Factor App principles by strictly separating code from
// configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to exit
// immediately on startup (fail fast).
package config

import (
	"time"

	"streamdrop/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the streamdrop service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	Twitch   TwitchConfig
	Shopify  ShopifyConfig
	Billing  BillingConfig
	Admin    AdminConfig
	Drops    DropsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	// Public base URL for webhook registration (no trailing slash),
	// e.g. https://api.streamdrop.tv
	ExternalURL string `envconfig:"API_EXTERNAL_URL" validate:"required,url"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// TwitchConfig holds Twitch OAuth application credentials.
type TwitchConfig struct {
	ClientID     string       `envconfig:"TWITCH_CLIENT_ID" validate:"required"`
	ClientSecret SecretString `envconfig:"TWITCH_CLIENT_SECRET" validate:"required"`
	RedirectURL  string       `envconfig:"TWITCH_REDIRECT_URL" validate:"required,url"`
	// RefreshInterval controls how often the background refresher scans for
	// tokens nearing expiry.
	RefreshInterval time.Duration `envconfig:"TWITCH_REFRESH_INTERVAL" default:"10m"`
}

// ShopifyConfig holds defaults for the Shopify Admin API integration.
// Per-streamer store domain and admin token live on the Streamer record.
type ShopifyConfig struct {
	APIVersion    string        `envconfig:"SHOPIFY_API_VERSION" default:"2025-01"`
	WebhookSecret SecretString  `envconfig:"SHOPIFY_WEBHOOK_SECRET" validate:"required"`
	CallTimeout   time.Duration `envconfig:"SHOPIFY_CALL_TIMEOUT" default:"10s"`
}

// BillingConfig holds Stripe plan-billing integration credentials and the
// price-to-tier mapping used by the webhook to sync streamer plans.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	ProPriceID          string       `envconfig:"STRIPE_PRICE_PRO" validate:"required"`
	CreatorPriceID      string       `envconfig:"STRIPE_PRICE_CREATOR" validate:"required"`
}

// AdminConfig gates administrative operations.
type AdminConfig struct {
	APIKey SecretString `envconfig:"ADMIN_API_KEY" validate:"required,min=16"`
	// AllowPlanReset must be explicitly enabled for the monthly-usage reset
	// endpoint to function. Intended for test environments only.
	AllowPlanReset bool `envconfig:"ALLOW_PLAN_RESET" default:"false"`
}

// DropsConfig holds issuance tuning shared by all streamers.
type DropsConfig struct {
	// ViewerCodeTTL is the validity window of a personal viewer code.
	ViewerCodeTTL time.Duration `envconfig:"DROP_VIEWER_CODE_TTL" default:"10m"`
	// GlobalCodeTTL is the validity window of a streamer-wide code.
	GlobalCodeTTL time.Duration `envconfig:"DROP_GLOBAL_CODE_TTL" default:"1h"`
	// StreamWindow approximates the duration of one broadcast session; it
	// bounds the per-viewer claim cap lookback.
	StreamWindow time.Duration `envconfig:"DROP_STREAM_WINDOW" default:"6h"`
}
