package types

import (
	"encoding/json"
	"time"
)

// DropSettings is the per-streamer issuance configuration. It is validated
// once at the settings-write boundary (see handlers.SettingsHandler) and
// consumed as trusted data by the issuance engine thereafter.
type DropSettings struct {
	Enabled bool `json:"enabled"`

	DiscountKind  DiscountKind `json:"discount_kind" validate:"required,oneof=percentage fixed_amount"`
	DiscountValue float64      `json:"discount_value" validate:"gte=0"`
	CodePrefix    string       `json:"code_prefix" validate:"required,max=24"`

	// MaxPerViewerPerStream caps how many codes one viewer can claim within
	// a stream window. 0 disables the cap entirely (distinct from "cap of
	// zero", which the plan quota already expresses).
	MaxPerViewerPerStream int `json:"max_per_viewer_per_stream" validate:"gte=0"`

	// CooldownSeconds is the minimum spacing between any two drops issued by
	// this streamer, viewer or global.
	CooldownSeconds int `json:"cooldown_seconds" validate:"gte=0"`

	// MinOrderSubtotal attaches a minimum-subtotal precondition to the
	// generated price rule when > 0.
	MinOrderSubtotal float64 `json:"min_order_subtotal" validate:"gte=0"`

	AutoEnableOnStreamStart bool `json:"auto_enable_on_stream_start"`
}

// DefaultDropSettings mirrors the defaults applied when a streamer has never
// saved settings. MaxPerViewerPerStream defaults to 1 so the cap is
// meaningful out of the box.
func DefaultDropSettings() DropSettings {
	return DropSettings{
		Enabled:               true,
		DiscountKind:          DiscountPercentage,
		DiscountValue:         10,
		CodePrefix:            "DROP-",
		MaxPerViewerPerStream: 1,
		CooldownSeconds:       120,
		MinOrderSubtotal:      0,
	}
}

// Streamer is the broadcaster account: Twitch identity, Shopify connection,
// drop settings, and plan tier. The issuance engine only reads it; mutation
// happens through the settings/connection/auth handlers.
type Streamer struct {
	ID          string `json:"id" db:"id"`
	TwitchID    string `json:"twitch_id" db:"twitch_id"`
	TwitchLogin string `json:"twitch_login" db:"twitch_login"`
	DisplayName string `json:"display_name" db:"display_name"`
	Email       string `json:"email,omitempty" db:"email"`

	// Twitch OAuth state, kept fresh by the token refresher.
	AccessToken  SecretString `json:"-" db:"access_token"`
	RefreshToken SecretString `json:"-" db:"refresh_token"`
	TokenExpiry  *time.Time   `json:"-" db:"token_expires_at"`
	Scopes       []string     `json:"scopes,omitempty" db:"scopes"`

	// Shopify connection.
	ShopifyConnected   bool         `json:"shopify_connected" db:"shopify_connected"`
	ShopifyStoreDomain string       `json:"shopify_store_domain,omitempty" db:"shopify_store_domain"`
	ShopifyAdminToken  SecretString `json:"-" db:"shopify_admin_token"`
	ShopifyAPIVersion  string       `json:"shopify_api_version,omitempty" db:"shopify_api_version"`

	Settings DropSettings `json:"settings" db:"settings"`

	Plan             PlanTier `json:"plan" db:"plan"`
	StripeCustomerID string   `json:"-" db:"stripe_customer_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Connected reports whether the streamer has a usable Shopify connection.
// A set connected flag without domain or token still counts as not connected.
func (s *Streamer) Connected() bool {
	return s.ShopifyConnected && s.ShopifyStoreDomain != "" && s.ShopifyAdminToken != ""
}

// Claimant is the viewer identity attached to a viewer-kind claim.
type Claimant struct {
	ID          string `json:"viewer_id" validate:"required,max=64"`
	Login       string `json:"viewer_login" validate:"required,max=64"`
	DisplayName string `json:"viewer_display_name,omitempty" validate:"max=128"`
}

// Drop is one issued discount artifact. Immutable once created; its creation
// timestamp is the sole ordering key for every time-windowed policy.
type Drop struct {
	ID          string   `json:"id" db:"id"`
	StreamerID  string   `json:"streamer_id" db:"streamer_id"`
	TwitchLogin string   `json:"twitch_login" db:"twitch_login"`
	Kind        DropKind `json:"kind" db:"kind"`

	ViewerID          string `json:"viewer_id" db:"viewer_id"`
	ViewerLogin       string `json:"viewer_login" db:"viewer_login"`
	ViewerDisplayName string `json:"viewer_display_name,omitempty" db:"viewer_display_name"`

	Code          string       `json:"code" db:"code"`
	DiscountKind  DiscountKind `json:"discount_kind" db:"discount_kind"`
	DiscountValue float64      `json:"discount_value" db:"discount_value"`

	// Platform-assigned identifiers from the two Shopify calls.
	PriceRuleID    int64 `json:"price_rule_id" db:"price_rule_id"`
	DiscountCodeID int64 `json:"discount_code_id" db:"discount_code_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Redemption records that a discount code was used on a Shopify order,
// as reported by the orders/create webhook.
type Redemption struct {
	ID          string `json:"id" db:"id"`
	StreamerID  string `json:"streamer_id,omitempty" db:"streamer_id"`
	TwitchLogin string `json:"twitch_login,omitempty" db:"twitch_login"`

	ShopDomain  string `json:"shop_domain" db:"shop_domain"`
	OrderID     string `json:"order_id" db:"order_id"`
	OrderNumber string `json:"order_number,omitempty" db:"order_number"`

	Code           string `json:"code" db:"code"`
	DiscountAmount string `json:"discount_amount,omitempty" db:"discount_amount"`
	DiscountType   string `json:"discount_type,omitempty" db:"discount_type"`

	CustomerEmail string `json:"customer_email,omitempty" db:"customer_email"`
	CustomerID    string `json:"customer_id,omitempty" db:"customer_id"`

	RawOrder json.RawMessage `json:"-" db:"raw_order"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TwitchToken is the normalized result of a Twitch OAuth exchange or refresh.
type TwitchToken struct {
	AccessToken  SecretString
	RefreshToken SecretString
	ExpiresAt    time.Time
	Scopes       []string
	TokenType    string
}

// PlanUsage is the reporting view of a streamer's monthly consumption.
type PlanUsage struct {
	Plan        PlanTier  `json:"plan"`
	ViewerUsed  int       `json:"viewer_used"`
	ViewerLimit Limit     `json:"viewer_limit"`
	GlobalUsed  int       `json:"global_used"`
	GlobalLimit Limit     `json:"global_limit"`
	MonthStart  time.Time `json:"month_start"`
	MonthEnd    time.Time `json:"month_end"`
}
