package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"streamdrop/internal/types"
)

// StreamerRepository provides data access for the streamers table.
type StreamerRepository struct {
	db DBTX
}

// NewStreamerRepository creates a new StreamerRepository backed by the given
// database connection (pool or transaction).
func NewStreamerRepository(db DBTX) *StreamerRepository {
	return &StreamerRepository{db: db}
}

// streamerColumns defines the standard set of columns selected for streamer
// queries. Used consistently across all query methods to avoid column drift.
const streamerColumns = `s.id, s.twitch_id, s.twitch_login, s.display_name, s.email,
	s.access_token, s.refresh_token, s.token_expires_at, s.scopes,
	s.shopify_connected, s.shopify_store_domain, s.shopify_admin_token, s.shopify_api_version,
	s.settings, s.plan, s.stripe_customer_id, s.created_at, s.updated_at`

// scanStreamer scans a single streamer row into a types.Streamer struct.
// The columns must match the order defined in streamerColumns.
func scanStreamer(row pgx.Row) (*types.Streamer, error) {
	var s types.Streamer
	var email, accessToken, refreshToken *string
	var shopDomain, shopToken, shopVersion, stripeCustomerID *string

	err := row.Scan(
		&s.ID,
		&s.TwitchID,
		&s.TwitchLogin,
		&s.DisplayName,
		&email,
		&accessToken,
		&refreshToken,
		&s.TokenExpiry,
		&s.Scopes,
		&s.ShopifyConnected,
		&shopDomain,
		&shopToken,
		&shopVersion,
		&s.Settings,
		&s.Plan,
		&stripeCustomerID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if email != nil {
		s.Email = *email
	}
	if accessToken != nil {
		s.AccessToken = types.SecretString(*accessToken)
	}
	if refreshToken != nil {
		s.RefreshToken = types.SecretString(*refreshToken)
	}
	if shopDomain != nil {
		s.ShopifyStoreDomain = *shopDomain
	}
	if shopToken != nil {
		s.ShopifyAdminToken = types.SecretString(*shopToken)
	}
	if shopVersion != nil {
		s.ShopifyAPIVersion = *shopVersion
	}
	if stripeCustomerID != nil {
		s.StripeCustomerID = *stripeCustomerID
	}
	return &s, nil
}

// GetByLogin retrieves a streamer by Twitch login (case-insensitive).
// Returns ErrCodeNotFoundStreamer if no streamer exists for the login.
func (r *StreamerRepository) GetByLogin(ctx context.Context, login string) (*types.Streamer, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+streamerColumns+`
		 FROM streamers s
		 WHERE s.twitch_login = $1`,
		strings.ToLower(login),
	)
	return r.one(row)
}

// GetByID retrieves a streamer by internal ID.
func (r *StreamerRepository) GetByID(ctx context.Context, id string) (*types.Streamer, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+streamerColumns+` FROM streamers s WHERE s.id = $1`, id)
	return r.one(row)
}

// GetByShopDomain retrieves a streamer by connected Shopify store domain.
// Used by the order webhook to attribute redemptions.
func (r *StreamerRepository) GetByShopDomain(ctx context.Context, domain string) (*types.Streamer, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+streamerColumns+` FROM streamers s WHERE s.shopify_store_domain = $1`, domain)
	return r.one(row)
}

// GetByStripeCustomerID retrieves a streamer by Stripe customer ID.
// Used by the Stripe webhook to apply plan changes.
func (r *StreamerRepository) GetByStripeCustomerID(ctx context.Context, customerID string) (*types.Streamer, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+streamerColumns+` FROM streamers s WHERE s.stripe_customer_id = $1`, customerID)
	return r.one(row)
}

func (r *StreamerRepository) one(row pgx.Row) (*types.Streamer, error) {
	s, err := scanStreamer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundStreamer, "streamer not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve streamer", err)
	}
	return s, nil
}

// UpsertByTwitchID inserts or refreshes the streamer identified by Twitch ID.
// Called from the OAuth callback; identity fields and token state come from
// Twitch, while connection, settings, and plan are preserved on conflict.
// The streamer's ID and timestamps are populated on return.
func (r *StreamerRepository) UpsertByTwitchID(ctx context.Context, s *types.Streamer) error {
	if s.ID == "" {
		s.ID = "str_" + uuid.NewString()
	}
	if s.Settings == (types.DropSettings{}) {
		s.Settings = types.DefaultDropSettings()
	}
	if s.Plan == "" {
		s.Plan = types.PlanFree
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO streamers (id, twitch_id, twitch_login, display_name, email,
		   access_token, refresh_token, token_expires_at, scopes, settings, plan)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (twitch_id) DO UPDATE SET
		   twitch_login = EXCLUDED.twitch_login,
		   display_name = EXCLUDED.display_name,
		   email = COALESCE(NULLIF(EXCLUDED.email, ''), streamers.email),
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   token_expires_at = EXCLUDED.token_expires_at,
		   scopes = EXCLUDED.scopes,
		   updated_at = NOW()
		 RETURNING id, created_at, updated_at`,
		s.ID,
		s.TwitchID,
		strings.ToLower(s.TwitchLogin),
		s.DisplayName,
		s.Email,
		s.AccessToken.Unmask(),
		s.RefreshToken.Unmask(),
		s.TokenExpiry,
		s.Scopes,
		s.Settings,
		s.Plan,
	)
	if err := row.Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert streamer", err)
	}
	return nil
}

// UpdateSettings replaces the streamer's drop settings. The settings must
// already be validated by the caller (the settings-write boundary).
func (r *StreamerRepository) UpdateSettings(ctx context.Context, id string, settings types.DropSettings) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE streamers SET settings = $1, updated_at = NOW() WHERE id = $2`,
		settings, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update settings", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundStreamer, "streamer not found", nil)
	}
	return nil
}

// UpdateConnection stores or clears the Shopify connection for a streamer.
func (r *StreamerRepository) UpdateConnection(ctx context.Context, id string, domain string, token types.SecretString, apiVersion string, connected bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE streamers
		 SET shopify_connected = $1,
		     shopify_store_domain = $2,
		     shopify_admin_token = $3,
		     shopify_api_version = $4,
		     updated_at = NOW()
		 WHERE id = $5`,
		connected, domain, token.Unmask(), apiVersion, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update shopify connection", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundStreamer, "streamer not found", nil)
	}
	return nil
}

// UpdateToken stores a refreshed Twitch token. An empty refresh token in the
// incoming token preserves the stored one (Twitch does not always rotate it).
func (r *StreamerRepository) UpdateToken(ctx context.Context, id string, token types.TwitchToken) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE streamers
		 SET access_token = $1,
		     refresh_token = COALESCE(NULLIF($2, ''), refresh_token),
		     token_expires_at = $3,
		     scopes = CASE WHEN cardinality($4::text[]) > 0 THEN $4::text[] ELSE scopes END,
		     updated_at = NOW()
		 WHERE id = $5`,
		token.AccessToken.Unmask(),
		token.RefreshToken.Unmask(),
		token.ExpiresAt,
		token.Scopes,
		id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update twitch token", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundStreamer, "streamer not found", nil)
	}
	return nil
}

// UpdatePlan applies a plan tier change, typically from the Stripe webhook.
func (r *StreamerRepository) UpdatePlan(ctx context.Context, id string, plan types.PlanTier) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE streamers SET plan = $1, updated_at = NOW() WHERE id = $2`, plan, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update plan", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundStreamer, "streamer not found", nil)
	}
	return nil
}

// UpdateStripeCustomerID links a streamer to their Stripe customer record.
func (r *StreamerRepository) UpdateStripeCustomerID(ctx context.Context, id string, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE streamers SET stripe_customer_id = $1, updated_at = NOW() WHERE id = $2`,
		customerID, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update stripe customer id", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundStreamer, "streamer not found", nil)
	}
	return nil
}

// ListExpiringTokens returns streamers whose Twitch token expires before the
// cutoff and who still hold a refresh token. Used by the background refresher.
func (r *StreamerRepository) ListExpiringTokens(ctx context.Context, before time.Time, limit int) ([]*types.Streamer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+streamerColumns+`
		 FROM streamers s
		 WHERE s.token_expires_at IS NOT NULL
		   AND s.token_expires_at < $1
		   AND s.refresh_token IS NOT NULL AND s.refresh_token <> ''
		 ORDER BY s.token_expires_at ASC
		 LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expiring tokens", err)
	}
	defer rows.Close()

	var out []*types.Streamer
	for rows.Next() {
		s, err := scanStreamer(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan streamer row", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating streamer rows", err)
	}
	return out, nil
}
