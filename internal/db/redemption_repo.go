package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"streamdrop/internal/types"
)

// RedemptionRepository provides data access for the redemptions table, the
// sink for Shopify orders/create webhook events that used a drop code.
type RedemptionRepository struct {
	db DBTX
}

// NewRedemptionRepository creates a new RedemptionRepository backed by the
// given database connection (pool or transaction).
func NewRedemptionRepository(db DBTX) *RedemptionRepository {
	return &RedemptionRepository{db: db}
}

// Insert records one redemption. Duplicate webhook deliveries for the same
// (shop, order, code) are absorbed by the unique constraint and reported as
// inserted=false rather than an error.
func (r *RedemptionRepository) Insert(ctx context.Context, red *types.Redemption) (bool, error) {
	if red.ID == "" {
		red.ID = "red_" + uuid.NewString()
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO redemptions (id, streamer_id, twitch_login, shop_domain,
		   order_id, order_number, code, discount_amount, discount_type,
		   customer_email, customer_id, raw_order)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (shop_domain, order_id, code) DO NOTHING
		 RETURNING created_at`,
		red.ID,
		nullIfEmpty(red.StreamerID),
		nullIfEmpty(red.TwitchLogin),
		red.ShopDomain,
		red.OrderID,
		red.OrderNumber,
		red.Code,
		red.DiscountAmount,
		red.DiscountType,
		red.CustomerEmail,
		red.CustomerID,
		red.RawOrder,
	)

	err := row.Scan(&red.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert redemption", err)
	}
	return true, nil
}

// ListForStreamer returns a streamer's redemptions, newest first.
func (r *RedemptionRepository) ListForStreamer(ctx context.Context, streamerID string, limit int) ([]*types.Redemption, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, COALESCE(streamer_id, ''), COALESCE(twitch_login, ''),
		   shop_domain, order_id, order_number, code,
		   discount_amount, discount_type, customer_email, customer_id, created_at
		 FROM redemptions
		 WHERE streamer_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		streamerID, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list redemptions", err)
	}
	defer rows.Close()

	var out []*types.Redemption
	for rows.Next() {
		var red types.Redemption
		err := rows.Scan(
			&red.ID,
			&red.StreamerID,
			&red.TwitchLogin,
			&red.ShopDomain,
			&red.OrderID,
			&red.OrderNumber,
			&red.Code,
			&red.DiscountAmount,
			&red.DiscountType,
			&red.CustomerEmail,
			&red.CustomerID,
			&red.CreatedAt,
		)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan redemption row", err)
		}
		out = append(out, &red)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating redemption rows", err)
	}
	return out, nil
}

// CountSince counts a streamer's redemptions from the cutoff onward.
func (r *RedemptionRepository) CountSince(ctx context.Context, streamerID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM redemptions
		 WHERE streamer_id = $1 AND created_at >= $2`,
		streamerID, since).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count redemptions", err)
	}
	return count, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
