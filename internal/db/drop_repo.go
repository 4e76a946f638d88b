package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"streamdrop/internal/types"
)

// Names of the partial unique indexes that enforce admission at write time.
// Unique violations are mapped back to policy conflicts by constraint name.
const (
	cooldownIndexName  = "drops_cooldown_bucket_key"
	capSlotIndexName   = "drops_claimant_slot_key"
	quotaSlotIndexName = "drops_quota_slot_key"
)

// maxSlotRetries bounds how many times a losing writer recomputes its slot
// after a quota-slot or claimant-slot collision before giving up.
const maxSlotRetries = 3

// DropRepository provides data access for the drops table. Admission control
// (quota, cooldown, per-viewer cap) is enforced here by the insert itself, so
// concurrent claims can never over-issue regardless of what the advisory
// checks upstream concluded.
type DropRepository struct {
	db DBTX
}

// NewDropRepository creates a new DropRepository backed by the given database
// connection (pool or transaction).
func NewDropRepository(db DBTX) *DropRepository {
	return &DropRepository{db: db}
}

// InsertParams carries the drop row plus the policy inputs the conditional
// insert enforces. The caller resolves plan limits and settings; this layer
// turns them into bucket values and guard predicates.
type InsertParams struct {
	Drop *types.Drop
	Now  time.Time

	// CooldownSeconds > 0 arms the shared cooldown slot; 0 leaves the
	// cooldown bucket NULL so the partial unique index ignores the row.
	CooldownSeconds int

	// CapLimit > 0 arms the per-viewer slot competition within StreamWindow.
	// 0 disables the cap. Only meaningful for viewer-kind drops.
	CapLimit     int
	StreamWindow time.Duration

	// QuotaLimit bounds drops of this kind inside [MonthStart, MonthEnd).
	QuotaLimit types.Limit
	MonthStart time.Time
	MonthEnd   time.Time
}

func (p InsertParams) cooldownBucket() *int64 {
	if p.CooldownSeconds <= 0 {
		return nil
	}
	b := p.Now.Unix() / int64(p.CooldownSeconds)
	return &b
}

func (p InsertParams) monthBucket() *int64 {
	if p.QuotaLimit.IsUnlimited() {
		return nil
	}
	b := int64(p.MonthStart.Year())*12 + int64(p.MonthStart.Month()) - 1
	return &b
}

func (p InsertParams) capBucket() *int64 {
	if p.CapLimit <= 0 || p.Drop.Kind != types.DropKindViewer {
		return nil
	}
	window := int64(p.StreamWindow / time.Second)
	if window <= 0 {
		return nil
	}
	b := p.Now.Unix() / window
	return &b
}

// InsertConditional persists a drop if and only if every admission condition
// still holds at write time. The three conditions map to three mechanisms,
// each arbitrated by a partial unique index so concurrent writers serialize
// on the index rather than on a count that can go stale mid-statement:
//
//   - monthly quota: writers compete for quota slots 0..limit-1 on
//     (streamer_id, kind, month_bucket, quota_slot); an exhausted quota or a
//     lost slot race yields ErrCodeConflictQuotaGuard
//   - cooldown: one drop per (streamer_id, cooldown_bucket)
//     (ErrCodeConflictCooldownSlot)
//   - per-viewer cap: slots 0..cap-1 on (streamer_id, viewer_id, cap_bucket,
//     cap_slot) (ErrCodeConflictClaimantSlot)
//
// Slot losers recompute their slot up to maxSlotRetries times before
// conceding. On success the drop's ID and CreatedAt are populated.
func (r *DropRepository) InsertConditional(ctx context.Context, p InsertParams) error {
	d := p.Drop
	if d.ID == "" {
		d.ID = "drop_" + uuid.NewString()
	}

	monthBucket := p.monthBucket()
	capBucket := p.capBucket()

	for attempt := 0; ; attempt++ {
		var quotaSlot *int
		if monthBucket != nil {
			used, err := r.CountInWindow(ctx, d.StreamerID, d.Kind, p.MonthStart, p.MonthEnd)
			if err != nil {
				return err
			}
			if used >= int(p.QuotaLimit) {
				return types.NewAppError(types.ErrCodeConflictQuotaGuard,
					"monthly quota exhausted at write time", nil)
			}
			quotaSlot = &used
		}

		var capSlot *int
		if capBucket != nil {
			slot, err := r.nextCapSlot(ctx, d.StreamerID, d.ViewerID, *capBucket)
			if err != nil {
				return err
			}
			if slot >= p.CapLimit {
				return types.NewAppError(types.ErrCodeConflictClaimantSlot,
					"viewer cap reached for this stream window", nil)
			}
			capSlot = &slot
		}

		err := r.insert(ctx, p, monthBucket, quotaSlot, capBucket, capSlot)
		if err == nil {
			return nil
		}

		var appErr *types.AppError
		if errors.As(err, &appErr) && attempt < maxSlotRetries {
			// Another writer took our slot between the count and the insert.
			// Recompute and try the next one.
			if appErr.Code == types.ErrCodeConflictQuotaGuard && monthBucket != nil {
				continue
			}
			if appErr.Code == types.ErrCodeConflictClaimantSlot && capBucket != nil {
				continue
			}
		}
		return err
	}
}

func (r *DropRepository) nextCapSlot(ctx context.Context, streamerID, viewerID string, capBucket int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM drops
		 WHERE streamer_id = $1 AND viewer_id = $2 AND cap_bucket = $3`,
		streamerID, viewerID, capBucket).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to compute cap slot", err)
	}
	return count, nil
}

func (r *DropRepository) insert(ctx context.Context, p InsertParams, monthBucket *int64, quotaSlot *int, capBucket *int64, capSlot *int) error {
	d := p.Drop

	row := r.db.QueryRow(ctx,
		`INSERT INTO drops (id, streamer_id, twitch_login, kind,
		   viewer_id, viewer_login, viewer_display_name,
		   code, discount_kind, discount_value,
		   price_rule_id, discount_code_id,
		   cooldown_bucket, month_bucket, quota_slot, cap_bucket, cap_slot)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 RETURNING created_at`,
		d.ID,
		d.StreamerID,
		d.TwitchLogin,
		d.Kind,
		d.ViewerID,
		d.ViewerLogin,
		d.ViewerDisplayName,
		d.Code,
		d.DiscountKind,
		d.DiscountValue,
		d.PriceRuleID,
		d.DiscountCodeID,
		p.cooldownBucket(),
		monthBucket,
		quotaSlot,
		capBucket,
		capSlot,
	)

	err := row.Scan(&d.CreatedAt)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case cooldownIndexName:
			return types.NewAppError(types.ErrCodeConflictCooldownSlot,
				"another drop won the cooldown slot", err)
		case quotaSlotIndexName:
			return types.NewAppError(types.ErrCodeConflictQuotaGuard,
				"another drop won the quota slot", err)
		case capSlotIndexName:
			return types.NewAppError(types.ErrCodeConflictClaimantSlot,
				"another claim won the cap slot", err)
		}
	}
	return types.NewAppError(types.ErrCodeInternalDB, "failed to insert drop", err)
}

// CountInWindow counts drops of one kind for a streamer in [from, to).
// Backs both the advisory quota pre-check and the usage report.
func (r *DropRepository) CountInWindow(ctx context.Context, streamerID string, kind types.DropKind, from, to time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM drops
		 WHERE streamer_id = $1 AND kind = $2
		   AND created_at >= $3 AND created_at < $4`,
		streamerID, kind, from, to).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count drops in window", err)
	}
	return count, nil
}

// LatestCreatedAt returns the creation time of the streamer's most recent
// drop of any kind, or nil when none exists. Backs the cooldown pre-check.
func (r *DropRepository) LatestCreatedAt(ctx context.Context, streamerID string) (*time.Time, error) {
	var ts time.Time
	err := r.db.QueryRow(ctx,
		`SELECT created_at FROM drops
		 WHERE streamer_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		streamerID).Scan(&ts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query latest drop", err)
	}
	return &ts, nil
}

// CountViewerDropsSince counts viewer-kind drops claimed by one viewer from a
// streamer since the cutoff. Backs the advisory per-viewer cap pre-check.
func (r *DropRepository) CountViewerDropsSince(ctx context.Context, streamerID, viewerID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM drops
		 WHERE streamer_id = $1 AND viewer_id = $2 AND kind = $3
		   AND created_at >= $4`,
		streamerID, viewerID, types.DropKindViewer, since).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count viewer drops", err)
	}
	return count, nil
}

// GetByCode retrieves the most recent drop carrying the given code for any
// streamer connected to the given shop. Used to attribute redemptions.
func (r *DropRepository) GetByCode(ctx context.Context, streamerID, code string) (*types.Drop, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, streamer_id, twitch_login, kind,
		   viewer_id, viewer_login, viewer_display_name,
		   code, discount_kind, discount_value,
		   price_rule_id, discount_code_id, created_at
		 FROM drops
		 WHERE streamer_id = $1 AND code = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		streamerID, code)

	d, err := scanDrop(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDrop, "drop not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve drop", err)
	}
	return d, nil
}

// ListRecent returns the streamer's most recent drops, newest first.
func (r *DropRepository) ListRecent(ctx context.Context, streamerID string, limit int) ([]*types.Drop, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, streamer_id, twitch_login, kind,
		   viewer_id, viewer_login, viewer_display_name,
		   code, discount_kind, discount_value,
		   price_rule_id, discount_code_id, created_at
		 FROM drops
		 WHERE streamer_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		streamerID, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list drops", err)
	}
	defer rows.Close()

	var out []*types.Drop
	for rows.Next() {
		d, err := scanDrop(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan drop row", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating drop rows", err)
	}
	return out, nil
}

// DeleteMonth removes all of a streamer's drops inside [from, to), returning
// the number deleted. Only the gated admin reset endpoint calls this.
func (r *DropRepository) DeleteMonth(ctx context.Context, streamerID string, from, to time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM drops
		 WHERE streamer_id = $1 AND created_at >= $2 AND created_at < $3`,
		streamerID, from, to)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete drops", err)
	}
	return tag.RowsAffected(), nil
}

func scanDrop(row pgx.Row) (*types.Drop, error) {
	var d types.Drop
	var viewerID, viewerLogin, viewerDisplayName *string
	var priceRuleID, discountCodeID *int64

	err := row.Scan(
		&d.ID,
		&d.StreamerID,
		&d.TwitchLogin,
		&d.Kind,
		&viewerID,
		&viewerLogin,
		&viewerDisplayName,
		&d.Code,
		&d.DiscountKind,
		&d.DiscountValue,
		&priceRuleID,
		&discountCodeID,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if viewerID != nil {
		d.ViewerID = *viewerID
	}
	if viewerLogin != nil {
		d.ViewerLogin = *viewerLogin
	}
	if viewerDisplayName != nil {
		d.ViewerDisplayName = *viewerDisplayName
	}
	if priceRuleID != nil {
		d.PriceRuleID = *priceRuleID
	}
	if discountCodeID != nil {
		d.DiscountCodeID = *discountCodeID
	}
	return &d, nil
}
