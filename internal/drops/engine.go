package drops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"streamdrop/internal/billing"
	"streamdrop/internal/db"
	"streamdrop/internal/external"
	"streamdrop/internal/types"
)

// StreamerStore is the streamer lookup the engine needs.
type StreamerStore interface {
	GetByLogin(ctx context.Context, login string) (*types.Streamer, error)
}

// DropStore is the ledger surface the engine reads for advisory checks and
// writes through for the authoritative admission decision.
type DropStore interface {
	CountInWindow(ctx context.Context, streamerID string, kind types.DropKind, from, to time.Time) (int, error)
	LatestCreatedAt(ctx context.Context, streamerID string) (*time.Time, error)
	CountViewerDropsSince(ctx context.Context, streamerID, viewerID string, since time.Time) (int, error)
	InsertConditional(ctx context.Context, p db.InsertParams) error
}

// DiscountPlatform is the two-call commerce sequence: create the price rule,
// then attach the code.
type DiscountPlatform interface {
	CreatePriceRule(ctx context.Context, conn external.ShopConnection, spec external.PriceRuleSpec) (int64, error)
	CreateDiscountCode(ctx context.Context, conn external.ShopConnection, priceRuleID int64, code string) (int64, error)
}

// EngineConfig holds the issuance tuning shared by all streamers.
type EngineConfig struct {
	ViewerCodeTTL time.Duration
	GlobalCodeTTL time.Duration
	StreamWindow  time.Duration
}

// Result is the tagged outcome of one issuance attempt. Exactly one of the
// two shapes is populated: Completed with the new Drop, or a rejection with
// Reason plus whatever the caller needs to compute a retry (cooldown seconds,
// or used/limit counts). Adapter and storage failures are returned as errors,
// never as Results; a caller that receives an error must not infer success.
type Result struct {
	Completed bool        `json:"completed"`
	Drop      *types.Drop `json:"drop,omitempty"`

	Reason            types.RejectReason `json:"reason,omitempty"`
	RetryAfterSeconds int                `json:"retry_after_seconds,omitempty"`
	Used              int                `json:"used,omitempty"`
	Limit             *types.Limit       `json:"limit,omitempty"`
}

func rejected(reason types.RejectReason) *Result {
	return &Result{Reason: reason}
}

// Engine sequences admission checks, code generation, the Shopify calls, and
// the ledger commit for every drop. The pre-checks are an advisory fast path
// that keeps doomed requests away from Shopify; the conditional insert at
// persist time is the authoritative decision, so concurrent claims can never
// over-issue.
type Engine struct {
	streamers StreamerStore
	ledger    DropStore
	platform  DiscountPlatform
	plans     billing.PlanRegistry
	codes     *CodeGenerator
	clock     types.Clock
	cfg       EngineConfig
	logger    *slog.Logger
}

// NewEngine creates an issuance engine.
func NewEngine(
	streamers StreamerStore,
	ledger DropStore,
	platform DiscountPlatform,
	plans billing.PlanRegistry,
	codes *CodeGenerator,
	clock types.Clock,
	cfg EngineConfig,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if codes == nil {
		codes = NewCodeGenerator()
	}
	return &Engine{
		streamers: streamers,
		ledger:    ledger,
		platform:  platform,
		plans:     plans,
		codes:     codes,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// IssueViewerDrop runs one viewer claim: quota, cooldown, and per-viewer cap
// checks, then the two Shopify calls, then the conditional ledger commit.
// The code it mints is personal: usage limit 1, once per customer, short TTL.
func (e *Engine) IssueViewerDrop(ctx context.Context, streamerLogin string, claimant types.Claimant) (*Result, error) {
	streamer, err := e.streamers.GetByLogin(ctx, streamerLogin)
	if err != nil {
		return nil, err
	}

	if res := e.gate(streamer); res != nil {
		return res, nil
	}

	now := e.clock.Now()
	limits := e.plans.GetLimits(streamer.Plan)
	limit := limits.ForKind(types.DropKindViewer)

	if res, err := e.checkQuota(ctx, streamer, types.DropKindViewer, limit, now); err != nil || res != nil {
		return res, err
	}
	if res, err := e.checkCooldown(ctx, streamer, now); err != nil || res != nil {
		return res, err
	}
	if res, err := e.checkCap(ctx, streamer, claimant.ID, now); err != nil || res != nil {
		return res, err
	}

	settings := streamer.Settings
	code := e.codes.Generate(settings.CodePrefix, claimant.Login)

	ruleID, discountID, err := e.provision(ctx, streamer, external.PriceRuleSpec{
		Title:           fmt.Sprintf("Drop for %s (%s)", claimant.Login, streamer.TwitchLogin),
		ValueType:       settings.DiscountKind,
		Value:           settings.DiscountValue,
		UsageLimit:      1,
		OncePerCustomer: true,
		StartsAt:        now,
		EndsAt:          now.Add(e.cfg.ViewerCodeTTL),
		MinSubtotal:     settings.MinOrderSubtotal,
	}, code)
	if err != nil {
		return nil, err
	}

	drop := &types.Drop{
		StreamerID:        streamer.ID,
		TwitchLogin:       streamer.TwitchLogin,
		Kind:              types.DropKindViewer,
		ViewerID:          claimant.ID,
		ViewerLogin:       claimant.Login,
		ViewerDisplayName: claimant.DisplayName,
		Code:              code,
		DiscountKind:      settings.DiscountKind,
		DiscountValue:     settings.DiscountValue,
		PriceRuleID:       ruleID,
		DiscountCodeID:    discountID,
	}

	return e.commit(ctx, streamer, drop, limit, now)
}

// IssueGlobalDrop runs one owner-initiated streamer-wide drop. Global codes
// are percentage-only with percent in [1, 50], carry no usage limit and no
// order minimum, skip the per-viewer cap, and record the owner-as-claimant
// sentinel.
func (e *Engine) IssueGlobalDrop(ctx context.Context, streamerLogin string, percent int) (*Result, error) {
	if percent < 1 || percent > 50 {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationPercentRange,
			"percent must be an integer between 1 and 50",
			nil,
			map[string]any{"percent": percent},
		)
	}

	streamer, err := e.streamers.GetByLogin(ctx, streamerLogin)
	if err != nil {
		return nil, err
	}

	if res := e.gate(streamer); res != nil {
		return res, nil
	}

	now := e.clock.Now()
	limits := e.plans.GetLimits(streamer.Plan)
	limit := limits.ForKind(types.DropKindGlobal)

	if res, err := e.checkQuota(ctx, streamer, types.DropKindGlobal, limit, now); err != nil || res != nil {
		return res, err
	}
	if res, err := e.checkCooldown(ctx, streamer, now); err != nil || res != nil {
		return res, err
	}

	settings := streamer.Settings
	code := e.codes.Generate(settings.CodePrefix, streamer.TwitchLogin)

	ruleID, discountID, err := e.provision(ctx, streamer, external.PriceRuleSpec{
		Title:      fmt.Sprintf("Global drop (%s)", streamer.TwitchLogin),
		ValueType:  types.DiscountPercentage,
		Value:      float64(percent),
		UsageLimit: 0,
		StartsAt:   now,
		EndsAt:     now.Add(e.cfg.GlobalCodeTTL),
	}, code)
	if err != nil {
		return nil, err
	}

	drop := &types.Drop{
		StreamerID:        streamer.ID,
		TwitchLogin:       streamer.TwitchLogin,
		Kind:              types.DropKindGlobal,
		ViewerID:          types.GlobalClaimantID,
		ViewerLogin:       streamer.TwitchLogin,
		ViewerDisplayName: streamer.DisplayName,
		Code:              code,
		DiscountKind:      types.DiscountPercentage,
		DiscountValue:     float64(percent),
		PriceRuleID:       ruleID,
		DiscountCodeID:    discountID,
	}

	return e.commit(ctx, streamer, drop, limit, now)
}

// gate handles the two streamer-state rejections that precede any ledger read.
func (e *Engine) gate(streamer *types.Streamer) *Result {
	if !streamer.Settings.Enabled {
		return rejected(types.RejectDisabled)
	}
	if !streamer.Connected() {
		return rejected(types.RejectNotConnected)
	}
	return nil
}

// checkQuota is the advisory monthly-quota check: admitted iff used < limit,
// with unlimited always admitting and a finite 0 never admitting.
func (e *Engine) checkQuota(ctx context.Context, streamer *types.Streamer, kind types.DropKind, limit types.Limit, now time.Time) (*Result, error) {
	monthStart, monthEnd := MonthWindow(now)
	used, err := e.ledger.CountInWindow(ctx, streamer.ID, kind, monthStart, monthEnd)
	if err != nil {
		return nil, err
	}
	if !limit.Admits(used) {
		res := rejected(types.RejectQuotaExceeded)
		res.Used = used
		res.Limit = &limit
		return res, nil
	}
	return nil, nil
}

// checkCooldown is the advisory owner-cooldown check against the most recent
// drop of any kind.
func (e *Engine) checkCooldown(ctx context.Context, streamer *types.Streamer, now time.Time) (*Result, error) {
	cooldown := streamer.Settings.CooldownSeconds
	if cooldown <= 0 {
		return nil, nil
	}
	last, err := e.ledger.LatestCreatedAt(ctx, streamer.ID)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, nil
	}
	if remaining := CooldownRemaining(*last, cooldown, now); remaining > 0 {
		res := rejected(types.RejectCooldown)
		res.RetryAfterSeconds = remaining
		return res, nil
	}
	return nil, nil
}

// checkCap is the advisory per-viewer cap check. A configured max of 0
// disables the cap entirely.
func (e *Engine) checkCap(ctx context.Context, streamer *types.Streamer, viewerID string, now time.Time) (*Result, error) {
	max := streamer.Settings.MaxPerViewerPerStream
	if max <= 0 {
		return nil, nil
	}
	count, err := e.ledger.CountViewerDropsSince(ctx, streamer.ID, viewerID, now.Add(-e.cfg.StreamWindow))
	if err != nil {
		return nil, err
	}
	if count >= max {
		res := rejected(types.RejectCapReached)
		res.Used = count
		lim := types.Limit(max)
		res.Limit = &lim
		return res, nil
	}
	return nil, nil
}

// provision runs the two-call Shopify sequence. Rule creation is the
// abortable step; once the rule exists, a code-attachment failure leaves an
// orphaned self-expiring rule behind, which is logged and accepted. No Drop
// row is written on either failure.
func (e *Engine) provision(ctx context.Context, streamer *types.Streamer, spec external.PriceRuleSpec, code string) (int64, int64, error) {
	conn := external.ShopConnection{
		Domain:     streamer.ShopifyStoreDomain,
		Token:      streamer.ShopifyAdminToken,
		APIVersion: streamer.ShopifyAPIVersion,
	}

	ruleID, err := e.platform.CreatePriceRule(ctx, conn, spec)
	if err != nil {
		e.logger.ErrorContext(ctx, "price rule creation failed",
			"streamer_id", streamer.ID,
			"shop_domain", streamer.ShopifyStoreDomain,
			"error", err,
		)
		return 0, 0, err
	}

	discountID, err := e.platform.CreateDiscountCode(ctx, conn, ruleID, code)
	if err != nil {
		// The rule self-expires at EndsAt, so the orphan costs nothing
		// beyond temporary clutter in the shop's admin.
		e.logger.ErrorContext(ctx, "discount code attachment failed, price rule orphaned",
			"streamer_id", streamer.ID,
			"shop_domain", streamer.ShopifyStoreDomain,
			"price_rule_id", ruleID,
			"error", err,
		)
		return 0, 0, err
	}

	return ruleID, discountID, nil
}

// commit persists the drop through the conditional insert and translates
// write-time conflicts into the corresponding policy rejections. A conflict
// here means a concurrent request won the race after our advisory checks
// passed; the loser gets the same rejection it would have gotten had it
// arrived a moment later.
func (e *Engine) commit(ctx context.Context, streamer *types.Streamer, drop *types.Drop, limit types.Limit, now time.Time) (*Result, error) {
	monthStart, monthEnd := MonthWindow(now)
	err := e.ledger.InsertConditional(ctx, db.InsertParams{
		Drop:            drop,
		Now:             now,
		CooldownSeconds: streamer.Settings.CooldownSeconds,
		CapLimit:        streamer.Settings.MaxPerViewerPerStream,
		StreamWindow:    e.cfg.StreamWindow,
		QuotaLimit:      limit,
		MonthStart:      monthStart,
		MonthEnd:        monthEnd,
	})
	if err == nil {
		e.logger.InfoContext(ctx, "drop issued",
			"drop_id", drop.ID,
			"streamer_id", streamer.ID,
			"kind", drop.Kind,
			"code", drop.Code,
		)
		return &Result{Completed: true, Drop: drop}, nil
	}

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeConflictQuotaGuard:
			res := rejected(types.RejectQuotaExceeded)
			res.Limit = &limit
			if used, cErr := e.ledger.CountInWindow(ctx, streamer.ID, drop.Kind, monthStart, monthEnd); cErr == nil {
				res.Used = used
			}
			return res, nil
		case types.ErrCodeConflictCooldownSlot:
			res := rejected(types.RejectCooldown)
			res.RetryAfterSeconds = e.retryAfterFromLedger(ctx, streamer, now)
			return res, nil
		case types.ErrCodeConflictClaimantSlot:
			res := rejected(types.RejectCapReached)
			lim := types.Limit(streamer.Settings.MaxPerViewerPerStream)
			res.Limit = &lim
			if used, cErr := e.ledger.CountViewerDropsSince(ctx, streamer.ID, drop.ViewerID, now.Add(-e.cfg.StreamWindow)); cErr == nil {
				res.Used = used
			}
			return res, nil
		}
	}
	return nil, err
}

// retryAfterFromLedger recomputes the cooldown remainder after losing the
// cooldown slot to a concurrent writer. Falls back to the full cooldown when
// the ledger read fails.
func (e *Engine) retryAfterFromLedger(ctx context.Context, streamer *types.Streamer, now time.Time) int {
	cooldown := streamer.Settings.CooldownSeconds
	last, err := e.ledger.LatestCreatedAt(ctx, streamer.ID)
	if err != nil || last == nil {
		return cooldown
	}
	if remaining := CooldownRemaining(*last, cooldown, now); remaining > 0 {
		return remaining
	}
	return 1
}
