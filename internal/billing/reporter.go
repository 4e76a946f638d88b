package billing

import (
	"context"
	"time"

	"streamdrop/internal/types"
)

// UsageReporter builds the monthly usage view consumed by the reporting
// endpoints and the dashboard.
type UsageReporter interface {
	// GetCurrentUsage returns the streamer's drop consumption against plan
	// limits for the current calendar month. Uses direct counts against the
	// drops ledger for real-time accuracy.
	GetCurrentUsage(ctx context.Context, streamer *types.Streamer) (*types.PlanUsage, error)
}

// UsageDB is the minimal ledger access the reporter needs: the same
// count-in-window query the issuance engine uses for its advisory check.
type UsageDB interface {
	CountInWindow(ctx context.Context, streamerID string, kind types.DropKind, from, to time.Time) (int, error)
}

// MonthWindowFn returns the [start, end) accounting interval containing now.
// Injected so the reporter and the engine share one definition of "month".
type MonthWindowFn func(now time.Time) (time.Time, time.Time)

type usageReporterImpl struct {
	usageDB      UsageDB
	planRegistry PlanRegistry
	clock        types.Clock
	monthWindow  MonthWindowFn
}

// NewUsageReporter creates the standard UsageReporter implementation.
func NewUsageReporter(usageDB UsageDB, planRegistry PlanRegistry, clock types.Clock, monthWindow MonthWindowFn) UsageReporter {
	return &usageReporterImpl{
		usageDB:      usageDB,
		planRegistry: planRegistry,
		clock:        clock,
		monthWindow:  monthWindow,
	}
}

var _ UsageReporter = (*usageReporterImpl)(nil)

// GetCurrentUsage counts viewer and global drops in the current month and
// pairs them with the plan's limits.
func (r *usageReporterImpl) GetCurrentUsage(ctx context.Context, streamer *types.Streamer) (*types.PlanUsage, error) {
	now := r.clock.Now()
	monthStart, monthEnd := r.monthWindow(now)
	limits := r.planRegistry.GetLimits(streamer.Plan)

	viewerUsed, err := r.usageDB.CountInWindow(ctx, streamer.ID, types.DropKindViewer, monthStart, monthEnd)
	if err != nil {
		return nil, err
	}
	globalUsed, err := r.usageDB.CountInWindow(ctx, streamer.ID, types.DropKindGlobal, monthStart, monthEnd)
	if err != nil {
		return nil, err
	}

	return &types.PlanUsage{
		Plan:        streamer.Plan,
		ViewerUsed:  viewerUsed,
		ViewerLimit: limits.ViewerDropsPerMonth,
		GlobalUsed:  globalUsed,
		GlobalLimit: limits.GlobalDropsPerMonth,
		MonthStart:  monthStart,
		MonthEnd:    monthEnd,
	}, nil
}
