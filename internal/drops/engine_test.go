package drops

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamdrop/internal/billing"
	"streamdrop/internal/db"
	"streamdrop/internal/external"
	"streamdrop/internal/types"
)

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

type mockStreamerStore struct {
	streamer *types.Streamer
	err      error
}

func (m *mockStreamerStore) GetByLogin(_ context.Context, _ string) (*types.Streamer, error) {
	return m.streamer, m.err
}

type mockDropStore struct {
	mu sync.Mutex

	countInWindow    int
	countInWindowErr error
	latest           *time.Time
	viewerCount      int

	insertErr  error
	insertFn   func(p db.InsertParams) error
	insertSeen []db.InsertParams
}

func (m *mockDropStore) CountInWindow(_ context.Context, _ string, _ types.DropKind, _, _ time.Time) (int, error) {
	return m.countInWindow, m.countInWindowErr
}

func (m *mockDropStore) LatestCreatedAt(_ context.Context, _ string) (*time.Time, error) {
	return m.latest, nil
}

func (m *mockDropStore) CountViewerDropsSince(_ context.Context, _, _ string, _ time.Time) (int, error) {
	return m.viewerCount, nil
}

func (m *mockDropStore) InsertConditional(_ context.Context, p db.InsertParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertSeen = append(m.insertSeen, p)
	if m.insertFn != nil {
		return m.insertFn(p)
	}
	return m.insertErr
}

type platformCall struct {
	spec external.PriceRuleSpec
	code string
}

type mockPlatform struct {
	mu sync.Mutex

	ruleErr error
	codeErr error

	ruleCalls []platformCall
	codeCalls []platformCall
}

func (m *mockPlatform) CreatePriceRule(_ context.Context, _ external.ShopConnection, spec external.PriceRuleSpec) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ruleCalls = append(m.ruleCalls, platformCall{spec: spec})
	if m.ruleErr != nil {
		return 0, m.ruleErr
	}
	return 900001, nil
}

func (m *mockPlatform) CreateDiscountCode(_ context.Context, _ external.ShopConnection, _ int64, code string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codeCalls = append(m.codeCalls, platformCall{code: code})
	if m.codeErr != nil {
		return 0, m.codeErr
	}
	return 700001, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

var testNow = time.Date(2025, time.July, 10, 18, 30, 0, 0, time.UTC)

func proStreamer() *types.Streamer {
	return &types.Streamer{
		ID:                 "str_1",
		TwitchLogin:        "teststreamer",
		DisplayName:        "TestStreamer",
		ShopifyConnected:   true,
		ShopifyStoreDomain: "test.myshopify.com",
		ShopifyAdminToken:  "shpat_xxxxxxxxxxxxxxxx",
		Settings:           types.DefaultDropSettings(),
		Plan:               types.PlanPro,
	}
}

func claimant() types.Claimant {
	return types.Claimant{ID: "v_42", Login: "nerd_lord", DisplayName: "NerdLord"}
}

func newTestEngine(streamers *mockStreamerStore, ledger *mockDropStore, platform *mockPlatform) *Engine {
	return NewEngine(
		streamers,
		ledger,
		platform,
		billing.NewStaticPlanRegistry(),
		NewCodeGeneratorWithSource(func(n int) int { return 1234 }),
		fixedClock{now: testNow},
		EngineConfig{
			ViewerCodeTTL: 10 * time.Minute,
			GlobalCodeTTL: time.Hour,
			StreamWindow:  6 * time.Hour,
		},
		nil,
	)
}

// ---------------------------------------------------------------------------
// Tests: Viewer Claims
// ---------------------------------------------------------------------------

func TestIssueViewerDrop_Success(t *testing.T) {
	ledger := &mockDropStore{}
	platform := &mockPlatform{}
	engine := newTestEngine(&mockStreamerStore{streamer: proStreamer()}, ledger, platform)

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.NotNil(t, res.Drop)

	assert.Equal(t, "DROP-NERDLORD-1234", res.Drop.Code)
	assert.Equal(t, types.DropKindViewer, res.Drop.Kind)
	assert.Equal(t, "v_42", res.Drop.ViewerID)
	assert.EqualValues(t, 900001, res.Drop.PriceRuleID)
	assert.EqualValues(t, 700001, res.Drop.DiscountCodeID)

	// The viewer code is personal: single use, bound to one customer, short TTL.
	require.Len(t, platform.ruleCalls, 1)
	spec := platform.ruleCalls[0].spec
	assert.Equal(t, 1, spec.UsageLimit)
	assert.True(t, spec.OncePerCustomer)
	assert.Equal(t, testNow.Add(10*time.Minute), spec.EndsAt)

	// Commit carried the streamer's policy knobs into the conditional insert.
	require.Len(t, ledger.insertSeen, 1)
	p := ledger.insertSeen[0]
	assert.Equal(t, 120, p.CooldownSeconds)
	assert.Equal(t, 1, p.CapLimit)
	assert.Equal(t, types.Limit(500), p.QuotaLimit)
}

func TestIssueViewerDrop_Disabled(t *testing.T) {
	s := proStreamer()
	s.Settings.Enabled = false
	ledger := &mockDropStore{}
	platform := &mockPlatform{}
	engine := newTestEngine(&mockStreamerStore{streamer: s}, ledger, platform)

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, types.RejectDisabled, res.Reason)
	assert.Empty(t, platform.ruleCalls, "no Shopify call for a disabled streamer")
}

func TestIssueViewerDrop_NotConnected(t *testing.T) {
	s := proStreamer()
	s.ShopifyAdminToken = ""
	engine := newTestEngine(&mockStreamerStore{streamer: s}, &mockDropStore{}, &mockPlatform{})

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	require.NoError(t, err)
	assert.Equal(t, types.RejectNotConnected, res.Reason)
}

func TestIssueViewerDrop_FreePlanQuotaIsZero(t *testing.T) {
	s := proStreamer()
	s.Plan = types.PlanFree
	platform := &mockPlatform{}
	engine := newTestEngine(&mockStreamerStore{streamer: s}, &mockDropStore{countInWindow: 0}, platform)

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	require.NoError(t, err)
	assert.Equal(t, types.RejectQuotaExceeded, res.Reason)
	require.NotNil(t, res.Limit)
	assert.Equal(t, types.Limit(0), *res.Limit)
	assert.Empty(t, platform.ruleCalls)
}

func TestIssueViewerDrop_QuotaExceeded(t *testing.T) {
	engine := newTestEngine(
		&mockStreamerStore{streamer: proStreamer()},
		&mockDropStore{countInWindow: 500},
		&mockPlatform{},
	)

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	require.NoError(t, err)
	assert.Equal(t, types.RejectQuotaExceeded, res.Reason)
	assert.Equal(t, 500, res.Used)
}

func TestIssueViewerDrop_UnknownPlanFallsBackToFree(t *testing.T) {
	s := proStreamer()
	s.Plan = types.PlanTier("enterprise_legacy")
	engine := newTestEngine(&mockStreamerStore{streamer: s}, &mockDropStore{}, &mockPlatform{})

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	require.NoError(t, err)
	assert.Equal(t, types.RejectQuotaExceeded, res.Reason)
}

func TestIssueViewerDrop_Cooldown(t *testing.T) {
	last := testNow.Add(-30 * time.Second)
	engine := newTestEngine(
		&mockStreamerStore{streamer: proStreamer()},
		&mockDropStore{latest: &last},
		&mockPlatform{},
	)

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	require.NoError(t, err)
	assert.Equal(t, types.RejectCooldown, res.Reason)
	assert.Equal(t, 90, res.RetryAfterSeconds)
}

func TestIssueViewerDrop_CooldownElapsed(t *testing.T) {
	last := testNow.Add(-121 * time.Second)
	engine := newTestEngine(
		&mockStreamerStore{streamer: proStreamer()},
		&mockDropStore{latest: &last},
		&mockPlatform{},
	)

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	require.NoError(t, err)
	assert.True(t, res.Completed)
}

func TestIssueViewerDrop_CapReached(t *testing.T) {
	engine := newTestEngine(
		&mockStreamerStore{streamer: proStreamer()},
		&mockDropStore{viewerCount: 1},
		&mockPlatform{},
	)

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	require.NoError(t, err)
	assert.Equal(t, types.RejectCapReached, res.Reason)
	assert.Equal(t, 1, res.Used)
}

func TestIssueViewerDrop_CapDisabledWhenZero(t *testing.T) {
	s := proStreamer()
	s.Settings.MaxPerViewerPerStream = 0
	engine := newTestEngine(
		&mockStreamerStore{streamer: s},
		&mockDropStore{viewerCount: 40},
		&mockPlatform{},
	)

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	require.NoError(t, err)
	assert.True(t, res.Completed)
}

// ---------------------------------------------------------------------------
// Tests: Shopify Failures
// ---------------------------------------------------------------------------

func TestIssueViewerDrop_PriceRuleFailureIsError(t *testing.T) {
	upstream := types.NewAppError(types.ErrCodeUpstreamUnavailable, "shopify down", nil)
	ledger := &mockDropStore{}
	engine := newTestEngine(
		&mockStreamerStore{streamer: proStreamer()},
		ledger,
		&mockPlatform{ruleErr: upstream},
	)

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	assert.Nil(t, res)
	require.Error(t, err)
	assert.Empty(t, ledger.insertSeen, "no ledger row on upstream failure")
}

func TestIssueViewerDrop_CodeAttachFailureWritesNothing(t *testing.T) {
	upstream := types.NewAppError(types.ErrCodeUpstreamShopify, "attach failed", nil)
	ledger := &mockDropStore{}
	platform := &mockPlatform{codeErr: upstream}
	engine := newTestEngine(&mockStreamerStore{streamer: proStreamer()}, ledger, platform)

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	assert.Nil(t, res)
	require.Error(t, err)
	require.Len(t, platform.ruleCalls, 1, "the orphaned rule was created before the failure")
	assert.Empty(t, ledger.insertSeen)
}

// ---------------------------------------------------------------------------
// Tests: Commit Conflicts
// ---------------------------------------------------------------------------

func TestCommit_QuotaGuardConflictBecomesRejection(t *testing.T) {
	ledger := &mockDropStore{
		insertErr:     types.NewAppError(types.ErrCodeConflictQuotaGuard, "quota guard", nil),
		countInWindow: 500,
	}
	engine := newTestEngine(&mockStreamerStore{streamer: proStreamer()}, ledger, &mockPlatform{})

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	require.NoError(t, err)
	assert.Equal(t, types.RejectQuotaExceeded, res.Reason)
	assert.Equal(t, 500, res.Used)
}

func TestCommit_CooldownConflictReportsRetryAfter(t *testing.T) {
	last := testNow.Add(-10 * time.Second)
	ledger := &mockDropStore{
		insertErr: types.NewAppError(types.ErrCodeConflictCooldownSlot, "cooldown slot taken", nil),
		latest:    &last,
	}
	engine := newTestEngine(&mockStreamerStore{streamer: proStreamer()}, ledger, &mockPlatform{})

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	require.NoError(t, err)
	assert.Equal(t, types.RejectCooldown, res.Reason)
	assert.Equal(t, 110, res.RetryAfterSeconds)
}

func TestCommit_ClaimantSlotConflictBecomesCapRejection(t *testing.T) {
	ledger := &mockDropStore{
		insertErr: types.NewAppError(types.ErrCodeConflictClaimantSlot, "slot taken", nil),
	}
	engine := newTestEngine(&mockStreamerStore{streamer: proStreamer()}, ledger, &mockPlatform{})

	// The advisory check saw 0 claims, but a concurrent request filled the
	// last slot before our insert. The winner's claim is what recounts show.
	ledger.viewerCount = 0
	ledger.insertFn = func(_ db.InsertParams) error {
		ledger.viewerCount = 1
		return ledger.insertErr
	}

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	require.NoError(t, err)
	assert.Equal(t, types.RejectCapReached, res.Reason)

	// The rejection carries retry-computation data like the advisory path.
	require.NotNil(t, res.Limit)
	assert.Equal(t, types.Limit(1), *res.Limit)
	assert.Equal(t, 1, res.Used)
}

func TestCommit_UnrecognizedErrorPropagates(t *testing.T) {
	ledger := &mockDropStore{insertErr: errors.New("connection reset")}
	engine := newTestEngine(&mockStreamerStore{streamer: proStreamer()}, ledger, &mockPlatform{})

	res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	assert.Nil(t, res)
	assert.Error(t, err)
}

// Concurrent claims racing for a cap of one: the advisory checks all pass,
// but the conditional insert admits exactly one writer.
func TestIssueViewerDrop_ConcurrentClaimsSingleWinner(t *testing.T) {
	const attempts = 16

	var admitted int
	var mu sync.Mutex
	ledger := &mockDropStore{}
	ledger.insertFn = func(_ db.InsertParams) error {
		mu.Lock()
		defer mu.Unlock()
		if admitted >= 1 {
			return types.NewAppError(types.ErrCodeConflictClaimantSlot, "slot taken", nil)
		}
		admitted++
		return nil
	}
	engine := newTestEngine(&mockStreamerStore{streamer: proStreamer()}, ledger, &mockPlatform{})

	var wg sync.WaitGroup
	results := make([]*Result, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, res := range results {
		if res.Completed {
			completed++
		} else {
			assert.Equal(t, types.RejectCapReached, res.Reason)
		}
	}
	assert.Equal(t, 1, completed, "exactly one concurrent claim may win")
}

// ---------------------------------------------------------------------------
// Tests: Global Drops
// ---------------------------------------------------------------------------

func TestIssueGlobalDrop_Success(t *testing.T) {
	ledger := &mockDropStore{}
	platform := &mockPlatform{}
	engine := newTestEngine(&mockStreamerStore{streamer: proStreamer()}, ledger, platform)

	res, err := engine.IssueGlobalDrop(context.Background(), "teststreamer", 25)
	require.NoError(t, err)
	require.True(t, res.Completed)

	assert.Equal(t, types.DropKindGlobal, res.Drop.Kind)
	assert.Equal(t, types.GlobalClaimantID, res.Drop.ViewerID)
	assert.Equal(t, types.DiscountPercentage, res.Drop.DiscountKind)
	assert.Equal(t, float64(25), res.Drop.DiscountValue)
	assert.True(t, strings.HasPrefix(res.Drop.Code, "DROP-TESTSTREAMER-"))

	// Global codes are shared: no usage limit, one hour TTL.
	require.Len(t, platform.ruleCalls, 1)
	spec := platform.ruleCalls[0].spec
	assert.Equal(t, 0, spec.UsageLimit)
	assert.False(t, spec.OncePerCustomer)
	assert.Equal(t, testNow.Add(time.Hour), spec.EndsAt)

	// Global drops never consult the per-viewer cap.
	require.Len(t, ledger.insertSeen, 1)
}

func TestIssueGlobalDrop_PercentOutOfRange(t *testing.T) {
	engine := newTestEngine(&mockStreamerStore{streamer: proStreamer()}, &mockDropStore{}, &mockPlatform{})

	for _, percent := range []int{0, -5, 51, 100} {
		res, err := engine.IssueGlobalDrop(context.Background(), "teststreamer", percent)
		assert.Nil(t, res)
		require.Error(t, err, "percent=%d", percent)

		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeValidationPercentRange, appErr.Code)
	}
}

func TestIssueGlobalDrop_PercentOverridesFixedAmountSettings(t *testing.T) {
	s := proStreamer()
	s.Settings.DiscountKind = types.DiscountFixed
	s.Settings.DiscountValue = 5
	platform := &mockPlatform{}
	engine := newTestEngine(&mockStreamerStore{streamer: s}, &mockDropStore{}, platform)

	res, err := engine.IssueGlobalDrop(context.Background(), "teststreamer", 30)
	require.NoError(t, err)
	require.True(t, res.Completed)

	spec := platform.ruleCalls[0].spec
	assert.Equal(t, types.DiscountPercentage, spec.ValueType)
	assert.Equal(t, float64(30), spec.Value)
}

func TestIssueGlobalDrop_IgnoresMinOrderSubtotal(t *testing.T) {
	s := proStreamer()
	s.Settings.MinOrderSubtotal = 25
	platform := &mockPlatform{}
	engine := newTestEngine(&mockStreamerStore{streamer: s}, &mockDropStore{}, platform)

	res, err := engine.IssueGlobalDrop(context.Background(), "teststreamer", 15)
	require.NoError(t, err)
	require.True(t, res.Completed)

	// The minimum-subtotal setting binds personal viewer codes only; a
	// streamer-wide code applies to any order.
	require.Len(t, platform.ruleCalls, 1)
	assert.Zero(t, platform.ruleCalls[0].spec.MinSubtotal)

	res, err = engine.IssueViewerDrop(context.Background(), "teststreamer", claimant())
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.Len(t, platform.ruleCalls, 2)
	assert.Equal(t, float64(25), platform.ruleCalls[1].spec.MinSubtotal)
}

func TestIssueGlobalDrop_ProQuota(t *testing.T) {
	engine := newTestEngine(
		&mockStreamerStore{streamer: proStreamer()},
		&mockDropStore{countInWindow: 30},
		&mockPlatform{},
	)

	res, err := engine.IssueGlobalDrop(context.Background(), "teststreamer", 10)
	require.NoError(t, err)
	assert.Equal(t, types.RejectQuotaExceeded, res.Reason)
}

func TestIssueGlobalDrop_CreatorUnlimited(t *testing.T) {
	s := proStreamer()
	s.Plan = types.PlanCreator
	engine := newTestEngine(
		&mockStreamerStore{streamer: s},
		&mockDropStore{countInWindow: 100000},
		&mockPlatform{},
	)

	res, err := engine.IssueGlobalDrop(context.Background(), "teststreamer", 10)
	require.NoError(t, err)
	assert.True(t, res.Completed)
}

func TestIssue_StreamerNotFound(t *testing.T) {
	notFound := types.NewAppError(types.ErrCodeNotFoundStreamer, "streamer not found", nil)
	engine := newTestEngine(&mockStreamerStore{err: notFound}, &mockDropStore{}, &mockPlatform{})

	_, err := engine.IssueViewerDrop(context.Background(), "ghost", claimant())
	assert.ErrorIs(t, err, notFound)
}
