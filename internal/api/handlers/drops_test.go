package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamdrop/internal/core"
	"streamdrop/internal/drops"
	"streamdrop/internal/types"
)

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

type mockIssuer struct {
	viewerResult *drops.Result
	globalResult *drops.Result
	err          error

	lastLogin    string
	lastClaimant types.Claimant
	lastPercent  int
}

func (m *mockIssuer) IssueViewerDrop(_ context.Context, login string, claimant types.Claimant) (*drops.Result, error) {
	m.lastLogin = login
	m.lastClaimant = claimant
	return m.viewerResult, m.err
}

func (m *mockIssuer) IssueGlobalDrop(_ context.Context, login string, percent int) (*drops.Result, error) {
	m.lastLogin = login
	m.lastPercent = percent
	return m.globalResult, m.err
}

type mockStreamerLookup struct {
	streamer *types.Streamer
	err      error
}

func (m *mockStreamerLookup) GetByLogin(_ context.Context, _ string) (*types.Streamer, error) {
	return m.streamer, m.err
}

type mockDropReader struct {
	list      []*types.Drop
	lastLimit int
}

func (m *mockDropReader) ListRecent(_ context.Context, _ string, limit int) ([]*types.Drop, error) {
	m.lastLimit = limit
	return m.list, nil
}

type mockUsageReporter struct {
	usage *types.PlanUsage
	err   error
}

func (m *mockUsageReporter) GetCurrentUsage(_ context.Context, _ *types.Streamer) (*types.PlanUsage, error) {
	return m.usage, m.err
}

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

func newDropTestRouter(issuer *mockIssuer, lookup *mockStreamerLookup, reader *mockDropReader, usage *mockUsageReporter) *chi.Mux {
	h := NewDropHandler(issuer, lookup, reader, usage, core.NewValidator(nil), nil)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	return envelope.Data
}

// ---------------------------------------------------------------------------
// Tests: Claims
// ---------------------------------------------------------------------------

func TestClaim_Completed(t *testing.T) {
	issuer := &mockIssuer{viewerResult: &drops.Result{
		Completed: true,
		Drop:      &types.Drop{Code: "DROP-NERDLORD-1234", Kind: types.DropKindViewer},
	}}
	router := newDropTestRouter(issuer, &mockStreamerLookup{}, &mockDropReader{}, &mockUsageReporter{})

	rr := postJSON(t, router, "/streamers/TestStreamer/claims", ClaimRequest{
		ViewerID:    "v_42",
		ViewerLogin: "nerd_lord",
	})

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "teststreamer", issuer.lastLogin, "login is lowercased before lookup")
	assert.Equal(t, "v_42", issuer.lastClaimant.ID)

	data := decodeEnvelope(t, rr)
	assert.Equal(t, true, data["completed"])
}

func TestClaim_RejectionIsOK(t *testing.T) {
	issuer := &mockIssuer{viewerResult: &drops.Result{
		Reason:            types.RejectCooldown,
		RetryAfterSeconds: 45,
	}}
	router := newDropTestRouter(issuer, &mockStreamerLookup{}, &mockDropReader{}, &mockUsageReporter{})

	rr := postJSON(t, router, "/streamers/teststreamer/claims", ClaimRequest{
		ViewerID:    "v_42",
		ViewerLogin: "nerd_lord",
	})

	assert.Equal(t, http.StatusOK, rr.Code, "policy rejections are not HTTP errors")
	data := decodeEnvelope(t, rr)
	assert.Equal(t, "cooldown", data["reason"])
	assert.Equal(t, float64(45), data["retry_after_seconds"])
}

func TestClaim_MissingViewerID(t *testing.T) {
	issuer := &mockIssuer{}
	router := newDropTestRouter(issuer, &mockStreamerLookup{}, &mockDropReader{}, &mockUsageReporter{})

	rr := postJSON(t, router, "/streamers/teststreamer/claims", map[string]string{
		"viewer_login": "nerd_lord",
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, issuer.lastLogin, "invalid requests never reach the engine")
}

func TestClaim_UnknownFieldRejected(t *testing.T) {
	router := newDropTestRouter(&mockIssuer{}, &mockStreamerLookup{}, &mockDropReader{}, &mockUsageReporter{})

	rr := postJSON(t, router, "/streamers/teststreamer/claims", map[string]string{
		"viewer_id":    "v_42",
		"viewer_login": "nerd_lord",
		"bogus":        "field",
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestClaim_StreamerNotFound(t *testing.T) {
	issuer := &mockIssuer{err: types.NewAppError(types.ErrCodeNotFoundStreamer, "streamer not found", nil)}
	router := newDropTestRouter(issuer, &mockStreamerLookup{}, &mockDropReader{}, &mockUsageReporter{})

	rr := postJSON(t, router, "/streamers/ghost/claims", ClaimRequest{
		ViewerID:    "v_42",
		ViewerLogin: "nerd_lord",
	})

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestClaim_UpstreamFailureIsBadGateway(t *testing.T) {
	issuer := &mockIssuer{err: types.NewAppError(types.ErrCodeUpstreamUnavailable, "shopify down", nil)}
	router := newDropTestRouter(issuer, &mockStreamerLookup{}, &mockDropReader{}, &mockUsageReporter{})

	rr := postJSON(t, router, "/streamers/teststreamer/claims", ClaimRequest{
		ViewerID:    "v_42",
		ViewerLogin: "nerd_lord",
	})

	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

// ---------------------------------------------------------------------------
// Tests: Global Drops
// ---------------------------------------------------------------------------

func TestGlobalDrop_Completed(t *testing.T) {
	issuer := &mockIssuer{globalResult: &drops.Result{
		Completed: true,
		Drop:      &types.Drop{Code: "DROP-TESTSTREAMER-0007", Kind: types.DropKindGlobal},
	}}
	router := newDropTestRouter(issuer, &mockStreamerLookup{}, &mockDropReader{}, &mockUsageReporter{})

	rr := postJSON(t, router, "/streamers/teststreamer/drops/global", GlobalDropRequest{Percent: 25})

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, 25, issuer.lastPercent)
}

func TestGlobalDrop_PercentValidation(t *testing.T) {
	issuer := &mockIssuer{}
	router := newDropTestRouter(issuer, &mockStreamerLookup{}, &mockDropReader{}, &mockUsageReporter{})

	for _, percent := range []int{0, 51, -1} {
		rr := postJSON(t, router, "/streamers/teststreamer/drops/global", map[string]int{"percent": percent})
		assert.Equal(t, http.StatusBadRequest, rr.Code, "percent=%d", percent)
	}
	assert.Zero(t, issuer.lastPercent)
}

// ---------------------------------------------------------------------------
// Tests: Read Models
// ---------------------------------------------------------------------------

func TestListDrops(t *testing.T) {
	reader := &mockDropReader{list: []*types.Drop{
		{ID: "drop_1", Code: "DROP-A-0001", CreatedAt: time.Now()},
		{ID: "drop_2", Code: "DROP-B-0002", CreatedAt: time.Now()},
	}}
	lookup := &mockStreamerLookup{streamer: &types.Streamer{ID: "str_1"}}
	router := newDropTestRouter(&mockIssuer{}, lookup, reader, &mockUsageReporter{})

	req := httptest.NewRequest(http.MethodGet, "/streamers/teststreamer/drops?limit=10", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 10, reader.lastLimit)

	var envelope struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	assert.Len(t, envelope.Data, 2)
}

func TestUsage(t *testing.T) {
	usage := &mockUsageReporter{usage: &types.PlanUsage{
		Plan:        types.PlanCreator,
		ViewerUsed:  12,
		ViewerLimit: 3000,
		GlobalUsed:  4,
		GlobalLimit: types.Unlimited,
	}}
	lookup := &mockStreamerLookup{streamer: &types.Streamer{ID: "str_1", Plan: types.PlanCreator}}
	router := newDropTestRouter(&mockIssuer{}, lookup, &mockDropReader{}, usage)

	req := httptest.NewRequest(http.MethodGet, "/streamers/teststreamer/usage", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	data := decodeEnvelope(t, rr)
	assert.Equal(t, "creator", data["plan"])
	assert.Equal(t, float64(12), data["viewer_used"])
	assert.Nil(t, data["global_limit"], "unlimited serializes as null")
}
