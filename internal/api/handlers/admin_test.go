package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamdrop/internal/types"
)

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

type mockLedgerEraser struct {
	deleted int64
	err     error

	lastStreamerID string
	lastFrom       time.Time
	lastTo         time.Time
}

func (m *mockLedgerEraser) DeleteMonth(_ context.Context, streamerID string, from, to time.Time) (int64, error) {
	m.lastStreamerID = streamerID
	m.lastFrom = from
	m.lastTo = to
	return m.deleted, m.err
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// testAdminGate mirrors the production admin-key middleware shape.
func testAdminGate(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Admin-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func newAdminTestRouter(eraser *mockLedgerEraser, allowReset bool, now time.Time) *chi.Mux {
	lookup := &mockStreamerLookup{streamer: &types.Streamer{ID: "str_1", TwitchLogin: "teststreamer"}}
	h := NewAdminHandler(lookup, eraser, testAdminGate("s3cret"), allowReset, fixedClock{now: now}, nil)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestResetUsage_RequiresAdminKey(t *testing.T) {
	eraser := &mockLedgerEraser{}
	router := newAdminTestRouter(eraser, true, time.Now().UTC())

	req := httptest.NewRequest(http.MethodPost, "/admin/streamers/teststreamer/usage/reset", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, eraser.lastStreamerID)
}

func TestResetUsage_DisabledByDefault(t *testing.T) {
	eraser := &mockLedgerEraser{}
	router := newAdminTestRouter(eraser, false, time.Now().UTC())

	req := httptest.NewRequest(http.MethodPost, "/admin/streamers/teststreamer/usage/reset", nil)
	req.Header.Set("X-Admin-Key", "s3cret")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, eraser.lastStreamerID, "the ledger is never touched when reset is disabled")
}

func TestResetUsage_DeletesCurrentMonth(t *testing.T) {
	now := time.Date(2025, time.July, 10, 18, 30, 0, 0, time.UTC)
	eraser := &mockLedgerEraser{deleted: 17}
	router := newAdminTestRouter(eraser, true, now)

	req := httptest.NewRequest(http.MethodPost, "/admin/streamers/TestStreamer/usage/reset", nil)
	req.Header.Set("X-Admin-Key", "s3cret")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "str_1", eraser.lastStreamerID)
	assert.Equal(t, time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC), eraser.lastFrom)
	assert.Equal(t, time.Date(2025, time.August, 1, 0, 0, 0, 0, time.UTC), eraser.lastTo)

	data := decodeEnvelope(t, rr)
	assert.Equal(t, float64(17), data["deleted"])
}
