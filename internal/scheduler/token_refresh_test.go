package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamdrop/internal/types"
)

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

type mockTokenStore struct {
	due     []*types.Streamer
	listErr error
	saveErr map[string]error

	lastBefore time.Time
	lastLimit  int
	saved      map[string]types.TwitchToken
}

func newMockTokenStore(due ...*types.Streamer) *mockTokenStore {
	return &mockTokenStore{
		due:     due,
		saveErr: make(map[string]error),
		saved:   make(map[string]types.TwitchToken),
	}
}

func (m *mockTokenStore) ListExpiringTokens(_ context.Context, before time.Time, limit int) ([]*types.Streamer, error) {
	m.lastBefore = before
	m.lastLimit = limit
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.due, nil
}

func (m *mockTokenStore) UpdateToken(_ context.Context, id string, token types.TwitchToken) error {
	if err := m.saveErr[id]; err != nil {
		return err
	}
	m.saved[id] = token
	return nil
}

type mockTokenRefresher struct {
	failFor map[types.SecretString]error
	calls   int
}

func (m *mockTokenRefresher) Refresh(_ context.Context, refreshToken types.SecretString) (*types.TwitchToken, error) {
	m.calls++
	if err := m.failFor[refreshToken]; err != nil {
		return nil, err
	}
	return &types.TwitchToken{
		AccessToken:  "new_access_" + refreshToken,
		RefreshToken: "new_refresh_" + refreshToken,
		ExpiresAt:    time.Now().Add(4 * time.Hour),
	}, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func streamerWithToken(id, refresh string) *types.Streamer {
	return &types.Streamer{
		ID:           id,
		TwitchLogin:  id + "_login",
		RefreshToken: types.SecretString(refresh),
	}
}

func TestRunOnce_RefreshesDueTokens(t *testing.T) {
	now := time.Date(2025, time.July, 10, 18, 0, 0, 0, time.UTC)
	store := newMockTokenStore(
		streamerWithToken("str_1", "rt_1"),
		streamerWithToken("str_2", "rt_2"),
	)
	refresher := &mockTokenRefresher{}
	job := NewTwitchTokenJob(store, refresher, time.Minute, fixedClock{now: now}, nil)

	refreshed, err := job.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, refreshed)

	assert.Equal(t, now.Add(RefreshLeadTime), store.lastBefore)
	assert.Equal(t, RefreshBatchLimit, store.lastLimit)

	require.Contains(t, store.saved, "str_1")
	assert.Equal(t, types.SecretString("new_refresh_rt_1"), store.saved["str_1"].RefreshToken)
}

func TestRunOnce_NothingDue(t *testing.T) {
	store := newMockTokenStore()
	refresher := &mockTokenRefresher{}
	job := NewTwitchTokenJob(store, refresher, time.Minute, nil, nil)

	refreshed, err := job.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, refreshed)
	assert.Zero(t, refresher.calls)
}

func TestRunOnce_RevokedTokenSkipped(t *testing.T) {
	store := newMockTokenStore(
		streamerWithToken("str_1", "rt_revoked"),
		streamerWithToken("str_2", "rt_2"),
	)
	refresher := &mockTokenRefresher{failFor: map[types.SecretString]error{
		"rt_revoked": errors.New("invalid refresh token"),
	}}
	job := NewTwitchTokenJob(store, refresher, time.Minute, nil, nil)

	refreshed, err := job.RunOnce(context.Background())
	require.NoError(t, err, "one revoked token must not fail the sweep")
	assert.Equal(t, 1, refreshed)
	assert.NotContains(t, store.saved, "str_1")
	assert.Contains(t, store.saved, "str_2")
}

func TestRunOnce_PersistFailureSkipped(t *testing.T) {
	store := newMockTokenStore(
		streamerWithToken("str_1", "rt_1"),
		streamerWithToken("str_2", "rt_2"),
	)
	store.saveErr["str_1"] = errors.New("connection reset")
	job := NewTwitchTokenJob(store, &mockTokenRefresher{}, time.Minute, nil, nil)

	refreshed, err := job.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed)
}

func TestRunOnce_ListFailurePropagates(t *testing.T) {
	store := newMockTokenStore()
	store.listErr = errors.New("pool exhausted")
	job := NewTwitchTokenJob(store, &mockTokenRefresher{}, time.Minute, nil, nil)

	_, err := job.RunOnce(context.Background())
	assert.ErrorIs(t, err, store.listErr)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	job := NewTwitchTokenJob(newMockTokenStore(), &mockTokenRefresher{}, 50*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- job.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
