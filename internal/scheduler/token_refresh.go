// Package scheduler implements the background jobs the API process runs
// alongside the HTTP server.
//
// This file implements the Twitch token refresher. Issued access tokens
// expire after a few hours; the refresher scans for tokens nearing expiry
// and trades the stored refresh token for a fresh pair, keeping the chat
// integration and Helix lookups working without broadcaster interaction.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"streamdrop/internal/types"
)

// RefreshBatchLimit caps how many streamers one sweep refreshes. A busy
// deployment catches up on the next tick.
const RefreshBatchLimit = 50

// RefreshLeadTime is how far ahead of expiry a token is considered due.
// Must comfortably exceed the sweep interval so tokens never lapse between
// sweeps.
const RefreshLeadTime = 30 * time.Minute

// TokenStore is the streamer access the refresher needs.
type TokenStore interface {
	ListExpiringTokens(ctx context.Context, before time.Time, limit int) ([]*types.Streamer, error)
	UpdateToken(ctx context.Context, id string, token types.TwitchToken) error
}

// TokenRefresher exchanges refresh tokens for new access tokens.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken types.SecretString) (*types.TwitchToken, error)
}

// TwitchTokenJob periodically refreshes Twitch tokens nearing expiry.
type TwitchTokenJob struct {
	store    TokenStore
	twitch   TokenRefresher
	interval time.Duration
	clock    types.Clock
	logger   *slog.Logger
}

// NewTwitchTokenJob creates a new TwitchTokenJob sweeping at the given
// interval.
func NewTwitchTokenJob(store TokenStore, twitch TokenRefresher, interval time.Duration, clock types.Clock, logger *slog.Logger) *TwitchTokenJob {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &TwitchTokenJob{
		store:    store,
		twitch:   twitch,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// Run sweeps on a ticker until the context is canceled. It always returns
// ctx.Err, making it a well-behaved errgroup member.
func (j *TwitchTokenJob) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.ErrorContext(ctx, "token refresh sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single sweep and returns how many tokens were
// refreshed. Per-streamer refresh failures are logged and skipped; a revoked
// refresh token must not stall everyone behind it in the queue.
func (j *TwitchTokenJob) RunOnce(ctx context.Context) (int, error) {
	cutoff := j.clock.Now().Add(RefreshLeadTime)
	due, err := j.store.ListExpiringTokens(ctx, cutoff, RefreshBatchLimit)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	refreshed := 0
	for _, s := range due {
		token, err := j.twitch.Refresh(ctx, s.RefreshToken)
		if err != nil {
			j.logger.WarnContext(ctx, "twitch token refresh failed",
				"streamer_id", s.ID,
				"twitch_login", s.TwitchLogin,
				"error", err,
			)
			continue
		}
		if err := j.store.UpdateToken(ctx, s.ID, *token); err != nil {
			j.logger.ErrorContext(ctx, "failed to persist refreshed token",
				"streamer_id", s.ID,
				"error", err,
			)
			continue
		}
		refreshed++
	}

	j.logger.InfoContext(ctx, "token refresh sweep complete",
		"due", len(due),
		"refreshed", refreshed,
	)
	return refreshed, nil
}
