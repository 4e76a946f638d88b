// This file implements the administrative endpoints. All routes here sit
// behind the admin-key middleware supplied at construction time.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"streamdrop/internal/core"
	"streamdrop/internal/drops"
	"streamdrop/internal/types"
)

// AdminStreamerLookup resolves a login for the admin endpoints.
type AdminStreamerLookup interface {
	GetByLogin(ctx context.Context, login string) (*types.Streamer, error)
}

// LedgerEraser deletes drop rows in a time window.
type LedgerEraser interface {
	DeleteMonth(ctx context.Context, streamerID string, from, to time.Time) (int64, error)
}

// AdminHandler exposes operational endpoints for support and test
// environments.
type AdminHandler struct {
	streamers  AdminStreamerLookup
	ledger     LedgerEraser
	adminGate  func(http.Handler) http.Handler
	allowReset bool
	clock      types.Clock
	logger     *slog.Logger
}

// NewAdminHandler creates a new AdminHandler. adminGate is the admin-key
// middleware; allowReset additionally gates the destructive usage reset.
func NewAdminHandler(
	streamers AdminStreamerLookup,
	ledger LedgerEraser,
	adminGate func(http.Handler) http.Handler,
	allowReset bool,
	clock types.Clock,
	l *slog.Logger,
) *AdminHandler {
	if l == nil {
		l = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &AdminHandler{
		streamers:  streamers,
		ledger:     ledger,
		adminGate:  adminGate,
		allowReset: allowReset,
		clock:      clock,
		logger:     l,
	}
}

// RegisterRoutes mounts the admin routes behind the admin gate.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.adminGate)
		r.Post("/admin/streamers/{login}/usage/reset", h.ResetUsage)
	})
}

// ResetUsage deletes the streamer's drop ledger for the current calendar
// month, resetting quota consumption. Destructive, so it is off unless the
// deployment explicitly enables it; intended for test environments.
func (h *AdminHandler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	if !h.allowReset {
		core.Error(w, r, types.NewAppError(
			types.ErrCodePermissionReset,
			"usage reset is disabled in this environment",
			nil,
		))
		return
	}

	login := strings.ToLower(chi.URLParam(r, "login"))
	streamer, err := h.streamers.GetByLogin(r.Context(), login)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	from, to := drops.MonthWindow(h.clock.Now())
	deleted, err := h.ledger.DeleteMonth(r.Context(), streamer.ID, from, to)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.WarnContext(r.Context(), "monthly usage reset",
		"streamer_id", streamer.ID,
		"deleted", deleted,
		"month_start", from,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"deleted":     deleted,
		"month_start": from,
		"month_end":   to,
	}})
}
