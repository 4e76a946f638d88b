// This file implements the redemption read model: which issued codes were
// actually used at checkout.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"streamdrop/internal/core"
	"streamdrop/internal/types"
)

// RedemptionReader lists recorded redemptions for a streamer.
type RedemptionReader interface {
	ListForStreamer(ctx context.Context, streamerID string, limit int) ([]*types.Redemption, error)
}

// RedemptionHandler exposes the redemption ledger over HTTP.
type RedemptionHandler struct {
	streamers   DropStreamerLookup
	redemptions RedemptionReader
	logger      *slog.Logger
}

// NewRedemptionHandler creates a new RedemptionHandler.
func NewRedemptionHandler(streamers DropStreamerLookup, redemptions RedemptionReader, l *slog.Logger) *RedemptionHandler {
	if l == nil {
		l = slog.Default()
	}
	return &RedemptionHandler{
		streamers:   streamers,
		redemptions: redemptions,
		logger:      l,
	}
}

// RegisterRoutes mounts the redemption routes.
func (h *RedemptionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/streamers/{login}/redemptions", h.List)
}

// List returns the streamer's most recent redemptions.
func (h *RedemptionHandler) List(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(chi.URLParam(r, "login"))

	streamer, err := h.streamers.GetByLogin(r.Context(), login)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, perr := strconv.Atoi(raw); perr == nil {
			limit = parsed
		}
	}

	list, err := h.redemptions.ListForStreamer(r.Context(), streamer.ID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: list})
}
