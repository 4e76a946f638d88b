// This file implements the per-streamer settings endpoints. Settings are
// validated once here, at the write boundary, and consumed as trusted data by
// the issuance engine thereafter.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"streamdrop/internal/core"
	"streamdrop/internal/types"
)

// SettingsStore is the streamer access the settings endpoints need.
type SettingsStore interface {
	GetByLogin(ctx context.Context, login string) (*types.Streamer, error)
	UpdateSettings(ctx context.Context, id string, settings types.DropSettings) error
}

// UpdateSettingsRequest is the request body for PUT /streamers/{login}/settings.
// All fields are required; partial updates read-modify-write on the client.
type UpdateSettingsRequest struct {
	Enabled                 bool               `json:"enabled"`
	DiscountKind            types.DiscountKind `json:"discount_kind" validate:"required,oneof=percentage fixed_amount"`
	DiscountValue           float64            `json:"discount_value" validate:"gte=0"`
	CodePrefix              string             `json:"code_prefix" validate:"required,max=24"`
	MaxPerViewerPerStream   int                `json:"max_per_viewer_per_stream" validate:"gte=0"`
	CooldownSeconds         int                `json:"cooldown_seconds" validate:"gte=0"`
	MinOrderSubtotal        float64            `json:"min_order_subtotal" validate:"gte=0"`
	AutoEnableOnStreamStart bool               `json:"auto_enable_on_stream_start"`
}

// SettingsHandler manages per-streamer drop settings.
type SettingsHandler struct {
	store     SettingsStore
	validator *core.Validator
	logger    *slog.Logger
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(store SettingsStore, v *core.Validator, l *slog.Logger) *SettingsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SettingsHandler{store: store, validator: v, logger: l}
}

// RegisterRoutes mounts the settings routes.
func (h *SettingsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/streamers/{login}/settings", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Update)
	})
}

// Get returns the streamer's current settings.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(chi.URLParam(r, "login"))

	streamer, err := h.store.GetByLogin(r.Context(), login)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: streamer.Settings})
}

// Update replaces the streamer's settings after validating them. Percentage
// discounts are additionally bounded to [1, 50], matching the constraint the
// engine applies to global drops.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(chi.URLParam(r, "login"))

	var req UpdateSettingsRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.DiscountKind == types.DiscountPercentage && (req.DiscountValue < 1 || req.DiscountValue > 50) {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationPercentRange,
			"percentage discounts must be between 1 and 50",
			nil,
			map[string]any{"discount_value": req.DiscountValue},
		))
		return
	}

	streamer, err := h.store.GetByLogin(r.Context(), login)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	settings := types.DropSettings{
		Enabled:                 req.Enabled,
		DiscountKind:            req.DiscountKind,
		DiscountValue:           req.DiscountValue,
		CodePrefix:              req.CodePrefix,
		MaxPerViewerPerStream:   req.MaxPerViewerPerStream,
		CooldownSeconds:         req.CooldownSeconds,
		MinOrderSubtotal:        req.MinOrderSubtotal,
		AutoEnableOnStreamStart: req.AutoEnableOnStreamStart,
	}

	if err := h.store.UpdateSettings(r.Context(), streamer.ID, settings); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "settings updated",
		"streamer_id", streamer.ID,
		"enabled", settings.Enabled,
		"cooldown_seconds", settings.CooldownSeconds,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: settings})
}
