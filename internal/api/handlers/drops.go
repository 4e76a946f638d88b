// Package handlers contains the HTTP handler implementations for the
// streamdrop API.
//
// This file implements the issuance endpoints: viewer claims, owner-initiated
// global drops, and the drop/usage read models.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"streamdrop/internal/billing"
	"streamdrop/internal/core"
	"streamdrop/internal/drops"
	"streamdrop/internal/types"
)

// --- Service Interfaces ---
//
// Defined locally following the handler injection pattern used throughout
// this package. Handlers depend on abstractions for testability and to avoid
// coupling to concrete implementations.

// Issuer is the engine surface the drop endpoints call.
type Issuer interface {
	IssueViewerDrop(ctx context.Context, streamerLogin string, claimant types.Claimant) (*drops.Result, error)
	IssueGlobalDrop(ctx context.Context, streamerLogin string, percent int) (*drops.Result, error)
}

// DropReader provides the ledger read models behind the reporting endpoints.
type DropReader interface {
	ListRecent(ctx context.Context, streamerID string, limit int) ([]*types.Drop, error)
}

// DropStreamerLookup resolves a login to a streamer for the read endpoints.
type DropStreamerLookup interface {
	GetByLogin(ctx context.Context, login string) (*types.Streamer, error)
}

// --- Request/Response Models ---

// ClaimRequest is the request body for POST /streamers/{login}/claims.
type ClaimRequest struct {
	ViewerID          string `json:"viewer_id" validate:"required,max=64"`
	ViewerLogin       string `json:"viewer_login" validate:"required,max=64"`
	ViewerDisplayName string `json:"viewer_display_name,omitempty" validate:"max=128"`
}

// GlobalDropRequest is the request body for POST /streamers/{login}/drops/global.
type GlobalDropRequest struct {
	Percent int `json:"percent" validate:"required,min=1,max=50"`
}

// --- Handler ---

// DropHandler exposes the issuance engine and the drop read models over HTTP.
type DropHandler struct {
	issuer    Issuer
	streamers DropStreamerLookup
	ledger    DropReader
	usage     billing.UsageReporter
	validator *core.Validator
	logger    *slog.Logger
}

// NewDropHandler creates a new DropHandler with the provided dependencies.
func NewDropHandler(
	issuer Issuer,
	streamers DropStreamerLookup,
	ledger DropReader,
	usage billing.UsageReporter,
	v *core.Validator,
	l *slog.Logger,
) *DropHandler {
	if l == nil {
		l = slog.Default()
	}
	return &DropHandler{
		issuer:    issuer,
		streamers: streamers,
		ledger:    ledger,
		usage:     usage,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the issuance and reporting routes.
func (h *DropHandler) RegisterRoutes(r chi.Router) {
	r.Route("/streamers/{login}", func(r chi.Router) {
		r.Post("/claims", h.Claim)
		r.Post("/drops/global", h.GlobalDrop)
		r.Get("/drops", h.ListDrops)
		r.Get("/usage", h.Usage)
	})
}

// Claim handles one viewer claim. Policy rejections come back as 200 with a
// structured rejection body; they are expected, frequent, and never errors.
func (h *DropHandler) Claim(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(chi.URLParam(r, "login"))

	var req ClaimRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.issuer.IssueViewerDrop(r.Context(), login, types.Claimant{
		ID:          req.ViewerID,
		Login:       req.ViewerLogin,
		DisplayName: req.ViewerDisplayName,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.writeResult(w, r, result)
}

// GlobalDrop handles an owner-initiated streamer-wide drop.
func (h *DropHandler) GlobalDrop(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(chi.URLParam(r, "login"))

	var req GlobalDropRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.issuer.IssueGlobalDrop(r.Context(), login, req.Percent)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.writeResult(w, r, result)
}

// writeResult maps an engine result to the response envelope. Completions are
// 201; rejections are 200 with the reason payload, since the request itself
// was handled correctly.
func (h *DropHandler) writeResult(w http.ResponseWriter, r *http.Request, result *drops.Result) {
	status := http.StatusOK
	if result.Completed {
		status = http.StatusCreated
	}
	core.JSON(w, r, status, core.APIResponse{Data: result})
}

// ListDrops returns the streamer's most recent drops.
func (h *DropHandler) ListDrops(w http.ResponseWriter, r *http.Request) {
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

	list, err := h.ledger.ListRecent(r.Context(), streamer.ID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: list})
}

// Usage returns the streamer's monthly consumption against plan limits.
func (h *DropHandler) Usage(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(chi.URLParam(r, "login"))

	streamer, err := h.streamers.GetByLogin(r.Context(), login)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	snapshot, err := h.usage.GetCurrentUsage(r.Context(), streamer)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: snapshot})
}
