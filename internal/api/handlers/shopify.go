// This file implements the Shopify connection endpoints: attach a store to a
// streamer, register the orders/create webhook, and disconnect.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"streamdrop/internal/core"
	"streamdrop/internal/external"
	"streamdrop/internal/types"
)

// ConnectionStore is the streamer access the connection endpoints need.
type ConnectionStore interface {
	GetByLogin(ctx context.Context, login string) (*types.Streamer, error)
	UpdateConnection(ctx context.Context, id string, domain string, token types.SecretString, apiVersion string, connected bool) error
}

// WebhookRegistrar registers the orders/create webhook on a connected shop.
type WebhookRegistrar interface {
	EnsureOrderWebhook(ctx context.Context, conn external.ShopConnection, address string) error
}

// ConnectShopifyRequest is the request body for POST /streamers/{login}/shopify/connect.
type ConnectShopifyRequest struct {
	StoreDomain string `json:"store_domain" validate:"required,hostname,endswith=.myshopify.com"`
	AdminToken  string `json:"admin_token" validate:"required,min=16"`
}

// ShopifyConnectionHandler manages the streamer-to-store binding.
type ShopifyConnectionHandler struct {
	store      ConnectionStore
	registrar  WebhookRegistrar
	apiVersion string
	// webhookAddress is the public URL Shopify will deliver order events to.
	webhookAddress string
	validator      *core.Validator
	logger         *slog.Logger
}

// NewShopifyConnectionHandler creates a new ShopifyConnectionHandler.
func NewShopifyConnectionHandler(
	store ConnectionStore,
	registrar WebhookRegistrar,
	apiVersion string,
	webhookAddress string,
	v *core.Validator,
	l *slog.Logger,
) *ShopifyConnectionHandler {
	if l == nil {
		l = slog.Default()
	}
	return &ShopifyConnectionHandler{
		store:          store,
		registrar:      registrar,
		apiVersion:     apiVersion,
		webhookAddress: webhookAddress,
		validator:      v,
		logger:         l,
	}
}

// RegisterRoutes mounts the connection routes.
func (h *ShopifyConnectionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/streamers/{login}/shopify", func(r chi.Router) {
		r.Post("/connect", h.Connect)
		r.Delete("/connect", h.Disconnect)
	})
}

// Connect binds a Shopify store to the streamer and registers the order
// webhook. The connection is persisted only after webhook registration
// succeeds, so a connected streamer always has redemption tracking.
func (h *ShopifyConnectionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(chi.URLParam(r, "login"))

	var req ConnectShopifyRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	streamer, err := h.store.GetByLogin(r.Context(), login)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	domain := strings.ToLower(req.StoreDomain)
	token := types.SecretString(req.AdminToken)

	conn := external.ShopConnection{
		Domain:     domain,
		Token:      token,
		APIVersion: h.apiVersion,
	}
	if err := h.registrar.EnsureOrderWebhook(r.Context(), conn, h.webhookAddress); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.store.UpdateConnection(r.Context(), streamer.ID, domain, token, h.apiVersion, true); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "shopify store connected",
		"streamer_id", streamer.ID,
		"shop_domain", domain,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"connected":    true,
		"store_domain": domain,
		"api_version":  h.apiVersion,
	}})
}

// Disconnect clears the streamer's store binding. The admin token is dropped;
// the webhook registration on the shop is left behind and goes stale harmlessly.
func (h *ShopifyConnectionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(chi.URLParam(r, "login"))

	streamer, err := h.store.GetByLogin(r.Context(), login)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.store.UpdateConnection(r.Context(), streamer.ID, "", "", "", false); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "shopify store disconnected",
		"streamer_id", streamer.ID,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"connected": false,
	}})
}
