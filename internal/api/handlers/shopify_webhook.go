// This file implements the orders/create webhook sink. It is NOT behind auth
// middleware; Shopify calls it directly. Security is provided by verifying
// the X-Shopify-Hmac-Sha256 header against the app's shared secret.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"streamdrop/internal/core"
	"streamdrop/internal/types"
)

// maxWebhookBodySize is the maximum allowed webhook payload size (256 KB).
// Order payloads carry full line items and can get large on big carts.
const maxWebhookBodySize = 256 * 1024

// ShopifyHMACVerifier validates webhook payload signatures.
type ShopifyHMACVerifier interface {
	Verify(payload []byte, headerHMAC string, secret types.SecretString) bool
}

// RedemptionSink records redemptions and resolves shop domains to streamers.
type RedemptionSink interface {
	Insert(ctx context.Context, red *types.Redemption) (bool, error)
}

// ShopLookup resolves a shop domain to its streamer. Unattributed shops are
// tolerated; the redemption is stored without streamer linkage.
type ShopLookup interface {
	GetByShopDomain(ctx context.Context, domain string) (*types.Streamer, error)
}

// ShopifyWebhookHandler ingests orders/create deliveries and records one
// redemption per discount code used on the order.
type ShopifyWebhookHandler struct {
	verifier    ShopifyHMACVerifier
	redemptions RedemptionSink
	shops       ShopLookup
	secret      types.SecretString
	logger      *slog.Logger
}

// NewShopifyWebhookHandler creates a new ShopifyWebhookHandler.
func NewShopifyWebhookHandler(
	verifier ShopifyHMACVerifier,
	redemptions RedemptionSink,
	shops ShopLookup,
	secret types.SecretString,
	logger *slog.Logger,
) *ShopifyWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShopifyWebhookHandler{
		verifier:    verifier,
		redemptions: redemptions,
		shops:       shops,
		secret:      secret,
		logger:      logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Separate from the authenticated
// route groups because webhook routes are public.
func (h *ShopifyWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/shopify/orders", h.Handle)
}

// shopifyOrder is the subset of the orders/create payload we consume.
type shopifyOrder struct {
	ID            json.Number `json:"id"`
	OrderNumber   json.Number `json:"order_number"`
	Email         string      `json:"email"`
	DiscountCodes []struct {
		Code   string `json:"code"`
		Amount string `json:"amount"`
		Type   string `json:"type"`
	} `json:"discount_codes"`
	Customer struct {
		ID json.Number `json:"id"`
	} `json:"customer"`
}

// Handle processes one orders/create delivery:
//  1. Read the body and verify the HMAC signature.
//  2. Parse the order and skip it when no discount code was used.
//  3. Attribute the shop domain to a streamer when possible.
//  4. Record one redemption per discount code; duplicates are absorbed.
//  5. Return 200 so Shopify does not retry; processing errors are logged.
func (h *ShopifyWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"failed to read request body",
			err,
		))
		return
	}

	sig := r.Header.Get("X-Shopify-Hmac-Sha256")
	if !h.verifier.Verify(payload, sig, h.secret) {
		h.logger.WarnContext(r.Context(), "shopify webhook signature verification failed",
			"shop_domain", r.Header.Get("X-Shopify-Shop-Domain"),
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"webhook signature verification failed",
			nil,
		))
		return
	}

	shopDomain := strings.ToLower(r.Header.Get("X-Shopify-Shop-Domain"))

	var order shopifyOrder
	if err := json.Unmarshal(payload, &order); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse order payload",
			"shop_domain", shopDomain,
			"error", err,
		)
		// Acknowledge anyway; a malformed payload will not improve on retry.
		w.WriteHeader(http.StatusOK)
		return
	}

	if len(order.DiscountCodes) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.recordRedemptions(r.Context(), shopDomain, payload, &order); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook order processing failed",
			"shop_domain", shopDomain,
			"order_id", order.ID.String(),
			"error", err,
		)
		// Return 200 anyway to prevent Shopify from retrying; the error is
		// logged for investigation.
	}

	w.WriteHeader(http.StatusOK)
}

func (h *ShopifyWebhookHandler) recordRedemptions(ctx context.Context, shopDomain string, payload []byte, order *shopifyOrder) error {
	var streamerID, twitchLogin string
	streamer, err := h.shops.GetByShopDomain(ctx, shopDomain)
	if err == nil {
		streamerID = streamer.ID
		twitchLogin = streamer.TwitchLogin
	} else {
		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundStreamer {
			return err
		}
		h.logger.WarnContext(ctx, "order from unattributed shop",
			"shop_domain", shopDomain,
		)
	}

	var firstErr error
	for _, dc := range order.DiscountCodes {
		red := &types.Redemption{
			StreamerID:     streamerID,
			TwitchLogin:    twitchLogin,
			ShopDomain:     shopDomain,
			OrderID:        order.ID.String(),
			OrderNumber:    order.OrderNumber.String(),
			Code:           dc.Code,
			DiscountAmount: dc.Amount,
			DiscountType:   dc.Type,
			CustomerEmail:  order.Email,
			CustomerID:     order.Customer.ID.String(),
			RawOrder:       json.RawMessage(payload),
		}
		inserted, err := h.redemptions.Insert(ctx, red)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !inserted {
			h.logger.InfoContext(ctx, "duplicate webhook delivery absorbed",
				"shop_domain", shopDomain,
				"order_id", order.ID.String(),
				"code", dc.Code,
			)
			continue
		}
		h.logger.InfoContext(ctx, "redemption recorded",
			"redemption_id", red.ID,
			"streamer_id", streamerID,
			"code", dc.Code,
		)
	}
	if firstErr != nil {
		return fmt.Errorf("recording redemptions: %w", firstErr)
	}
	return nil
}
