// This file implements the Stripe webhook handler that keeps streamer plan
// tiers in sync with their subscriptions. It is NOT behind auth middleware;
// security is provided by verifying the Stripe-Signature header.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	stripe "github.com/stripe/stripe-go/v82"

	"streamdrop/internal/core"
	"streamdrop/internal/external"
	"streamdrop/internal/types"
)

// Stripe event types the plan sync consumes.
const (
	eventCheckoutCompleted = "checkout.session.completed"
	eventSubUpdated        = "customer.subscription.updated"
	eventSubCreated        = "customer.subscription.created"
	eventSubDeleted        = "customer.subscription.deleted"
)

// StripeSignatureVerifier validates and parses Stripe webhook deliveries.
type StripeSignatureVerifier interface {
	Verify(payload []byte, header string, secret types.SecretString) (stripe.Event, error)
}

// PlanSyncStore is the streamer access plan sync needs.
type PlanSyncStore interface {
	GetByID(ctx context.Context, id string) (*types.Streamer, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*types.Streamer, error)
	UpdatePlan(ctx context.Context, id string, plan types.PlanTier) error
	UpdateStripeCustomerID(ctx context.Context, id string, customerID string) error
}

// SubscriptionFetcher resolves a customer's live subscription from Stripe.
// Used on checkout completion, where the event itself lacks price data.
type SubscriptionFetcher interface {
	GetSubscriptionForCustomer(ctx context.Context, customerID string) (*external.StripeSubscription, error)
}

// StripeWebhookHandler applies subscription lifecycle events to streamer
// plan tiers.
type StripeWebhookHandler struct {
	verifier  StripeSignatureVerifier
	streamers PlanSyncStore
	billing   SubscriptionFetcher
	prices    external.PriceMap
	secret    types.SecretString
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates a new StripeWebhookHandler.
func NewStripeWebhookHandler(
	verifier StripeSignatureVerifier,
	streamers PlanSyncStore,
	billing SubscriptionFetcher,
	prices external.PriceMap,
	secret types.SecretString,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:  verifier,
		streamers: streamers,
		billing:   billing,
		prices:    prices,
		secret:    secret,
		logger:    logger,
	}
}

// RegisterRoutes mounts the Stripe webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes incoming Stripe webhook events:
//  1. Read the body and verify the Stripe-Signature header.
//  2. Route by event type.
//  3. Return 200 OK; internal processing errors are logged but acknowledged
//     so Stripe does not retry indefinitely.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
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

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	event, err := h.verifier.Verify(payload, sigHeader, h.secret)
	if err != nil {
		h.logger.WarnContext(r.Context(), "stripe signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "stripe event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripe.Event) error {
	switch string(event.Type) {
	case eventCheckoutCompleted:
		return h.handleCheckoutCompleted(ctx, event)
	case eventSubCreated, eventSubUpdated:
		return h.handleSubscriptionChanged(ctx, event)
	case eventSubDeleted:
		return h.handleSubscriptionDeleted(ctx, event)
	default:
		// Unhandled event types are acknowledged silently.
		return nil
	}
}

// checkoutSession is the subset of the checkout.session object plan sync reads.
type checkoutSession struct {
	Customer          string `json:"customer"`
	ClientReferenceID string `json:"client_reference_id"`
}

// handleCheckoutCompleted links the Stripe customer to the streamer recorded
// as client_reference_id, then pulls the live subscription to set the tier.
func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session checkoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return err
	}
	if session.ClientReferenceID == "" || session.Customer == "" {
		h.logger.WarnContext(ctx, "checkout event missing linkage fields",
			"event_id", event.ID,
		)
		return nil
	}

	streamer, err := h.streamers.GetByID(ctx, session.ClientReferenceID)
	if err != nil {
		return err
	}
	if err := h.streamers.UpdateStripeCustomerID(ctx, streamer.ID, session.Customer); err != nil {
		return err
	}

	sub, err := h.billing.GetSubscriptionForCustomer(ctx, session.Customer)
	if err != nil {
		return err
	}
	return h.applyPlan(ctx, streamer.ID, sub.Plan, sub.Status)
}

// subscriptionEvent is the subset of the subscription object plan sync reads.
type subscriptionEvent struct {
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (h *StripeWebhookHandler) handleSubscriptionChanged(ctx context.Context, event *stripe.Event) error {
	var sub subscriptionEvent
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return err
	}

	streamer, err := h.lookupByCustomer(ctx, sub.Customer)
	if err != nil || streamer == nil {
		return err
	}

	status := types.SubscriptionStatus(sub.Status)
	plan := types.PlanFree
	if status == types.SubStatusActive || status == types.SubStatusTrialing {
		if len(sub.Items.Data) > 0 {
			plan = h.prices.PlanForPrice(sub.Items.Data[0].Price.ID)
		}
	}
	return h.applyPlan(ctx, streamer.ID, plan, status)
}

func (h *StripeWebhookHandler) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub subscriptionEvent
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return err
	}

	streamer, err := h.lookupByCustomer(ctx, sub.Customer)
	if err != nil || streamer == nil {
		return err
	}
	return h.applyPlan(ctx, streamer.ID, types.PlanFree, types.SubStatusCanceled)
}

// lookupByCustomer resolves a customer ID, tolerating unknown customers
// (returns nil, nil) since the checkout event may not have arrived yet.
func (h *StripeWebhookHandler) lookupByCustomer(ctx context.Context, customerID string) (*types.Streamer, error) {
	if customerID == "" {
		return nil, nil
	}
	streamer, err := h.streamers.GetByStripeCustomerID(ctx, customerID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundStreamer {
			h.logger.WarnContext(ctx, "subscription event for unknown customer",
				"customer_id", customerID,
			)
			return nil, nil
		}
		return nil, err
	}
	return streamer, nil
}

func (h *StripeWebhookHandler) applyPlan(ctx context.Context, streamerID string, plan types.PlanTier, status types.SubscriptionStatus) error {
	if err := h.streamers.UpdatePlan(ctx, streamerID, plan); err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "plan synced",
		"streamer_id", streamerID,
		"plan", plan,
		"subscription_status", status,
	)
	return nil
}
