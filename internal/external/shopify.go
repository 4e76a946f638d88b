package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"streamdrop/internal/types"
)

// ShopConnection identifies one streamer's Shopify store. Every Admin API
// call is scoped to a connection because each streamer connects their own
// store with their own admin token.
type ShopConnection struct {
	Domain     string
	Token      types.SecretString
	APIVersion string
}

// PriceRuleSpec describes the price rule backing one drop code.
type PriceRuleSpec struct {
	Title     string
	ValueType types.DiscountKind
	// Value is the positive discount magnitude; the Admin API payload
	// carries it negated.
	Value float64

	// UsageLimit caps total redemptions of the code. 0 means unlimited.
	UsageLimit      int
	OncePerCustomer bool

	StartsAt time.Time
	EndsAt   time.Time

	// MinSubtotal > 0 attaches a prerequisite subtotal to the rule.
	MinSubtotal float64
}

// ShopifyClient talks to the Shopify Admin REST API through BaseClient so
// every call inherits the platform's resilience behavior (circuit breaker,
// retries, error mapping).
type ShopifyClient struct {
	base              *BaseClient
	defaultAPIVersion string
	logger            *slog.Logger

	// baseURLFn builds the Admin API root for a shop domain.
	// Overridable in tests to point at an httptest server.
	baseURLFn func(domain string) string
}

// ShopifyClientConfig holds the configuration for creating a ShopifyClient.
type ShopifyClientConfig struct {
	APIVersion string
	Logger     *slog.Logger

	// BaseURLFn overrides the per-shop base URL for testing.
	BaseURLFn func(domain string) string
}

// NewShopifyClient creates a new ShopifyClient.
func NewShopifyClient(httpClient *http.Client, cfg ShopifyClientConfig) *ShopifyClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseURLFn := cfg.BaseURLFn
	if baseURLFn == nil {
		baseURLFn = func(domain string) string {
			return "https://" + domain
		}
	}

	base := NewBaseClient(
		httpClient,
		"shopify",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"streamdrop/1.0",
	)

	return &ShopifyClient{
		base:              base,
		defaultAPIVersion: cfg.APIVersion,
		logger:            logger,
		baseURLFn:         baseURLFn,
	}
}

// NewShopifyClientWithBase creates a ShopifyClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration.
func NewShopifyClientWithBase(base *BaseClient, cfg ShopifyClientConfig) *ShopifyClient {
	c := NewShopifyClient(nil, cfg)
	c.base = base
	return c
}

// CreatePriceRule creates a price rule on the shop and returns its ID.
// The rule applies to all line items, targets everyone, and self-expires at
// spec.EndsAt; nothing needs to clean it up if the code is never redeemed.
func (c *ShopifyClient) CreatePriceRule(ctx context.Context, conn ShopConnection, spec PriceRuleSpec) (int64, error) {
	rule := map[string]any{
		"title":              spec.Title,
		"target_type":        "line_item",
		"target_selection":   "all",
		"allocation_method":  "across",
		"value_type":         string(spec.ValueType),
		"value":              fmt.Sprintf("%.2f", -spec.Value),
		"customer_selection": "all",
		"once_per_customer":  spec.OncePerCustomer,
		// starts_at is backdated one second so the code is valid the
		// instant the viewer sees it.
		"starts_at": spec.StartsAt.Add(-time.Second).UTC().Format(time.RFC3339),
		"ends_at":   spec.EndsAt.UTC().Format(time.RFC3339),
	}
	if spec.UsageLimit > 0 {
		rule["usage_limit"] = spec.UsageLimit
	}
	if spec.MinSubtotal > 0 {
		rule["prerequisite_subtotal_range"] = map[string]any{
			"greater_than_or_equal_to": fmt.Sprintf("%.2f", spec.MinSubtotal),
		}
	}

	var out struct {
		PriceRule struct {
			ID int64 `json:"id"`
		} `json:"price_rule"`
	}
	err := c.doJSON(ctx, conn, http.MethodPost, "/price_rules.json",
		map[string]any{"price_rule": rule}, http.StatusCreated, &out)
	if err != nil {
		return 0, err
	}
	return out.PriceRule.ID, nil
}

// CreateDiscountCode attaches a code to an existing price rule and returns
// the discount code's ID.
func (c *ShopifyClient) CreateDiscountCode(ctx context.Context, conn ShopConnection, priceRuleID int64, code string) (int64, error) {
	var out struct {
		DiscountCode struct {
			ID int64 `json:"id"`
		} `json:"discount_code"`
	}
	path := fmt.Sprintf("/price_rules/%d/discount_codes.json", priceRuleID)
	err := c.doJSON(ctx, conn, http.MethodPost, path,
		map[string]any{"discount_code": map[string]any{"code": code}},
		http.StatusCreated, &out)
	if err != nil {
		return 0, err
	}
	return out.DiscountCode.ID, nil
}

// shopifyWebhook is the Admin API representation of a webhook subscription.
type shopifyWebhook struct {
	ID      int64  `json:"id"`
	Topic   string `json:"topic"`
	Address string `json:"address"`
	Format  string `json:"format"`
}

// EnsureOrderWebhook registers an orders/create webhook pointing at address,
// skipping registration when one already exists. Called once when a streamer
// connects their store.
func (c *ShopifyClient) EnsureOrderWebhook(ctx context.Context, conn ShopConnection, address string) error {
	var listing struct {
		Webhooks []shopifyWebhook `json:"webhooks"`
	}
	err := c.doJSON(ctx, conn, http.MethodGet, "/webhooks.json?topic=orders/create",
		nil, http.StatusOK, &listing)
	if err != nil {
		return err
	}
	for _, wh := range listing.Webhooks {
		if wh.Address == address {
			return nil
		}
	}

	var created struct {
		Webhook shopifyWebhook `json:"webhook"`
	}
	return c.doJSON(ctx, conn, http.MethodPost, "/webhooks.json",
		map[string]any{"webhook": map[string]any{
			"topic":   "orders/create",
			"address": address,
			"format":  "json",
		}},
		http.StatusCreated, &created)
}

// doJSON performs one Admin API call: marshal the payload, authenticate,
// execute through BaseClient, check the expected status, decode the result.
func (c *ShopifyClient) doJSON(ctx context.Context, conn ShopConnection, method, path string, payload any, wantStatus int, out any) error {
	apiVersion := conn.APIVersion
	if apiVersion == "" {
		apiVersion = c.defaultAPIVersion
	}
	reqURL := c.baseURLFn(conn.Domain) + "/admin/api/" + apiVersion + path

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected,
				"failed to encode shopify payload", err)
		}
		body = strings.NewReader(string(raw))
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to build shopify request", err)
	}
	req.Header.Set("X-Shopify-Access-Token", conn.Token.Unmask())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return c.wrapShopifyError(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.handleErrorResponse(resp, method+" "+path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected,
				"failed to decode shopify response", err)
		}
	}
	return nil
}

// handleErrorResponse reads a Shopify error body and maps it to an AppError.
func (c *ShopifyClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamShopify,
			fmt.Sprintf("%s: Shopify returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Shopify rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.NewAppError(
			types.ErrCodeUpstreamShopify,
			fmt.Sprintf("%s: Shopify rejected the admin token (%d)", operation, resp.StatusCode),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Shopify server error (%d)", operation, resp.StatusCode),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamShopify,
			fmt.Sprintf("%s: Shopify error (%d): %s", operation, resp.StatusCode, strings.TrimSpace(string(body))),
			nil,
		)
	}
}

// wrapShopifyError wraps a BaseClient transport error with context.
func (c *ShopifyClient) wrapShopifyError(operation string, err error) error {
	// AppErrors from BaseClient (circuit breaker, retries exhausted) already
	// carry the right upstream code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamShopify,
		fmt.Sprintf("%s: Shopify request failed: %v", operation, err),
		err,
	)
}
