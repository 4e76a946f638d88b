package external

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"streamdrop/internal/types"
)

// ---------------------------------------------------------------------------
// Shopify Webhook Verification (HMAC-SHA256)
// ---------------------------------------------------------------------------

// ShopifyVerifier validates the X-Shopify-Hmac-Sha256 header on webhook
// deliveries. Shopify signs the raw request body with the app's shared
// secret; the header carries the base64-encoded digest.
type ShopifyVerifier struct{}

// Verify reports whether the payload matches the signature header for the
// given shared secret. Comparison is constant time.
func (v *ShopifyVerifier) Verify(payload []byte, headerHMAC string, secret types.SecretString) bool {
	if headerHMAC == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret.Unmask()))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(headerHMAC))
}

// ---------------------------------------------------------------------------
// Stripe Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier validates Stripe webhook deliveries using stripe-go's
// signature verification, which checks both the HMAC signature and the
// timestamp tolerance.
type StripeVerifier struct{}

// Verify validates the payload against the Stripe-Signature header and
// returns the parsed event on success.
func (v *StripeVerifier) Verify(payload []byte, header string, secret types.SecretString) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, header, secret.Unmask())
}
