package types

// DropKind distinguishes a personal viewer code from a streamer-wide drop.
type DropKind string

const (
	DropKindViewer DropKind = "viewer"
	DropKindGlobal DropKind = "global"
)

// DiscountKind selects how the discount value is applied at checkout.
type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed_amount"
)

// PlanTier identifies the subscription plan for a streamer.
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanPro     PlanTier = "pro"
	PlanCreator PlanTier = "creator"
)

// RejectReason is the machine-readable policy rejection returned to callers.
// Rejections are expected outcomes, never errors.
type RejectReason string

const (
	RejectQuotaExceeded RejectReason = "quota_exceeded"
	RejectCooldown      RejectReason = "cooldown"
	RejectCapReached    RejectReason = "cap_reached"
	RejectNotConnected  RejectReason = "owner_not_connected"
	RejectDisabled      RejectReason = "owner_disabled"
)

// GlobalClaimantID is the sentinel viewer identity recorded on global drops,
// where the streamer themselves is the claimant.
const GlobalClaimantID = "__global__"

// SubscriptionStatus represents the state of a Stripe subscription.
type SubscriptionStatus string

const (
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
	SubStatusTrialing SubscriptionStatus = "trialing"
	SubStatusUnpaid   SubscriptionStatus = "unpaid"
)
