package types

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Unlimited is the sentinel Limit meaning "no monthly cap".
const Unlimited Limit = -1

// Limit is a monthly drop allowance: a non-negative hard cap (0 = forbidden)
// or Unlimited. It serializes unlimited as JSON null, matching how plan
// payloads historically expressed "no cap".
type Limit int

// IsUnlimited reports whether this limit never restricts issuance.
func (l Limit) IsUnlimited() bool { return l < 0 }

// Admits reports whether one more drop may be issued given current usage.
// A finite limit admits iff used < limit, so a limit of 0 never admits.
func (l Limit) Admits(used int) bool {
	if l.IsUnlimited() {
		return true
	}
	return used < int(l)
}

// MarshalJSON encodes Unlimited as null and finite limits as numbers.
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.IsUnlimited() {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(int(l))), nil
}

// UnmarshalJSON decodes null as Unlimited and numbers as finite limits.
// Negative finite values are normalized to Unlimited.
func (l *Limit) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = Unlimited
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if n < 0 {
		*l = Unlimited
		return nil
	}
	*l = Limit(n)
	return nil
}

// PlanLimits defines the monthly drop allowances for a plan tier.
type PlanLimits struct {
	ViewerDropsPerMonth Limit `json:"viewer_drops_per_month"`
	GlobalDropsPerMonth Limit `json:"global_drops_per_month"`
}

// ForKind returns the limit that governs the given drop kind.
func (p PlanLimits) ForKind(kind DropKind) Limit {
	if kind == DropKindGlobal {
		return p.GlobalDropsPerMonth
	}
	return p.ViewerDropsPerMonth
}
