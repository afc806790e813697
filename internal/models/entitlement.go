package models

// Tier is the feature entitlement level of a user.
type Tier string

const (
	TierFree Tier = "FREE"
	TierPlus Tier = "PLUS"
	TierPro  Tier = "PRO"
)

// EffectiveSubscription is the subscription the entitlement was derived from.
// ProductRecurring is nil when the source did not report product details.
type EffectiveSubscription struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	ProductID        string `json:"product_id"`
	ProductRecurring *bool  `json:"product_recurring,omitempty"`
}

// Entitlement is the derived, never persisted, access view of a user.
type Entitlement struct {
	Tier            Tier                   `json:"tier"`
	IsPremium       bool                   `json:"is_premium"`
	IsLifetime      bool                   `json:"is_lifetime"`
	HasSubscription bool                   `json:"has_subscription"`
	Subscription    *EffectiveSubscription `json:"subscription"`
}

// FreeEntitlement is the snapshot for a user with no purchase history.
func FreeEntitlement() Entitlement {
	return Entitlement{Tier: TierFree}
}
