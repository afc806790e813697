// Package billing reconciles billing provider events with local state and
// derives each user's entitlement.
package billing

import (
	"github.com/PortNumber53/billing-reconciler/internal/config"
	"github.com/PortNumber53/billing-reconciler/internal/email"
	"github.com/PortNumber53/billing-reconciler/internal/models"
)

// Grant sizes.
const (
	SubscriptionBonusCredits int64 = 500
	LifetimeBonusCredits     int64 = 500
	CreditBundleFallback     int64 = 100
)

// ProductKind classifies a product id against the configured catalog.
type ProductKind int

const (
	ProductUnknown ProductKind = iota
	ProductMonthlyPlus
	ProductMonthlyPro
	ProductLifetimePlus
	ProductLifetimePro
	ProductCredit100
)

func (k ProductKind) String() string {
	switch k {
	case ProductMonthlyPlus:
		return "monthly_plus"
	case ProductMonthlyPro:
		return "monthly_pro"
	case ProductLifetimePlus:
		return "lifetime_plus"
	case ProductLifetimePro:
		return "lifetime_pro"
	case ProductCredit100:
		return "credit_100"
	default:
		return "unknown"
	}
}

// IsLifetime reports whether k is a one-time lifetime product.
func (k ProductKind) IsLifetime() bool {
	return k == ProductLifetimePlus || k == ProductLifetimePro
}

// Tier is the tier the product unlocks, or "" for unknown and credit products.
func (k ProductKind) Tier() models.Tier {
	switch k {
	case ProductMonthlyPro, ProductLifetimePro:
		return models.TierPro
	case ProductMonthlyPlus, ProductLifetimePlus:
		return models.TierPlus
	}
	return ""
}

// EmailType is the purchase confirmation template for k.
func (k ProductKind) EmailType() email.Type {
	switch k {
	case ProductMonthlyPlus:
		return email.TypePremiumPlus
	case ProductMonthlyPro:
		return email.TypePremiumPro
	case ProductLifetimePlus, ProductLifetimePro:
		return email.TypePremiumLifetime
	case ProductCredit100:
		return email.TypeCreditBundle
	}
	return email.TypeGenericPurchase
}

// Catalog maps provider product ids to product kinds. Unset ids never match.
type Catalog struct {
	products config.Products
}

// NewCatalog creates a catalog over the configured product ids.
func NewCatalog(products config.Products) Catalog {
	return Catalog{products: products}
}

// Classify returns the kind of productID.
func (c Catalog) Classify(productID string) ProductKind {
	if productID == "" {
		return ProductUnknown
	}
	switch productID {
	case c.products.MonthlyPlus:
		return ProductMonthlyPlus
	case c.products.MonthlyPro:
		return ProductMonthlyPro
	case c.products.LifetimePlus:
		return ProductLifetimePlus
	case c.products.LifetimePro:
		return ProductLifetimePro
	case c.products.Credit100:
		return ProductCredit100
	}
	return ProductUnknown
}

// LifetimeConfigured reports whether any lifetime product id is set.
func (c Catalog) LifetimeConfigured() bool {
	return c.products.LifetimeConfigured()
}

// CreditProductID is the credit bundle product id, possibly empty.
func (c Catalog) CreditProductID() string {
	return c.products.Credit100
}

// Product is one configured catalog entry.
type Product struct {
	ID   string      `json:"id"`
	Kind string      `json:"kind"`
	Tier models.Tier `json:"tier,omitempty"`
}

// Products lists the configured products in a stable order.
func (c Catalog) Products() []Product {
	ids := []string{c.products.MonthlyPlus, c.products.MonthlyPro, c.products.LifetimePlus, c.products.LifetimePro, c.products.Credit100}
	out := make([]Product, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		k := c.Classify(id)
		out = append(out, Product{ID: id, Kind: k.String(), Tier: k.Tier()})
	}
	return out
}

// ExpectedTier is the label stored on a pending checkout for productID.
func (c Catalog) ExpectedTier(productID string) string {
	switch k := c.Classify(productID); k {
	case ProductCredit100:
		return "Credits"
	case ProductLifetimePlus, ProductLifetimePro:
		return string(k.Tier()) + " Lifetime"
	case ProductUnknown:
		return "Purchase"
	default:
		return string(k.Tier())
	}
}
