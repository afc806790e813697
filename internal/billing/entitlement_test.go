package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/PortNumber53/billing-reconciler/internal/config"
	"github.com/PortNumber53/billing-reconciler/internal/models"
	"github.com/PortNumber53/billing-reconciler/internal/polar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func lifetimeOrder(id, productID string) polar.Order {
	return polar.Order{ID: id, Status: "paid", Paid: true, ProductID: productID, Product: &polar.Product{ID: productID}}
}

func TestResolveAdminBypass(t *testing.T) {
	api := newFakePolar()
	r := NewResolver(api, newMemStore(), NewCatalog(testProducts))
	admin := testUser(1, "boss@example.com")
	admin.Role = models.RoleAdmin

	ent, err := r.Resolve(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, models.Entitlement{Tier: models.TierPro, IsPremium: true, IsLifetime: true}, ent)
	assert.Zero(t, api.orderCalls)
}

func TestResolveRequiresUser(t *testing.T) {
	r := NewResolver(newFakePolar(), newMemStore(), NewCatalog(testProducts))
	_, err := r.Resolve(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestResolveFreeUser(t *testing.T) {
	r := NewResolver(newFakePolar(), newMemStore(), NewCatalog(testProducts))
	ent, err := r.Resolve(context.Background(), testUser(1, "nobody@example.com"))
	require.NoError(t, err)
	assert.Equal(t, models.FreeEntitlement(), ent)
}

func TestResolveCachedSubscription(t *testing.T) {
	st := newMemStore()
	st.links[1] = "cus_1"
	st.subs["sub_1"] = &models.Subscription{
		SubscriptionID: "sub_1", UserID: ptr(int64(1)), ProductID: "prod_pro",
		Status: "active", RecurringInterval: ptr("month"),
	}
	r := NewResolver(newFakePolar(), st, NewCatalog(testProducts))

	ent, err := r.Resolve(context.Background(), testUser(1, "a@example.com"))
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, ent.Tier)
	assert.True(t, ent.IsPremium)
	assert.True(t, ent.HasSubscription)
	assert.False(t, ent.IsLifetime)
	require.NotNil(t, ent.Subscription)
	assert.Equal(t, "sub_1", ent.Subscription.ID)
	assert.Equal(t, ptr(true), ent.Subscription.ProductRecurring)
}

func TestResolveStateSubscriptionWhenCacheEmpty(t *testing.T) {
	api := newFakePolar()
	api.states["cus_1"] = &polar.CustomerState{
		ActiveSubscriptions: []polar.StateSubscription{{ID: "sub_9", Status: "trialing", ProductID: "prod_plus"}},
	}
	st := newMemStore()
	st.links[1] = "cus_1"

	ent, err := NewResolver(api, st, NewCatalog(testProducts)).Resolve(context.Background(), testUser(1, "a@example.com"))
	require.NoError(t, err)
	assert.Equal(t, models.TierPlus, ent.Tier)
	require.NotNil(t, ent.Subscription)
	assert.Equal(t, "active", ent.Subscription.Status)
	assert.Nil(t, ent.Subscription.ProductRecurring)
}

func TestResolveLifetimeOrderBeatsSubscription(t *testing.T) {
	api := newFakePolar()
	api.states["cus_1"] = &polar.CustomerState{
		ActiveSubscriptions: []polar.StateSubscription{{ID: "sub_1", ProductID: "prod_plus"}},
	}
	api.orders["cus_1"] = []polar.Order{
		lifetimeOrder("o1", "prod_credits"),
		{ID: "o2", Status: "pending", Paid: false, ProductID: "prod_life_pro", Product: &polar.Product{}},
		lifetimeOrder("o3", "prod_random"),
		lifetimeOrder("o4", "prod_life_pro"),
	}
	st := newMemStore()
	st.links[1] = "cus_1"

	ent, err := NewResolver(api, st, NewCatalog(testProducts)).Resolve(context.Background(), testUser(1, "a@example.com"))
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, ent.Tier)
	assert.True(t, ent.IsLifetime)
	assert.True(t, ent.IsPremium)
	assert.Equal(t, 2, api.orderCalls, "scans past the first page")
}

func TestResolveCreditOrderIsNotLifetime(t *testing.T) {
	api := newFakePolar()
	api.orders["cus_1"] = []polar.Order{lifetimeOrder("o1", "prod_credits")}
	st := newMemStore()
	st.links[1] = "cus_1"

	ent, err := NewResolver(api, st, NewCatalog(testProducts)).Resolve(context.Background(), testUser(1, "a@example.com"))
	require.NoError(t, err)
	assert.Equal(t, models.FreeEntitlement(), ent)
}

func TestResolvePermissiveLifetimeWithoutConfiguredIDs(t *testing.T) {
	api := newFakePolar()
	api.orders["cus_1"] = []polar.Order{lifetimeOrder("o1", "prod_anything")}
	st := newMemStore()
	st.links[1] = "cus_1"
	catalog := NewCatalog(config.Products{Credit100: "prod_credits"})

	ent, err := NewResolver(api, st, catalog).Resolve(context.Background(), testUser(1, "a@example.com"))
	require.NoError(t, err)
	assert.True(t, ent.IsLifetime)
	assert.Equal(t, models.TierPlus, ent.Tier)
}

func TestResolveBenefitGrantWithoutSubscriptionIsLifetime(t *testing.T) {
	api := newFakePolar()
	api.states["cus_1"] = &polar.CustomerState{GrantedBenefits: []polar.GrantedBenefit{{ID: "g1"}}}
	st := newMemStore()
	st.links[1] = "cus_1"

	ent, err := NewResolver(api, st, NewCatalog(testProducts)).Resolve(context.Background(), testUser(1, "a@example.com"))
	require.NoError(t, err)
	assert.True(t, ent.IsLifetime)
	assert.True(t, ent.IsPremium)
	assert.False(t, ent.HasSubscription)
	assert.Equal(t, models.TierPlus, ent.Tier)
}

func TestResolveBackfillsCustomerLink(t *testing.T) {
	api := newFakePolar()
	api.customers["a@example.com"] = &polar.Customer{ID: "cus_7", Email: "a@example.com"}
	api.orders["cus_7"] = []polar.Order{lifetimeOrder("o1", "prod_life_plus")}
	st := newMemStore()

	ent, err := NewResolver(api, st, NewCatalog(testProducts)).Resolve(context.Background(), testUser(1, "A@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "cus_7", st.links[1])
	assert.Equal(t, models.TierPlus, ent.Tier)
	assert.True(t, ent.IsLifetime)
}

func TestResolveDegradesOnProviderErrors(t *testing.T) {
	api := newFakePolar()
	api.stateErr = errors.New("timeout")
	api.ordersErr = errors.New("timeout")
	st := newMemStore()
	st.links[1] = "cus_1"
	st.subs["sub_1"] = &models.Subscription{SubscriptionID: "sub_1", UserID: ptr(int64(1)), ProductID: "prod_plus", Status: "active"}

	ent, err := NewResolver(api, st, NewCatalog(testProducts)).Resolve(context.Background(), testUser(1, "a@example.com"))
	require.NoError(t, err)
	assert.Equal(t, models.TierPlus, ent.Tier)
	assert.True(t, ent.HasSubscription)
	assert.Equal(t, maxOrderPages, api.orderCalls)
}

func TestResolveTreatsDeletedCustomerAsFree(t *testing.T) {
	api := newFakePolar()
	api.stateErr = &polar.APIError{StatusCode: 404, Detail: "Not found"}
	st := newMemStore()
	st.links[1] = "cus_gone"

	ent, err := NewResolver(api, st, NewCatalog(testProducts)).Resolve(context.Background(), testUser(1, "a@example.com"))
	require.NoError(t, err)
	assert.False(t, ent.IsPremium)
	assert.Equal(t, models.TierFree, ent.Tier)
}
