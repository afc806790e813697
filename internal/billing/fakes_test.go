package billing

import (
	"context"
	"strings"
	"sync"

	"github.com/PortNumber53/billing-reconciler/internal/config"
	"github.com/PortNumber53/billing-reconciler/internal/email"
	"github.com/PortNumber53/billing-reconciler/internal/models"
	"github.com/PortNumber53/billing-reconciler/internal/polar"
	"github.com/PortNumber53/billing-reconciler/internal/store"
)

var testProducts = config.Products{
	MonthlyPlus:  "prod_plus",
	MonthlyPro:   "prod_pro",
	LifetimePlus: "prod_life_plus",
	LifetimePro:  "prod_life_pro",
	Credit100:    "prod_credits",
}

// memStore is an in-memory stand-in for the Postgres store.
type memStore struct {
	mu        sync.Mutex
	users     []*models.User
	balances  map[int64]int64
	processed map[string]models.ProcessedOrder
	subs      map[string]*models.Subscription
	links     map[int64]string
	checkouts map[string]*models.PendingCheckout
	effects   map[string]bool
}

func newMemStore(users ...*models.User) *memStore {
	return &memStore{
		users:     users,
		balances:  map[int64]int64{},
		processed: map[string]models.ProcessedOrder{},
		subs:      map[string]*models.Subscription{},
		links:     map[int64]string{},
		checkouts: map[string]*models.PendingCheckout{},
		effects:   map[string]bool{},
	}
}

func testUser(id int64, addr string) *models.User {
	return &models.User{ID: id, Email: &addr, Role: models.RoleUser}
}

func (m *memStore) GetUserByEmail(_ context.Context, addr string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr == "" {
		return nil, nil
	}
	for _, u := range m.users {
		if strings.EqualFold(u.EmailOrEmpty(), addr) {
			return u, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpsertSubscription(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	if prev, ok := m.subs[sub.SubscriptionID]; ok && cp.UserID == nil {
		cp.UserID = prev.UserID
	}
	m.subs[sub.SubscriptionID] = &cp
	return nil
}

func (m *memStore) CurrentSubscription(_ context.Context, userID int64) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.UserID != nil && *s.UserID == userID && s.IsActive() {
			return s, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetCustomerLink(_ context.Context, userID int64) (*models.CustomerLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.links[userID]; ok {
		return &models.CustomerLink{UserID: userID, CustomerID: id}, nil
	}
	return nil, nil
}

func (m *memStore) UpsertCustomerLink(_ context.Context, userID int64, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uid, cid := range m.links {
		if cid == customerID && uid != userID {
			return store.ErrCustomerLinked
		}
	}
	m.links[userID] = customerID
	return nil
}

func (m *memStore) ClaimOrderEffects(_ context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.effects[orderID] {
		return false, nil
	}
	m.effects[orderID] = true
	return true, nil
}

func (m *memStore) GetBalance(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *memStore) AddCredits(_ context.Context, userID, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
	return m.balances[userID], nil
}

func (m *memStore) DeductCredits(_ context.Context, userID, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[userID] < amount {
		return 0, store.ErrInsufficientBalance
	}
	m.balances[userID] -= amount
	return m.balances[userID], nil
}

func (m *memStore) ApplyOrder(_ context.Context, order models.ProcessedOrder) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[order.OrderID]; ok {
		return false, nil
	}
	m.processed[order.OrderID] = order
	if order.UserID != nil && order.CreditsAdded > 0 {
		m.balances[*order.UserID] += order.CreditsAdded
	}
	return true, nil
}

func (m *memStore) CreatePendingCheckout(_ context.Context, checkoutID string, userID int64, expectedTier, productID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.checkouts[checkoutID]; ok {
		return c.ID, nil
	}
	m.checkouts[checkoutID] = &models.PendingCheckout{
		ID: "rec_" + checkoutID, CheckoutID: checkoutID, UserID: userID,
		ExpectedTier: expectedTier, ProductID: productID, Status: models.CheckoutPending,
	}
	return "rec_" + checkoutID, nil
}

func (m *memStore) GetCheckout(_ context.Context, checkoutID string) (*models.PendingCheckout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkouts[checkoutID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) transition(checkoutID string, to models.CheckoutStatus, orderID *string) store.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkouts[checkoutID]
	switch {
	case !ok:
		return store.TransitionUnknown
	case c.Status.Terminal():
		return store.TransitionTerminal
	}
	c.Status = to
	c.OrderID = orderID
	return store.TransitionApplied
}

func (m *memStore) MarkCheckoutPaid(_ context.Context, checkoutID, orderID string) (store.Transition, error) {
	return m.transition(checkoutID, models.CheckoutPaid, &orderID), nil
}

func (m *memStore) MarkCheckoutFailed(_ context.Context, checkoutID string) (store.Transition, error) {
	return m.transition(checkoutID, models.CheckoutFailed, nil), nil
}

func (m *memStore) LatestPendingCheckout(_ context.Context, userID int64) (*models.PendingCheckout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.checkouts {
		if c.UserID == userID && c.Status == models.CheckoutPending {
			return c, nil
		}
	}
	return nil, nil
}

// fakePolar serves canned provider responses.
type fakePolar struct {
	mu           sync.Mutex
	customers    map[string]*polar.Customer
	states       map[string]*polar.CustomerState
	stateErr     error
	orders       map[string][]polar.Order
	ordersErr    error
	orderCalls   int
	subs         map[string][]polar.Subscription
	revoked      []string
	revokeErrFor string
	// dropRevoked removes revoked subscriptions from later list pages.
	dropRevoked  bool
}

func newFakePolar() *fakePolar {
	return &fakePolar{
		customers: map[string]*polar.Customer{},
		states:    map[string]*polar.CustomerState{},
		orders:    map[string][]polar.Order{},
		subs:      map[string][]polar.Subscription{},
	}
}

func (f *fakePolar) FindCustomerByEmail(_ context.Context, addr string) (*polar.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.customers[strings.ToLower(addr)], nil
}

func (f *fakePolar) GetCustomerState(_ context.Context, customerID string) (*polar.CustomerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	if st, ok := f.states[customerID]; ok {
		return st, nil
	}
	return &polar.CustomerState{ID: customerID}, nil
}

func (f *fakePolar) ListOneTimeOrders(_ context.Context, customerID string, page int) (*polar.Page[polar.Order], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderCalls++
	if f.ordersErr != nil {
		return nil, f.ordersErr
	}
	return pageOf(f.orders[customerID], page), nil
}

func (f *fakePolar) ListActiveSubscriptions(_ context.Context, customerID string, page int) (*polar.Page[polar.Subscription], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pageOf(f.subs[customerID], page), nil
}

func (f *fakePolar) RevokeSubscription(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if subscriptionID == f.revokeErrFor {
		return &polar.APIError{StatusCode: 500, Detail: "boom"}
	}
	f.revoked = append(f.revoked, subscriptionID)
	if f.dropRevoked {
		for cid, subs := range f.subs {
			kept := subs[:0:0]
			for _, sub := range subs {
				if sub.ID != subscriptionID {
					kept = append(kept, sub)
				}
			}
			f.subs[cid] = kept
		}
	}
	return nil
}

// pageOf splits items into pages of two.
func pageOf[T any](items []T, page int) *polar.Page[T] {
	const size = 2
	maxPage := (len(items) + size - 1) / size
	if maxPage == 0 {
		maxPage = 1
	}
	start := (page - 1) * size
	end := start + size
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	return &polar.Page[T]{Items: items[start:end], Pagination: polar.Pagination{TotalCount: len(items), MaxPage: maxPage}}
}

type queuedEmail struct {
	to   string
	kind email.Type
	data email.Data
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []queuedEmail
}

func (f *fakeMailer) QueuePurchaseEmail(_ context.Context, to string, kind email.Type, data email.Data) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, queuedEmail{to: to, kind: kind, data: data})
	return nil
}

type fakeCanceller struct {
	calls []string
}

func (f *fakeCanceller) CancelAllForCustomer(_ context.Context, customerID string) CancelResult {
	f.calls = append(f.calls, customerID)
	return CancelResult{Cancelled: 1}
}
