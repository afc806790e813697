package polar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("tok_test", "production", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
}

func TestNewClientSandbox(t *testing.T) {
	assert.Equal(t, SandboxBaseURL, NewClient("x", "Sandbox").baseURL)
	assert.Equal(t, ProductionBaseURL, NewClient("x", "").baseURL)
}

func TestUnconfiguredClient(t *testing.T) {
	c := NewClient("", "production")
	_, err := c.FindCustomerByEmail(context.Background(), "a@example.com")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestFindCustomerByEmail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/customers/", r.URL.Path)
		assert.Equal(t, "buyer@example.com", r.URL.Query().Get("email"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok_test", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"items":[{"id":"cus_1","email":"buyer@example.com"}],"pagination":{"total_count":1,"max_page":1}}`)
	})

	cust, err := c.FindCustomerByEmail(context.Background(), "buyer@example.com")
	require.NoError(t, err)
	require.NotNil(t, cust)
	assert.Equal(t, "cus_1", cust.ID)
}

func TestFindCustomerByEmailNoMatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"items":[],"pagination":{"total_count":0,"max_page":0}}`)
	})

	cust, err := c.FindCustomerByEmail(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, cust)
}

func TestGetCustomerState(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/customers/cus_1/state", r.URL.Path)
		_, _ = io.WriteString(w, `{
			"id":"cus_1",
			"active_subscriptions":[{"id":"sub_1","status":"active","product_id":"prod_pro","recurring_interval":"month"}],
			"granted_benefits":[{"id":"g_1","benefit_id":"b_1","benefit_type":"custom"}]
		}`)
	})

	state, err := c.GetCustomerState(context.Background(), "cus_1")
	require.NoError(t, err)
	require.Len(t, state.ActiveSubscriptions, 1)
	assert.Equal(t, "prod_pro", state.ActiveSubscriptions[0].ProductID)
	assert.Len(t, state.GrantedBenefits, 1)
}

func TestListOneTimeOrdersQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "cus_1", q.Get("customer_id"))
		assert.Equal(t, "one_time", q.Get("product_billing_type"))
		assert.Equal(t, "2", q.Get("page"))
		_, _ = io.WriteString(w, `{"items":[{"id":"ord_1","status":"paid","paid":true,"product_id":"prod_life","product":{"id":"prod_life","is_recurring":false}}],"pagination":{"total_count":26,"max_page":2}}`)
	})

	page, err := c.ListOneTimeOrders(context.Background(), "cus_1", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.True(t, page.Items[0].IsSettled())
	assert.True(t, page.Items[0].IsOneTime())
	assert.False(t, page.HasMore(2))
}

func TestRevokeSubscription(t *testing.T) {
	var called bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/subscriptions/sub_9", r.URL.Path)
		_, _ = io.WriteString(w, `{"id":"sub_9","status":"canceled"}`)
	})

	require.NoError(t, c.RevokeSubscription(context.Background(), "sub_9"))
	assert.True(t, called)
}

func TestCreateCheckoutSendsAdHocPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{"prod_c"}, body["products"])
		prices := body["prices"].(map[string]any)["prod_c"].([]any)
		assert.Equal(t, "fixed", prices[0].(map[string]any)["amount_type"])
		assert.EqualValues(t, 999, prices[0].(map[string]any)["price_amount"])

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"co_1","url":"https://polar.sh/checkout/co_1"}`)
	})

	req := CheckoutRequest{Products: []string{"prod_c"}, SuccessURL: "https://app/pricing?checkout_id={CHECKOUT_ID}"}
	req.FixedPrice("prod_c", 999)

	co, err := c.CreateCheckout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "co_1", co.ID)
}

func TestAPIErrorDetail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"ResourceNotFound","detail":"Not found"}`)
	})

	_, err := c.GetCustomerState(context.Background(), "cus_missing")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "Not found", apiErr.Detail)
	assert.True(t, IsNotFound(err))
}

func TestErrorDetailValidationList(t *testing.T) {
	got := errorDetail([]byte(`{"detail":[{"loc":["body","products"],"msg":"field required"}]}`))
	assert.Contains(t, got, "field required")
	assert.Equal(t, "unknown error", errorDetail(nil))
}
