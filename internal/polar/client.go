package polar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	ProductionBaseURL = "https://api.polar.sh"
	SandboxBaseURL    = "https://sandbox-api.polar.sh"

	maxResponseBytes = 4 << 20
)

// ErrNotConfigured is returned by every call when no access token is set.
var ErrNotConfigured = errors.New("polar: access token not configured")

// APIError is a non-2xx answer from the Polar API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("polar API error (%d): %s", e.StatusCode, e.Detail)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client wraps the Polar REST API directly (no SDK dependency).
type Client struct {
	accessToken string
	httpClient  *http.Client
	baseURL     string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBaseURL points the client at a different API host.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// NewClient creates a Polar client. server is "production" or "sandbox".
func NewClient(accessToken, server string, opts ...Option) *Client {
	c := &Client{
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		baseURL:     ProductionBaseURL,
	}
	if strings.EqualFold(server, "sandbox") {
		c.baseURL = SandboxBaseURL
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether the client has credentials.
func (c *Client) Configured() bool {
	return c != nil && c.accessToken != ""
}

// FindCustomerByEmail returns the first customer registered with email, or nil.
func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	q := url.Values{}
	q.Set("email", email)
	q.Set("limit", "1")

	var page Page[Customer]
	if err := c.get(ctx, "/v1/customers/", q, &page); err != nil {
		return nil, fmt.Errorf("lookup customer by email: %w", err)
	}
	if len(page.Items) == 0 {
		return nil, nil
	}
	return &page.Items[0], nil
}

// GetCustomerState returns the aggregate state (active subscriptions and
// granted benefits) of a customer.
func (c *Client) GetCustomerState(ctx context.Context, customerID string) (*CustomerState, error) {
	var state CustomerState
	if err := c.get(ctx, "/v1/customers/"+url.PathEscape(customerID)+"/state", nil, &state); err != nil {
		return nil, fmt.Errorf("get customer state: %w", err)
	}
	return &state, nil
}

// ListOneTimeOrders returns one page (1-based) of the customer's one-time orders.
func (c *Client) ListOneTimeOrders(ctx context.Context, customerID string, page int) (*Page[Order], error) {
	q := url.Values{}
	q.Set("customer_id", customerID)
	q.Set("product_billing_type", "one_time")
	q.Set("limit", "25")
	q.Set("page", strconv.Itoa(page))

	var out Page[Order]
	if err := c.get(ctx, "/v1/orders/", q, &out); err != nil {
		return nil, fmt.Errorf("list orders page %d: %w", page, err)
	}
	return &out, nil
}

// ListActiveSubscriptions returns one page (1-based) of the customer's active subscriptions.
func (c *Client) ListActiveSubscriptions(ctx context.Context, customerID string, page int) (*Page[Subscription], error) {
	q := url.Values{}
	q.Set("customer_id", customerID)
	q.Set("active", "true")
	q.Set("limit", "100")
	q.Set("page", strconv.Itoa(page))

	var out Page[Subscription]
	if err := c.get(ctx, "/v1/subscriptions/", q, &out); err != nil {
		return nil, fmt.Errorf("list subscriptions page %d: %w", page, err)
	}
	return &out, nil
}

// RevokeSubscription ends a subscription immediately.
func (c *Client) RevokeSubscription(ctx context.Context, subscriptionID string) error {
	if err := c.delete(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID)); err != nil {
		return fmt.Errorf("revoke subscription %s: %w", subscriptionID, err)
	}
	return nil
}

// CancelAtPeriodEnd schedules a subscription to stop renewing.
func (c *Client) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var out Subscription
	body := map[string]any{"cancel_at_period_end": true}
	if err := c.send(ctx, http.MethodPatch, "/v1/subscriptions/"+url.PathEscape(subscriptionID), body, &out); err != nil {
		return nil, fmt.Errorf("cancel subscription %s: %w", subscriptionID, err)
	}
	return &out, nil
}

// CreateCheckout opens a hosted checkout session.
func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if len(req.Products) == 0 {
		return nil, errors.New("create checkout: at least one product is required")
	}
	var out Checkout
	if err := c.send(ctx, http.MethodPost, "/v1/checkouts/", req, &out); err != nil {
		return nil, fmt.Errorf("create checkout: %w", err)
	}
	if out.ID == "" || out.URL == "" {
		return nil, errors.New("create checkout: missing id or url in response")
	}
	return &out, nil
}

// CreateCustomerPortalURL opens a customer session and returns its portal URL.
func (c *Client) CreateCustomerPortalURL(ctx context.Context, customerID string) (string, error) {
	var out struct {
		CustomerPortalURL string `json:"customer_portal_url"`
	}
	body := map[string]any{"customer_id": customerID}
	if err := c.send(ctx, http.MethodPost, "/v1/customer-sessions/", body, &out); err != nil {
		return "", fmt.Errorf("create customer session: %w", err)
	}
	if out.CustomerPortalURL == "" {
		return "", errors.New("create customer session: missing portal url in response")
	}
	return out.CustomerPortalURL, nil
}

// HTTP helpers

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.send(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	return c.send(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(req, out)
}

func (c *Client) doRequest(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polar request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read polar response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Detail: errorDetail(raw)}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse polar response: %w", err)
	}
	return nil
}

// errorDetail pulls a readable message out of an error body. Validation
// errors carry a list under "detail"; other errors a plain string.
func errorDetail(raw []byte) string {
	var body struct {
		Error  string          `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		if len(raw) == 0 {
			return "unknown error"
		}
		return strings.TrimSpace(string(raw))
	}

	var detail string
	if err := json.Unmarshal(body.Detail, &detail); err == nil && detail != "" {
		return detail
	}
	if len(body.Detail) > 0 && string(body.Detail) != "null" {
		return string(body.Detail)
	}
	if body.Error != "" {
		return body.Error
	}
	return "unknown error"
}
