// Package ratelimit implements a per-user burst gate over recorded actions.
//
// Each action class allows Limit attempts inside a trailing Window. Checks
// are best-effort: two concurrent requests may both pass when the count is
// one below the limit. Rejected attempts are not recorded.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Action classes.
const (
	ActionFeedback      = "feedback"
	ActionCreditUse     = "credit_use"
	ActionProfileUpdate = "profile_update"
)

// Message is shown to callers that hit a limit.
const Message = "Slow down! Too many requests. Please wait a moment."

const (
	retention    = time.Hour
	cleanupBatch = 100
)

// Rule is the burst configuration of one action class.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRule applies to action classes without their own rule.
var DefaultRule = Rule{Limit: 5, Window: 10 * time.Second}

// DefaultRules returns the built-in per-action rules.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ActionFeedback:      {Limit: 3, Window: 10 * time.Second},
		ActionCreditUse:     {Limit: 10, Window: 10 * time.Second},
		ActionProfileUpdate: {Limit: 5, Window: 10 * time.Second},
	}
}

// Store persists action records.
type Store interface {
	CountActions(ctx context.Context, userID int64, action string, since time.Time) (int, error)
	RecordAction(ctx context.Context, userID int64, action string, at time.Time) error
	DeleteActionsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// LimitError is returned by Check when the caller is over the limit.
type LimitError struct {
	Action     string
	RetryAfter time.Duration
	Message    string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited on %s: %s", e.Action, e.Message)
}

// Status is a read-only view of a user's budget for one action class.
type Status struct {
	Allowed       bool `json:"allowed"`
	Remaining     int  `json:"remaining"`
	WindowSeconds int  `json:"window_seconds"`
	Limit         int  `json:"limit"`
}

// Limiter gates user actions.
type Limiter struct {
	store    Store
	rules    map[string]Rule
	now      func() time.Time
	onReject func(action string)
	bypass   func(ctx context.Context) bool
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithRules replaces the per-action rules.
func WithRules(rules map[string]Rule) Option {
	return func(l *Limiter) {
		l.rules = rules
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithRejectHook is called with the action class of every rejected attempt.
func WithRejectHook(fn func(action string)) Option {
	return func(l *Limiter) {
		l.onReject = fn
	}
}

// WithBypass exempts callers for which fn returns true. Exempt attempts are
// neither counted nor recorded.
func WithBypass(fn func(ctx context.Context) bool) Option {
	return func(l *Limiter) {
		l.bypass = fn
	}
}

// New creates a Limiter over store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		rules: DefaultRules(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Rule returns the rule for action.
func (l *Limiter) Rule(action string) Rule {
	if r, ok := l.rules[action]; ok {
		return r
	}
	return DefaultRule
}

// Check records an attempt and returns nil, or returns a *LimitError
// without recording when the user already used the window's budget.
func (l *Limiter) Check(ctx context.Context, userID int64, action string) error {
	if l.bypass != nil && l.bypass(ctx) {
		return nil
	}
	rule := l.Rule(action)
	now := l.now()

	count, err := l.store.CountActions(ctx, userID, action, now.Add(-rule.Window))
	if err != nil {
		return fmt.Errorf("ratelimit: count: %w", err)
	}
	if count >= rule.Limit {
		if l.onReject != nil {
			l.onReject(action)
		}
		log.Debug().Int64("user_id", userID).Str("action", action).Int("count", count).Msg("rate limit rejected attempt")
		return &LimitError{Action: action, RetryAfter: rule.Window, Message: Message}
	}

	if err := l.store.RecordAction(ctx, userID, action, now); err != nil {
		return fmt.Errorf("ratelimit: record: %w", err)
	}
	return nil
}

// Status reports the remaining budget without recording an attempt.
func (l *Limiter) Status(ctx context.Context, userID int64, action string) (Status, error) {
	rule := l.Rule(action)
	count, err := l.store.CountActions(ctx, userID, action, l.now().Add(-rule.Window))
	if err != nil {
		return Status{}, fmt.Errorf("ratelimit: count: %w", err)
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Allowed:       remaining > 0,
		Remaining:     remaining,
		WindowSeconds: int(rule.Window / time.Second),
		Limit:         rule.Limit,
	}, nil
}

// Cleanup deletes at most one batch of records older than an hour.
func (l *Limiter) Cleanup(ctx context.Context) (int64, error) {
	n, err := l.store.DeleteActionsBefore(ctx, l.now().Add(-retention), cleanupBatch)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: cleanup: %w", err)
	}
	return n, nil
}
