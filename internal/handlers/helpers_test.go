package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/billing-reconciler/internal/auth"
	"github.com/PortNumber53/billing-reconciler/internal/models"
	"github.com/PortNumber53/billing-reconciler/internal/store"
)

func newRequest(method, target, body string) *http.Request {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	return httptest.NewRequest(method, target, rdr)
}

func asUser(r *http.Request, id int64) *http.Request {
	return r.WithContext(auth.WithClaims(r.Context(), &auth.Claims{UserID: id, Role: models.RoleUser}))
}

func withParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func strPtr(s string) *string { return &s }

type fakeUsers struct {
	users   map[int64]*models.User
	updated *models.ProfileUpdate
	deleted []int64
	listed  int
	err     error
}

func newFakeUsers(users ...*models.User) *fakeUsers {
	f := &fakeUsers{users: map[int64]*models.User{}}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUsers) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) ListUsers(_ context.Context, limit int) ([]models.User, error) {
	f.listed = limit
	out := []models.User{}
	for _, u := range f.users {
		out = append(out, *u)
	}
	return out, f.err
}

func (f *fakeUsers) UpdateProfile(_ context.Context, userID int64, update models.ProfileUpdate) (*models.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	f.updated = &update
	if update.Name != nil {
		u.Name = update.Name
	}
	return u, nil
}

func (f *fakeUsers) DeleteUser(_ context.Context, userID int64) error {
	if _, ok := f.users[userID]; !ok {
		return store.ErrNotFound
	}
	delete(f.users, userID)
	f.deleted = append(f.deleted, userID)
	return nil
}

type fakeLimiter struct {
	err     error
	checked []string
}

func (f *fakeLimiter) Check(_ context.Context, _ int64, action string) error {
	f.checked = append(f.checked, action)
	return f.err
}
