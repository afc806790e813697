package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-value"

func newHMACVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(context.Background(), VerifierConfig{Secret: testSecret, Issuer: "billing-test"})
	require.NoError(t, err)
	return v
}

func TestIssueAndVerify(t *testing.T) {
	issuer := NewIssuer(testSecret, "billing-test")
	token, exp, err := issuer.Issue(42, "admin")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(TokenTTL), exp, time.Minute)

	claims, err := newHMACVerifier(t).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.True(t, claims.IsAdmin())
}

func TestVerifyRejectsExpired(t *testing.T) {
	issuer := NewIssuer(testSecret, "billing-test")
	issuer.now = func() time.Time { return time.Now().Add(-8 * 24 * time.Hour) }
	token, _, err := issuer.Issue(1, "user")
	require.NoError(t, err)

	_, err = newHMACVerifier(t).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongSecretAndIssuer(t *testing.T) {
	token, _, err := NewIssuer("other-secret", "billing-test").Issue(1, "user")
	require.NoError(t, err)
	_, err = newHMACVerifier(t).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, _, err = NewIssuer(testSecret, "someone-else").Issue(1, "user")
	require.NoError(t, err)
	_, err = newHMACVerifier(t).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueWithoutSecret(t *testing.T) {
	_, _, err := NewIssuer("", "x").Issue(1, "user")
	assert.ErrorIs(t, err, ErrNoSecret)

	_, err = NewVerifier(context.Background(), VerifierConfig{})
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestVerifyRS256FromJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "test-key",
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}})
	}))
	t.Cleanup(server.Close)

	v, err := NewVerifier(context.Background(), VerifierConfig{JWKSURL: server.URL})
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": "https://idp.example/",
		"sub": "7",
		"exp": time.Now().Add(10 * time.Minute).Unix(),
	})
	token.Header["kid"] = "test-key"
	raw, err := token.SignedString(key)
	require.NoError(t, err)

	claims, err := v.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)
	assert.False(t, claims.IsAdmin())

	// HS256 tokens are not accepted when only a JWKS is configured.
	hs, _, err := NewIssuer(testSecret, "").Issue(7, "admin")
	require.NoError(t, err)
	_, err = v.Verify(hs)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	v := newHMACVerifier(t)
	var seen *Claims
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer not-a-jwt", want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}

	token, _, err := NewIssuer(testSecret, "billing-test").Issue(9, "user")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, int64(9), seen.UserID)
}

func TestRequireAdmin(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := RequireAdmin(ok)

	run := func(ctx context.Context) int {
		req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, run(context.Background()))
	assert.Equal(t, http.StatusForbidden, run(WithClaims(context.Background(), &Claims{UserID: 1, Role: "user"})))
	assert.Equal(t, http.StatusOK, run(WithClaims(context.Background(), &Claims{UserID: 1, Role: "admin"})))
}

func TestIsAdminContext(t *testing.T) {
	ctx := context.Background()
	assert.False(t, IsAdminContext(ctx))
	assert.False(t, IsAdminContext(WithClaims(ctx, &Claims{UserID: 1, Role: "user"})))
	assert.True(t, IsAdminContext(WithClaims(ctx, &Claims{UserID: 1, Role: "admin"})))
}
