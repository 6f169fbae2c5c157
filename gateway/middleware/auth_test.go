package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowledger/crypto"
	"escrowledger/gateway/auth"
)

const testSecret = "unit-test-secret"

func principalEcho(t *testing.T) (http.Handler, *Principal) {
	t.Helper()
	var seen Principal
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		seen = p
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
	return h, &seen
}

func TestBearerTokenResolvesSubject(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	addr := key.PubKey().Address()

	a := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "escrowd"}, nil, nil)
	handler, seen := principalEcho(t)

	token, err := IssueToken(testSecret, addr.String(), "escrowd", "", []string{"escrow.admin"}, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/accounts/fund", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	a.Middleware("escrow.admin")(handler).ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, addr.Array(), seen.Address)
	require.True(t, seen.HasScope("escrow.admin"))
	require.Equal(t, "bearer", seen.Method)
}

func TestBearerTokenScopeEnforced(t *testing.T) {
	a := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret}, nil, nil)
	handler, _ := principalEcho(t)
	token, err := IssueToken(testSecret, crypto.FormatIdentity([20]byte{1}), "", "", nil, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/accounts/fund", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	a.Middleware("escrow.admin")(handler).ServeHTTP(res, req)
	require.Equal(t, http.StatusForbidden, res.Code)
}

func TestBearerTokenRejections(t *testing.T) {
	a := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "escrowd", Audience: "ledger"}, nil, nil)
	handler, _ := principalEcho(t)
	subject := crypto.FormatIdentity([20]byte{2})

	wrongSecret, _ := IssueToken("other", subject, "escrowd", "ledger", nil, time.Minute)
	wrongIssuer, _ := IssueToken(testSecret, subject, "someone", "ledger", nil, time.Minute)
	wrongAudience, _ := IssueToken(testSecret, subject, "escrowd", "other", nil, time.Minute)
	expired, _ := IssueToken(testSecret, subject, "escrowd", "ledger", nil, -time.Hour)
	badSubject, _ := IssueToken(testSecret, "not-an-address", "escrowd", "ledger", nil, time.Minute)

	for name, header := range map[string]string{
		"missing":        "",
		"wrong secret":   "Bearer " + wrongSecret,
		"wrong issuer":   "Bearer " + wrongIssuer,
		"wrong audience": "Bearer " + wrongAudience,
		"expired":        "Bearer " + expired,
		"bad subject":    "Bearer " + badSubject,
		"not bearer":     "Basic abc",
	} {
		req := httptest.NewRequest(http.MethodPost, "/v1/escrow/claims", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		res := httptest.NewRecorder()
		a.Middleware()(handler).ServeHTTP(res, req)
		if res.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, res.Code)
		}
	}
}

func TestSignedRequestPreservesBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sigs := auth.NewAuthenticator(0, 0, 0, func() time.Time { return now }, nil)
	a := NewAuthenticator(AuthConfig{Enabled: true}, sigs, nil)
	handler, seen := principalEcho(t)

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	body := []byte(`{"depositor":"esc1abc"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/escrow/claims", bytes.NewReader(body))
	require.NoError(t, auth.SignRequest(req, key, body, now, "n-1"))

	res := httptest.NewRecorder()
	a.Middleware()(handler).ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, string(body), res.Body.String())
	require.Equal(t, key.PubKey().Address().Array(), seen.Address)
	require.Equal(t, "signature", seen.Method)
}

func TestDisabledAuthHonoursCallerHeader(t *testing.T) {
	a := NewAuthenticator(AuthConfig{Enabled: false}, nil, nil)
	handler, seen := principalEcho(t)
	caller := [20]byte{9}

	req := httptest.NewRequest(http.MethodPost, "/v1/escrow/refunds", nil)
	req.Header.Set(HeaderCaller, crypto.FormatIdentity(caller))
	res := httptest.NewRecorder()
	a.Middleware()(handler).ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, caller, seen.Address)

	anon := httptest.NewRecorder()
	a.Middleware()(handler).ServeHTTP(anon, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, anon.Code)

	bad := httptest.NewRequest(http.MethodPost, "/v1/escrow/refunds", nil)
	bad.Header.Set(HeaderCaller, "garbage")
	badRes := httptest.NewRecorder()
	a.Middleware()(handler).ServeHTTP(badRes, bad)
	require.Equal(t, http.StatusBadRequest, badRes.Code)
}

func TestRequestIDAssignedAndPropagated(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	res := httptest.NewRecorder()
	h.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	require.Equal(t, seen, res.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, "abc-123", seen)
}

func TestCORSPreflight(t *testing.T) {
	h := CORS(CORSConfig{AllowedOrigins: []string{"https://wallet.example"}})(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/v1/escrow/deposits", nil)
	req.Header.Set("Origin", "https://wallet.example")
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "https://wallet.example", res.Header().Get("Access-Control-Allow-Origin"))

	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.Header.Set("Origin", "https://evil.example")
	otherRes := httptest.NewRecorder()
	h.ServeHTTP(otherRes, other)
	require.Empty(t, otherRes.Header().Get("Access-Control-Allow-Origin"))
}
