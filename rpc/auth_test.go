package rpc

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "rpc-test-secret"

func signTestToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims(scopes interface{}) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   "lendpoold",
		"aud":   "lendpool-clients",
		"sub":   "ops",
		"scope": scopes,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

func testAuthenticator() *Authenticator {
	return NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: testSecret,
		Issuer:     "lendpoold",
		Audience:   "lendpool-clients",
		ScopeClaim: "scope",
		ClockSkew:  30 * time.Second,
	}, nil)
}

func bearerRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestAuthorizeDisabled(t *testing.T) {
	var nilAuth *Authenticator
	if err := nilAuth.Authorize(bearerRequest(""), ScopeAdmin); err != nil {
		t.Fatalf("nil authenticator must authorize: %+v", err)
	}
	disabled := NewAuthenticator(AuthConfig{Enabled: false}, nil)
	if err := disabled.Authorize(bearerRequest(""), ScopeAdmin); err != nil {
		t.Fatalf("disabled authenticator must authorize: %+v", err)
	}
}

func TestAuthorizeMissingToken(t *testing.T) {
	auth := testAuthenticator()
	authErr := auth.Authorize(bearerRequest(""), ScopeLendWrite)
	if authErr == nil || authErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", authErr)
	}
}

func TestAuthorizeBadSignature(t *testing.T) {
	auth := testAuthenticator()
	token := signTestToken(t, "some-other-secret", baseClaims(ScopeLendWrite))
	authErr := auth.Authorize(bearerRequest(token), ScopeLendWrite)
	if authErr == nil || authErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", authErr)
	}
}

func TestAuthorizeExpiry(t *testing.T) {
	auth := testAuthenticator()

	claims := baseClaims(ScopeLendWrite)
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	token := signTestToken(t, testSecret, claims)
	if authErr := auth.Authorize(bearerRequest(token), ScopeLendWrite); authErr == nil {
		t.Fatalf("expected expired token rejected")
	}

	// Inside the configured clock skew.
	claims = baseClaims(ScopeLendWrite)
	claims["exp"] = time.Now().Add(-10 * time.Second).Unix()
	token = signTestToken(t, testSecret, claims)
	if authErr := auth.Authorize(bearerRequest(token), ScopeLendWrite); authErr != nil {
		t.Fatalf("expected token inside skew accepted, got %+v", authErr)
	}
}

func TestAuthorizeIssuerAndAudience(t *testing.T) {
	auth := testAuthenticator()

	claims := baseClaims(ScopeLendWrite)
	claims["iss"] = "someone-else"
	token := signTestToken(t, testSecret, claims)
	if authErr := auth.Authorize(bearerRequest(token), ScopeLendWrite); authErr == nil {
		t.Fatalf("expected issuer mismatch rejected")
	}

	claims = baseClaims(ScopeLendWrite)
	claims["aud"] = []string{"other", "lendpool-clients"}
	token = signTestToken(t, testSecret, claims)
	if authErr := auth.Authorize(bearerRequest(token), ScopeLendWrite); authErr != nil {
		t.Fatalf("expected audience list accepted, got %+v", authErr)
	}

	claims = baseClaims(ScopeLendWrite)
	claims["aud"] = []string{"other"}
	token = signTestToken(t, testSecret, claims)
	if authErr := auth.Authorize(bearerRequest(token), ScopeLendWrite); authErr == nil {
		t.Fatalf("expected audience mismatch rejected")
	}
}

func TestAuthorizeScopes(t *testing.T) {
	auth := testAuthenticator()

	token := signTestToken(t, testSecret, baseClaims("lend:write admin"))
	if authErr := auth.Authorize(bearerRequest(token), ScopeLendWrite); authErr != nil {
		t.Fatalf("expected lend:write granted, got %+v", authErr)
	}
	if authErr := auth.Authorize(bearerRequest(token), ScopeAdmin); authErr != nil {
		t.Fatalf("expected admin granted, got %+v", authErr)
	}

	token = signTestToken(t, testSecret, baseClaims([]string{ScopeLendWrite}))
	if authErr := auth.Authorize(bearerRequest(token), ScopeLendWrite); authErr != nil {
		t.Fatalf("expected array scope granted, got %+v", authErr)
	}
	authErr := auth.Authorize(bearerRequest(token), ScopeAdmin)
	if authErr == nil || authErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %+v", authErr)
	}
}

func TestAuthEnforcementOverRPC(t *testing.T) {
	fix := newServerFixture(t, func(cfg *ServerConfig) {
		cfg.Auth = testAuthenticator()
	})
	lender := rpcTestAddr(1)
	if err := fix.stable.Mint(lender, usdAmount(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	depositParams := map[string]interface{}{
		"from":   lender.String(),
		"amount": usdAmount(100).String(),
	}

	rec, env := fix.call(t, "lend_deposit", depositParams, nil)
	expectRPCError(t, rec, env, http.StatusUnauthorized, codeUnauthorized)

	adminOnly := signTestToken(t, testSecret, baseClaims(ScopeAdmin))
	rec, env = fix.call(t, "lend_deposit", depositParams, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+adminOnly)
	})
	expectRPCError(t, rec, env, http.StatusForbidden, codeUnauthorized)

	writer := signTestToken(t, testSecret, baseClaims(ScopeLendWrite))
	rec, env = fix.call(t, "lend_deposit", depositParams, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+writer)
	})
	if rec.Code != http.StatusOK || env.Error != nil {
		t.Fatalf("expected authorized deposit, got %d %+v", rec.Code, env.Error)
	}

	rec, env = fix.call(t, "lend_setPauses", map[string]interface{}{"borrow": true}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+writer)
	})
	expectRPCError(t, rec, env, http.StatusForbidden, codeUnauthorized)

	rec, env = fix.call(t, "lend_setPauses", map[string]interface{}{"borrow": true}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+adminOnly)
	})
	if rec.Code != http.StatusOK || env.Error != nil {
		t.Fatalf("expected admin pause update, got %d %+v", rec.Code, env.Error)
	}

	// Query methods stay open.
	rec, env = fix.call(t, "lend_getPoolState", nil, nil)
	if rec.Code != http.StatusOK || env.Error != nil {
		t.Fatalf("expected open query, got %d %+v", rec.Code, env.Error)
	}
}
