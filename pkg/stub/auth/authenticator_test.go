package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	stubconfig "github.com/fixturelab/stub_server/pkg/stub/config"
)

func signToken(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAuthenticateSuccess(t *testing.T) {
	cfg := stubconfig.AuthConfig{Secret: "secret", Audiences: []string{"suite"}, Issuer: "stubd"}
	authenticator, err := New(cfg)
	if err != nil {
		t.Fatalf("expected authenticator, got error: %v", err)
	}

	tokenString := signToken(t, cfg.Secret, jwt.RegisteredClaims{
		Subject:   "suite-123",
		Audience:  jwt.ClaimStrings{"suite"},
		Issuer:    "stubd",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)

	principal, err := authenticator.Authenticate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if principal.Subject != "suite-123" {
		t.Fatalf("unexpected subject: %s", principal.Subject)
	}
}

func TestAuthenticateMissingHeader(t *testing.T) {
	authenticator, _ := New(stubconfig.AuthConfig{Secret: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	if _, err := authenticator.Authenticate(req); err == nil {
		t.Fatalf("expected error when header missing")
	}
}

func TestScopesFromScopeStringAndScpList(t *testing.T) {
	authenticator, _ := New(stubconfig.AuthConfig{Secret: "secret"})

	type scopedClaims struct {
		Scope string   `json:"scope,omitempty"`
		Scp   []string `json:"scp,omitempty"`
		jwt.RegisteredClaims
	}

	tokenString := signToken(t, "secret", scopedClaims{
		Scope: ScopeFixturesRead + " " + ScopeFixturesWrite,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)

	principal, err := authenticator.Authenticate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !principal.HasAnyScope([]string{ScopeFixturesWrite}) {
		t.Fatalf("expected fixtures.write scope, got %v", principal.Scopes)
	}
	if principal.HasAnyScope([]string{ScopeCallbacks}) {
		t.Fatalf("did not expect callback scope")
	}

	tokenString = signToken(t, "secret", scopedClaims{
		Scp: []string{ScopeRequestsRead},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	req.Header.Set("Authorization", "Bearer "+tokenString)

	principal, err = authenticator.Authenticate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !principal.HasAnyScope([]string{ScopeRequestsRead}) {
		t.Fatalf("expected requests.read scope, got %v", principal.Scopes)
	}
}

func TestAuthenticateRejectsWrongAudience(t *testing.T) {
	authenticator, _ := New(stubconfig.AuthConfig{Secret: "secret", Audiences: []string{"suite"}})

	tokenString := signToken(t, "secret", jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{"elsewhere"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)

	if _, err := authenticator.Authenticate(req); err == nil {
		t.Fatalf("expected audience mismatch error")
	}
}
