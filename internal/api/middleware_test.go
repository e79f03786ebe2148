package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type staticKeySource struct {
	kid string
	key *rsa.PublicKey
}

func (s staticKeySource) Key(_ context.Context, kid string) (*rsa.PublicKey, error) {
	if kid != s.kid {
		return nil, errors.New("unknown kid")
	}
	return s.key, nil
}

type tokenSigner struct {
	kid string
	key *rsa.PrivateKey
}

func newTokenSigner(t *testing.T) tokenSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return tokenSigner{kid: "test-key", key: key}
}

func (s tokenSigner) keys() KeySource {
	return staticKeySource{kid: s.kid, key: &s.key.PublicKey}
}

func (s tokenSigner) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func reviewerClaims(id uuid.UUID, groups ...string) jwt.MapClaims {
	g := make([]interface{}, 0, len(groups))
	for _, group := range groups {
		g = append(g, group)
	}
	return jwt.MapClaims{
		"sub":    id.String(),
		"groups": g,
		"aud":    "security",
		"iss":    "https://auth.example.test",
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
}

func TestJWTAuthMiddleware(t *testing.T) {
	signer := newTokenSigner(t)
	other := newTokenSigner(t)
	userID := uuid.New()

	cfg := AuthConfig{Keys: signer.keys(), Audience: "security", Issuer: "https://auth.example.test"}
	var seen Reviewer
	handler := JWTAuthMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ReviewerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	expired := reviewerClaims(userID, SecurityGroup)
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	wrongAudience := reviewerClaims(userID, SecurityGroup)
	wrongAudience["aud"] = "other"
	badSubject := reviewerClaims(userID)
	badSubject["sub"] = "not-a-uuid"

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid", header: "Bearer " + signer.sign(t, reviewerClaims(userID, SecurityGroup)), want: http.StatusNoContent},
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Token abc", want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signer.sign(t, expired), want: http.StatusUnauthorized},
		{name: "wrong audience", header: "Bearer " + signer.sign(t, wrongAudience), want: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer " + other.sign(t, reviewerClaims(userID)), want: http.StatusUnauthorized},
		{name: "subject not uuid", header: "Bearer " + signer.sign(t, badSubject), want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d (%s)", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	if seen.ID != userID || !seen.InGroup(SecurityGroup) {
		t.Fatalf("expected reviewer %s in %s, got %+v", userID, SecurityGroup, seen)
	}
}

func TestRequireGroup(t *testing.T) {
	handler := RequireGroup(SecurityGroup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name     string
		reviewer *Reviewer
		want     int
	}{
		{name: "member", reviewer: &Reviewer{ID: uuid.New(), Groups: []string{"Staff", SecurityGroup}}, want: http.StatusNoContent},
		{name: "non member", reviewer: &Reviewer{ID: uuid.New(), Groups: []string{"Staff"}}, want: http.StatusForbidden},
		{name: "anonymous", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.reviewer != nil {
				req = req.WithContext(WithReviewer(req.Context(), *tt.reviewer))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestInternalAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name     string
		required string
		provided string
		want     int
	}{
		{name: "matching key", required: "secret", provided: "secret", want: http.StatusNoContent},
		{name: "wrong key", required: "secret", provided: "guess", want: http.StatusUnauthorized},
		{name: "missing key", required: "secret", want: http.StatusUnauthorized},
		{name: "disabled", required: "", provided: "anything", want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.provided != "" {
				req.Header.Set("X-Internal-API-Key", tt.provided)
			}
			rec := httptest.NewRecorder()
			InternalAuthMiddleware(tt.required)(ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	// e = 65537
	key, err := parseRSAPublicKey("AQAB", "AQAB")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.E != 65537 {
		t.Fatalf("expected exponent 65537, got %d", key.E)
	}
	if _, err := parseRSAPublicKey("AQAB", "AA"); err == nil {
		t.Fatal("expected zero exponent to be rejected")
	}
	if _, err := parseRSAPublicKey("!!", "AQAB"); err == nil {
		t.Fatal("expected malformed modulus to be rejected")
	}
}
