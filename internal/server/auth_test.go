package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"truecoding/internal/repo"
)

func TestTokenIssuerRoundTrip(t *testing.T) {
	issuer, err := newTokenIssuer(AuthConfig{JWTSecret: "s3cret", TokenTTL: time.Minute})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	now := time.Now()
	token, err := issuer.issue("owner-1", now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	actor, err := issuer.verify(token)
	if err != nil || actor != "owner-1" {
		t.Fatalf("verify = %q, %v", actor, err)
	}

	expired, _ := issuer.issue("owner-1", now.Add(-time.Hour))
	if _, err := issuer.verify(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
	other, _ := tokenIssuer{secret: []byte("other"), ttl: time.Minute}.issue("owner-1", now)
	if _, err := issuer.verify(other); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "owner-1"}).SignedString([]byte("s3cret"))
	if _, err := issuer.verify(noExp); err == nil {
		t.Fatalf("expected token without expiry to be rejected")
	}
	if _, err := newTokenIssuer(AuthConfig{}); err == nil {
		t.Fatalf("expected error without a secret")
	}
}

func TestAuthenticatorCredentialOrder(t *testing.T) {
	var seen Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = principalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	cfg := AuthConfig{JWTSecret: "s3cret"}
	strict := newAuthenticator("/v1", cfg, repo.Repo{}).middleware(next)
	cfg.AllowLegacyActorHeader = true
	lenient := newAuthenticator("/v1", cfg, repo.Repo{}).middleware(next)

	issuer, _ := newTokenIssuer(cfg)
	token, _ := issuer.issue("owner-1", time.Now())

	cases := []struct {
		name    string
		h       http.Handler
		path    string
		headers map[string]string
		status  int
		actor   string
	}{
		{"public route", strict, "/v1/health", nil, http.StatusNoContent, ""},
		{"legacy header disabled", strict, "/v1/me", map[string]string{"X-Actor-Id": "owner-1"}, http.StatusUnauthorized, ""},
		{"legacy header allowed", lenient, "/v1/me", map[string]string{"X-Actor-Id": "owner-2"}, http.StatusNoContent, "owner-2"},
		{"bearer wins over header", lenient, "/v1/me", map[string]string{"Authorization": "Bearer " + token, "X-Actor-Id": "owner-2"}, http.StatusNoContent, "owner-1"},
		{"bad bearer is not retried", lenient, "/v1/me", map[string]string{"Authorization": "Bearer nope", "X-Actor-Id": "owner-2"}, http.StatusUnauthorized, ""},
		{"wrong scheme", strict, "/v1/me", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = Principal{}
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			tc.h.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.status, rec.Body.String())
			}
			if seen.ActorID != tc.actor {
				t.Fatalf("actor = %q, want %q", seen.ActorID, tc.actor)
			}
		})
	}
}
