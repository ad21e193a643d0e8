package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"truecoding/internal/repo"
)

const (
	defaultTokenTTL = 24 * time.Hour
	devTokenIssuer  = "truecoding-dev"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	// TokenTTL bounds dev-login tokens. Zero means 24h.
	TokenTTL time.Duration
	Logger   *log.Logger
}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// Principal is the authenticated caller. ActorID is compared against
// projects.owner_id.
type Principal struct {
	ActorID string
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", errUnauthenticated()
}

func errUnauthenticated() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func errBadCredentials() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
}

// actorClaims are the JWT claims we accept: the actor travels as subject.
type actorClaims struct {
	jwt.RegisteredClaims
}

// tokenIssuer signs and verifies HS256 actor tokens.
type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func newTokenIssuer(cfg AuthConfig) (tokenIssuer, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return tokenIssuer{}, errors.New("jwt secret not configured")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return tokenIssuer{secret: []byte(cfg.JWTSecret), ttl: ttl}, nil
}

func (t tokenIssuer) issue(actorID string, now time.Time) (string, error) {
	claims := actorClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   actorID,
		Issuer:    devTokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t tokenIssuer) verify(raw string) (string, error) {
	var claims actorClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// credential tries one way of identifying the caller. present reports
// whether the request carried that kind of credential at all.
type credential func(r *http.Request) (p Principal, present bool, err error)

// authenticator resolves a Principal for every request under basePath,
// except the public routes.
type authenticator struct {
	cfg    AuthConfig
	keys   repo.Repo
	base   string
	public map[string]bool
}

func newAuthenticator(basePath string, cfg AuthConfig, keys repo.Repo) authenticator {
	public := map[string]bool{}
	for _, p := range []string{"health", "auth/dev/login", "openapi.json"} {
		public[path.Join(basePath, p)] = true
	}
	return authenticator{cfg: cfg, keys: keys, base: basePath, public: public}
}

func (a authenticator) exempt(p string) bool {
	if a.base != "" && !strings.HasPrefix(p, a.base) {
		return true
	}
	return a.public[p]
}

// middleware tries bearer token, then API key, then the legacy actor
// header. The first credential present decides; a bad one is never
// retried with the next.
func (a authenticator) middleware(next http.Handler) http.Handler {
	creds := []credential{a.bearer, a.apiKey, a.actorHeader}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		for _, c := range creds {
			p, present, err := c(r)
			if !present {
				continue
			}
			if err != nil {
				writeStatusError(w, errBadCredentials())
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
			return
		}
		writeStatusError(w, errUnauthenticated())
	})
}

func (a authenticator) bearer(r *http.Request) (Principal, bool, error) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return Principal{}, false, nil
	}
	scheme, token, ok := strings.Cut(authz, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return Principal{}, true, errors.New("malformed authorization header")
	}
	issuer, err := newTokenIssuer(a.cfg)
	if err != nil {
		return Principal{}, true, err
	}
	actor, err := issuer.verify(token)
	if err != nil {
		return Principal{}, true, err
	}
	return Principal{ActorID: actor, Source: "jwt"}, true, nil
}

func (a authenticator) apiKey(r *http.Request) (Principal, bool, error) {
	raw := strings.TrimSpace(r.Header.Get("X-Api-Key"))
	if raw == "" {
		return Principal{}, false, nil
	}
	key, err := a.keys.GetAPIKeyByHash(r.Context(), repo.HashAPIKey(raw))
	if err != nil {
		return Principal{}, true, err
	}
	if key.ActorID == "" {
		return Principal{}, true, errors.New("api key has no actor")
	}
	return Principal{ActorID: key.ActorID, Source: "api_key"}, true, nil
}

// actorHeader trusts X-Actor-Id as-is. It only counts when explicitly
// allowed, so a disabled header falls through to "authentication required".
func (a authenticator) actorHeader(r *http.Request) (Principal, bool, error) {
	actor := strings.TrimSpace(r.Header.Get("X-Actor-Id"))
	if actor == "" || !a.cfg.AllowLegacyActorHeader {
		return Principal{}, false, nil
	}
	a.cfg.logger().Printf("WARNING: unauthenticated X-Actor-Id accepted (actor_id=%s)", actor)
	return Principal{ActorID: actor, Source: "legacy_header"}, true, nil
}

func writeStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
