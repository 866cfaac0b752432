package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// AuthConfig controls how the acting user is identified.
//
// With a JWTSecret, "Authorization: Bearer <HS256 token>" is verified and
// its subject becomes the actor. AllowActorHeader additionally accepts a
// bare X-Actor-Id header, meant for local development only.
type AuthConfig struct {
	JWTSecret        string
	AllowActorHeader bool
	Logger           logrus.FieldLogger
}

// Principal is the authenticated caller of one request.
type Principal struct {
	ActorID string
	Roles   []string
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the caller stored by the auth middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorFromContext(ctx context.Context) string {
	if p, ok := PrincipalFromContext(ctx); ok {
		return p.ActorID
	}
	return ""
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Roles: claims.Roles, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware resolves the principal for /api requests. Health checks
// and read-only GETs pass through anonymously; every other request needs an
// identity because mutations record their actor.
func newAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/health" {
				next.ServeHTTP(w, r)
				return
			}

			authz := strings.TrimSpace(r.Header.Get("Authorization"))
			actorHeader := strings.TrimSpace(r.Header.Get("X-Actor-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					writeErrorBody(w, http.StatusUnauthorized, "invalid credentials", "unauthorized", nil)
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					logger.WithError(err).Debug("rejected bearer token")
					writeErrorBody(w, http.StatusUnauthorized, "invalid credentials", "unauthorized", nil)
					return
				}
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
				return
			}

			if actorHeader != "" && cfg.AllowActorHeader {
				logger.WithField("actor_id", actorHeader).Warn("using X-Actor-Id header without a token")
				principal := Principal{ActorID: actorHeader, Source: "actor_header"}
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
				return
			}

			if r.Method == http.MethodGet || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			writeErrorBody(w, http.StatusUnauthorized, "authentication required", "unauthorized", nil)
		})
	}
}
