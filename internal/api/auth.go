package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/1sec-project/warden/internal/approval"
	"github.com/1sec-project/warden/internal/core"
)

// RoleAdmin grants the administrative interface to an operator token.
const RoleAdmin = "admin"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthNotConfigured  = errors.New("operator authentication is not configured")
	errNoCredentials      = errors.New("missing credentials")
)

// Principal is the caller behind a request.
type Principal struct {
	Name  string
	Roles []string
	// Method is "jwt", "api_key" or "open".
	Method string
}

func (p Principal) Admin() bool {
	return p.Method == "api_key" || p.Method == "open" || slices.Contains(p.Roles, RoleAdmin)
}

// Identity is the approver identity carried into the approval workflow.
func (p Principal) Identity() approval.Identity {
	return approval.Identity{ID: p.Name, Roles: append([]string(nil), p.Roles...)}
}

type contextKey string

const principalKey contextKey = "warden_principal"

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func principalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// Claims are the operator token claims.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// IssueToken checks name and password against the configured operators and
// signs an HS256 token carrying the operator's roles.
func IssueToken(cfg *core.Config, name, password string) (string, time.Time, error) {
	if cfg.Auth.JWTSecret == "" || len(cfg.Auth.Operators) == 0 {
		return "", time.Time{}, ErrAuthNotConfigured
	}
	op, ok := cfg.Operator(name)
	if !ok {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	ttl := cfg.Auth.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	exp := now.Add(ttl)
	claims := Claims{
		Roles: op.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.Name,
			Issuer:    "warden",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

// ParseToken validates a signed operator token.
func ParseToken(secret, tokenStr string) (*Claims, error) {
	if secret == "" {
		return nil, ErrAuthNotConfigured
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer("warden"))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// resolve identifies the caller from the Authorization or X-API-Key header.
// An operator token is tried before the API keys.
func resolve(cfg *core.Config, r *http.Request) (Principal, error) {
	if !cfg.AuthEnabled() {
		return Principal{Name: "anonymous", Method: "open"}, nil
	}
	cred := r.Header.Get("X-API-Key")
	if h := r.Header.Get("Authorization"); h != "" {
		cred = strings.TrimPrefix(h, "Bearer ")
	}
	if cred == "" {
		return Principal{}, errNoCredentials
	}
	if cfg.Auth.JWTSecret != "" && strings.Count(cred, ".") == 2 {
		if claims, err := ParseToken(cfg.Auth.JWTSecret, cred); err == nil {
			// Roles come from the live operator list so a reload revokes them.
			op, ok := cfg.Operator(claims.Subject)
			if !ok {
				return Principal{}, ErrInvalidCredentials
			}
			return Principal{Name: op.Name, Roles: op.Roles, Method: "jwt"}, nil
		}
	}
	if cfg.ValidateAPIKey(cred) {
		return Principal{Name: "api-key", Method: "api_key"}, nil
	}
	return Principal{}, ErrInvalidCredentials
}

// authMiddleware attaches the caller to the request context. /health,
// /metrics and token issuance are reachable without credentials.
func authMiddleware(next http.Handler, cfg func() *core.Config, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/metrics", "/api/v1/auth/token":
			next.ServeHTTP(w, r)
			return
		}
		p, err := resolve(cfg(), r)
		if errors.Is(err, errNoCredentials) {
			writeError(w, http.StatusUnauthorized, "missing authentication: provide Authorization: Bearer <token|key> or X-API-Key")
			return
		}
		if err != nil {
			logger.Warn().Str("path", r.URL.Path).Str("ip", clientIP(r)).Msg("rejected credentials")
			writeError(w, http.StatusForbidden, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// requireAdmin guards the administrative interface.
func requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		if !p.Admin() {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next(w, r)
	}
}
