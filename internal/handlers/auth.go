package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sand/ripplebids-settlement/backend/internal/usecases"
)

type ctxKey int

const principalKey ctxKey = iota

// Principal is the authenticated caller of the escrow API.
type Principal struct {
	Subject string
	Role    string
}

func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// demoPrincipal acts for every request when no secret is configured.
var demoPrincipal = Principal{Subject: "demo", Role: "admin"}

// PrincipalFromContext returns the caller placed in ctx by Authenticator.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	logger *slog.Logger
	secret []byte
	leeway time.Duration
}

func NewAuthenticator(logger *slog.Logger, secret string) *Authenticator {
	return &Authenticator{logger: logger, secret: []byte(secret), leeway: 30 * time.Second}
}

// Enabled is false when no secret is configured. Requests then run as an
// admin, which the server only allows in demo mode.
func (a *Authenticator) Enabled() bool { return len(a.secret) > 0 }

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, demoPrincipal)))
			return
		}
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, a.logger, r, errUnauthorized)
			return
		}
		principal, err := a.parse(token)
		if err != nil {
			a.logger.DebugContext(r.Context(), "[Auth] rejected token", "path", r.URL.Path, "error", err)
			writeError(w, a.logger, r, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
	})
}

func (a *Authenticator) parse(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.leeway), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Principal{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, errors.New("token invalid")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, errors.New("missing subject")
	}
	role, _ := claims["role"].(string)
	return Principal{Subject: sub, Role: role}, nil
}

// actorFrom maps the request principal onto the escrow caller.
func actorFrom(r *http.Request) (usecases.Actor, error) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		return usecases.Actor{}, errUnauthorized
	}
	return usecases.Actor{UserID: p.Subject, Admin: p.IsAdmin()}, nil
}

func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// secretMatches compares in constant time. An empty expected secret never matches.
func secretMatches(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
