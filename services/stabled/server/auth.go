package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"stablecore/observability/logging"
)

// AuthConfig configures verification of caller bearer tokens.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// Authenticator verifies HMAC signed JWTs and resolves the caller account
// from the subject claim.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

type callerContextKey struct{}

// CallerFromContext returns the authenticated account.
func CallerFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	caller, ok := ctx.Value(callerContextKey{}).(string)
	if !ok || caller == "" {
		return "", false
	}
	return caller, true
}

// WithCaller stores caller in ctx as if it had been authenticated.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerContextKey{}, strings.TrimSpace(caller))
}

// NewAuthenticator constructs an authenticator from configuration.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil, fmt.Errorf("auth secret not configured")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{cfg: cfg, secret: []byte(secret), logger: logger}, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString := extractBearer(header)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		caller, err := a.authenticate(tokenString)
		if err != nil {
			a.logger.Warn("token validation failed", "authorization", logging.MaskBearer(header), "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (a *Authenticator) authenticate(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token invalid")
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if subject = strings.TrimSpace(subject); subject == "" {
		return "", errors.New("subject claim required")
	}
	return subject, nil
}

func extractBearer(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
