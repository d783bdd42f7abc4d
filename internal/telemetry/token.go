package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// refreshLeeway is how long before expiry a token is refreshed.
const refreshLeeway = 60 * time.Second

// TokenSource supplies the bearer token for outbound requests. When the
// current token is a JWT whose exp claim is within the leeway and a refresh
// hook is configured, the hook is invoked before the token is handed out.
// A non-JWT token is served as-is.
type TokenSource struct {
	logger  *slog.Logger
	refresh func(context.Context) (string, error)

	mu    sync.Mutex
	token string
}

// NewTokenSource wraps initial. refresh may be nil, in which case the token
// is static for the lifetime of the process.
func NewTokenSource(initial string, refresh func(context.Context) (string, error), logger *slog.Logger) *TokenSource {
	return &TokenSource{token: initial, refresh: refresh, logger: logger}
}

// Token returns the current bearer token, or "" when none is configured.
func (t *TokenSource) Token(ctx context.Context) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token == "" || t.refresh == nil || !t.nearExpiryLocked() {
		return t.token
	}

	fresh, err := t.refresh(ctx)
	if err != nil {
		t.logger.Warn("telemetry: token refresh failed, keeping current token",
			slog.Any("error", err))
		return t.token
	}
	t.token = fresh
	t.logger.Info("telemetry: bearer token refreshed")
	return t.token
}

// Set replaces the current token. Used when the backend rotates credentials
// out of band.
func (t *TokenSource) Set(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
}

// nearExpiryLocked inspects the exp claim without verifying the signature;
// only the agent's own send timing depends on it. Caller holds t.mu.
func (t *TokenSource) nearExpiryLocked() bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(t.token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < refreshLeeway
}
