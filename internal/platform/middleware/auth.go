package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// ActorValidator defines the interface for validating bearer tokens. The
// ledger does not define an authentication protocol; it only needs a trusted
// acting account for each mutating operation.
type ActorValidator interface {
	ValidateToken(tokenString string) (*ActorClaims, error)
}

// ActorClaims are the claims the validator extracts from a token.
type ActorClaims struct {
	AccountID string
}

type contextKeyActorID struct{}

// ContextKeyActorID is exported for use in handlers.
var ContextKeyActorID = contextKeyActorID{}

// GetActorID retrieves the authenticated actor account ID from the context.
func GetActorID(ctx context.Context) string {
	actorID, ok := ctx.Value(ContextKeyActorID).(string)
	if !ok {
		return ""
	}
	return actorID
}

// WithActorID injects an actor into the context directly; used by tests.
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ContextKeyActorID, actorID)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// RequireActor validates the bearer token and places the acting account in
// context. Handlers behind it can assume GetActorID returns a non-empty ID.
func RequireActor(validator ActorValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(authHeader, bearerPrefix) {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			claims, err := validator.ValidateToken(strings.TrimPrefix(authHeader, bearerPrefix))
			if err != nil {
				logger.WarnContext(r.Context(), "token validation failed",
					"error", err.Error(),
					"request_id", GetRequestID(r.Context()),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyActorID, claims.AccountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
