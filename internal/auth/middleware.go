package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/clasicc/salesmargin/internal/platform/httpx"
	"github.com/clasicc/salesmargin/internal/shared"
)

// Middleware rejects requests without a valid bearer key and stores the
// principal in the request context.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "Missing bearer token")
				return
			}

			principal, err := service.Authenticate(r.Context(), token)
			if err != nil {
				if err != ErrInvalidKey {
					logger.Error("authenticate request", slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "Invalid API key")
				return
			}

			ctx := shared.ContextWithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
