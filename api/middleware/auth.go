package middleware

import (
	"net/http"
	"strings"

	"github.com/stefna/stefna-backend/api/responses"
	pkgAuth "github.com/stefna/stefna-backend/pkg/auth"
	"github.com/stefna/stefna-backend/pkg/config"
	pkgerrors "github.com/stefna/stefna-backend/pkg/errors"
	"github.com/stefna/stefna-backend/pkg/logger"
)

// Auth verifies the Supabase access token on every request and records the
// caller for RequireRole, the rate limiter and the controllers.
func Auth(cfg config.AuthConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := authenticate(cfg, r.Header.Get("Authorization"))
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}

			ctx := withPrincipal(r.Context(), caller)
			if logg != nil {
				ctx = logg.WithFields(ctx, map[string]any{
					"user_id":    caller.userID,
					"actor_role": caller.role,
				})
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(cfg config.AuthConfig, header string) (principal, error) {
	token := bearerToken(header)
	if token == "" {
		return principal{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}
	claims, err := pkgAuth.ParseAccessToken(cfg, token)
	if err != nil {
		return principal{}, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token")
	}
	userID, err := claims.UserID()
	if err != nil {
		return principal{}, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid subject")
	}
	return principal{userID: userID.String(), role: claims.Role}, nil
}

// bearerToken accepts "Bearer <jwt>" in any case, or a bare token.
func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if scheme, rest, ok := strings.Cut(header, " "); ok {
		if !strings.EqualFold(scheme, "bearer") {
			return ""
		}
		return strings.TrimSpace(rest)
	}
	return header
}
