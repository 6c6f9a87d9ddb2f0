package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/bodyscan-backend/api/responses"
	pkgAuth "github.com/angelmondragon/bodyscan-backend/pkg/auth"
	"github.com/angelmondragon/bodyscan-backend/pkg/config"
	"github.com/angelmondragon/bodyscan-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/bodyscan-backend/pkg/errors"
	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
)

// AccountEnsurer provisions the ledger account on first sight of a token.
type AccountEnsurer interface {
	EnsureAccount(ctx context.Context, accountID uuid.UUID, email string) (*models.Account, error)
}

// Auth validates a bearer token and seeds the request context with the account.
func Auth(cfg config.JWTConfig, accounts AccountEnsurer, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if raw == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}
			if claims.AccountID == uuid.Nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing account id"))
				return
			}

			if accounts != nil {
				if _, err := accounts.EnsureAccount(r.Context(), claims.AccountID, claims.Email); err != nil {
					responses.WriteError(r.Context(), logg, w, err)
					return
				}
			}

			ctx := WithAccountID(r.Context(), claims.AccountID)
			if email := strings.TrimSpace(claims.Email); email != "" {
				ctx = context.WithValue(ctx, ctxEmail, email)
			}
			if logg != nil {
				ctx = logg.WithAccountID(ctx, claims.AccountID.String())
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
