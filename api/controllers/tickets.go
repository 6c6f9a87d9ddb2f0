package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/bodyscan-backend/api/responses"
	"github.com/angelmondragon/bodyscan-backend/api/validators"
	"github.com/angelmondragon/bodyscan-backend/internal/ledger"
	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bodyscan-backend/pkg/errors"
	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
)

// TicketSummarizer reports balances and recent ledger entries.
type TicketSummarizer interface {
	Summary(ctx context.Context, accountID uuid.UUID, size int) (*ledger.Summary, error)
}

// TicketSpender spends and refunds tickets outside the analyze flow.
type TicketSpender interface {
	Use(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, quantity int, refID string) (*ledger.ApplyResult, error)
	Refund(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, quantity int, refID string) (*ledger.ApplyResult, error)
}

type ticketTransactionRequest struct {
	TicketType string `json:"ticket_type" validate:"required,ticket_type"`
	RefID      string `json:"ref_id" validate:"required,max=200"`
	Quantity   int    `json:"quantity,omitempty" validate:"omitempty,min=1,max=100"`
}

type ticketSpendFunc func(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, quantity int, refID string) (*ledger.ApplyResult, error)

// TicketUse spends tickets under a caller supplied reference. Replays of the
// same reference return the original entry with applied=false.
func TicketUse(svc TicketSpender, logg *logger.Logger) http.HandlerFunc {
	if svc == nil {
		return ticketTransaction(nil, logg)
	}
	return ticketTransaction(svc.Use, logg)
}

// TicketRefund credits back tickets spent by an earlier use with the same ref_id.
func TicketRefund(svc TicketSpender, logg *logger.Logger) http.HandlerFunc {
	if svc == nil {
		return ticketTransaction(nil, logg)
	}
	return ticketTransaction(svc.Refund, logg)
}

func ticketTransaction(apply ticketSpendFunc, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if apply == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		accountID, ok := requireAccount(w, r, logg)
		if !ok {
			return
		}

		var payload ticketTransactionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		kind, err := enums.ParseTicketType(payload.TicketType)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid ticket type"))
			return
		}
		quantity := payload.Quantity
		if quantity == 0 {
			quantity = 1
		}

		result, err := apply(r.Context(), accountID, kind, quantity, payload.RefID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func TicketSummary(svc TicketSummarizer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		accountID, ok := requireAccount(w, r, logg)
		if !ok {
			return
		}

		size, err := validators.ParseQueryInt(r, "limit", 20, 1, 100)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		summary, err := svc.Summary(r.Context(), accountID, size)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}
