package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/angelmondragon/bodyscan-backend/api/responses"
	"github.com/angelmondragon/bodyscan-backend/internal/purchases"
	"github.com/angelmondragon/bodyscan-backend/pkg/creem"
	pkgerrors "github.com/angelmondragon/bodyscan-backend/pkg/errors"
	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
)

const maxWebhookBody = 1 << 20

type CreemWebhookService interface {
	Verify(payload []byte, signature string) (*purchases.Event, error)
	Handle(ctx context.Context, event *purchases.Event) (purchases.Outcome, error)
}

type creemWebhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

type creemWebhookResponse struct {
	Received bool              `json:"received"`
	Outcome  purchases.Outcome `json:"outcome"`
}

// CreemWebhook credits ticket purchases from Creem checkout events.
func CreemWebhook(svc CreemWebhookService, guard creemWebhookGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		event, err := svc.Verify(payload, creem.SignatureFromHeader(r.Header))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{"event_id": event.ID, "event_type": event.Type})
		}

		// events without an id still dedupe on the order reference in the ledger
		guarded := guard != nil && event.ID != ""
		if guarded {
			alreadyProcessed, err := guard.CheckAndMark(ctx, event.ID)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
				return
			}
			if alreadyProcessed {
				responses.WriteSuccess(w, creemWebhookResponse{Received: true, Outcome: purchases.OutcomeDuplicate})
				return
			}
		}

		outcome, err := svc.Handle(ctx, event)
		// a redelivery must reach the ledger once the account exists
		if guarded && (err != nil || outcome == purchases.OutcomeAccountNotFound) {
			if delErr := guard.Delete(context.WithoutCancel(ctx), event.ID); delErr != nil && logg != nil {
				logg.Warn(logg.WithField(ctx, "error", delErr.Error()), "creem.webhook.guard_release_failed")
			}
		}
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if logg != nil {
			logg.Info(logg.WithField(ctx, "outcome", string(outcome)), "creem.webhook.processed")
		}
		responses.WriteSuccess(w, creemWebhookResponse{Received: true, Outcome: outcome})
	}
}
