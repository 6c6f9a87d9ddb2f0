package purchases

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/angelmondragon/bodyscan-backend/internal/ledger"
	"github.com/angelmondragon/bodyscan-backend/pkg/config"
	"github.com/angelmondragon/bodyscan-backend/pkg/creem"
	"github.com/angelmondragon/bodyscan-backend/pkg/db/models"
	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bodyscan-backend/pkg/errors"
	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const checkoutCompleted = "checkout.completed"

// Outcome is the processing result reported back to the payment provider.
type Outcome string

const (
	OutcomeProcessed          Outcome = "PROCESSED"
	OutcomeDuplicate          Outcome = "IGNORED_DUPLICATE"
	OutcomeUnsupportedEvent   Outcome = "IGNORED_UNSUPPORTED_EVENT"
	OutcomeUnsupportedProduct Outcome = "IGNORED_UNSUPPORTED_PRODUCT"
	OutcomeAccountNotFound    Outcome = "IGNORED_USER_NOT_FOUND"
)

var accountKeys = []string{"account_id", "user_id", "userId", "internal_user_id", "reference_id", "referenceId"}

// Event is a verified webhook payload.
type Event struct {
	ID   string
	Type string
	root gjson.Result
}

// Ledger is the part of the ledger used to credit purchases.
type Ledger interface {
	Purchase(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, quantity int, refID string) (*ledger.ApplyResult, error)
	GetAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	FindAccountByEmail(ctx context.Context, email string) (*models.Account, error)
}

type ServiceParams struct {
	Ledger Ledger
	Config config.CreemConfig
	Logger *logger.Logger
}

// Service turns completed checkouts into PURCHASE ledger entries.
type Service struct {
	ledger   Ledger
	verifier *creem.Verifier
	products map[string]enums.TicketType
	logg     *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	products := map[string]enums.TicketType{}
	if id := strings.TrimSpace(params.Config.QuickProductID); id != "" {
		products[id] = enums.TicketTypeQuick
	}
	if id := strings.TrimSpace(params.Config.PremiumProductID); id != "" {
		products[id] = enums.TicketTypePremium
	}
	return &Service{
		ledger:   params.Ledger,
		verifier: creem.NewVerifier(params.Config.WebhookSecret),
		products: products,
		logg:     params.Logger,
	}, nil
}

// Verify checks the signature and parses the payload.
func (s *Service) Verify(payload []byte, signature string) (*Event, error) {
	if err := s.verifier.Verify(payload, signature); err != nil {
		if errors.Is(err, creem.ErrMissingSecret) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "webhook secret not configured")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid webhook signature")
	}
	if !gjson.ValidBytes(payload) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "webhook payload is not valid json")
	}
	root := gjson.ParseBytes(payload)
	return &Event{
		ID:   strings.TrimSpace(root.Get("id").String()),
		Type: firstText(root, "eventType", "event_type", "type"),
		root: root,
	}, nil
}

// Handle credits the purchase described by a verified event. Replays of the
// same order return OutcomeDuplicate.
func (s *Service) Handle(ctx context.Context, event *Event) (Outcome, error) {
	if event == nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "event is required")
	}
	if !strings.EqualFold(event.Type, checkoutCompleted) {
		s.info(ctx, "creem event ignored", map[string]any{"event_type": event.Type})
		return OutcomeUnsupportedEvent, nil
	}

	object := eventObject(event.root)
	kind, ok := s.ticketType(object)
	if !ok {
		s.info(ctx, "creem event ignored: unsupported product", nil)
		return OutcomeUnsupportedProduct, nil
	}

	accountID, err := s.resolveAccount(ctx, event.root, object)
	if err != nil {
		return "", err
	}
	if accountID == uuid.Nil {
		s.info(ctx, "creem event ignored: account not resolved", nil)
		return OutcomeAccountNotFound, nil
	}

	refID := refIDFor(event.root, object)
	if refID == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "webhook reference id not found")
	}

	result, err := s.ledger.Purchase(ctx, accountID, kind, quantityOf(object), refID)
	if err != nil {
		return "", err
	}
	if !result.Applied {
		return OutcomeDuplicate, nil
	}
	s.info(ctx, "creem purchase credited", map[string]any{
		"account_id":  accountID.String(),
		"ticket_type": string(kind),
		"ref_id":      refID,
	})
	return OutcomeProcessed, nil
}

func eventObject(root gjson.Result) gjson.Result {
	if obj := root.Get("object"); obj.IsObject() {
		return obj
	}
	data := root.Get("data")
	if obj := data.Get("object"); obj.IsObject() {
		return obj
	}
	if data.IsObject() {
		return data
	}
	return root.Get("object")
}

func (s *Service) ticketType(object gjson.Result) (enums.TicketType, bool) {
	if raw := firstText(object.Get("metadata"), "ticket_type", "ticketType"); raw != "" {
		if kind, err := enums.ParseTicketType(raw); err == nil {
			return kind, true
		}
	}

	order := object.Get("order")
	orderProduct := firstText(order, "product", "product_id", "productId", "id")
	if orderProduct == "" {
		orderProduct = text(order.Get("product"), "id")
	}
	if kind, ok := s.products[orderProduct]; ok {
		return kind, true
	}

	product := firstText(object, "product_id", "productId")
	if product == "" {
		product = text(object.Get("product"), "id")
	}
	if product == "" && object.Get("product").Type == gjson.String {
		product = strings.TrimSpace(object.Get("product").String())
	}
	kind, ok := s.products[product]
	return kind, ok
}

// resolveAccount returns uuid.Nil when the event names no known account.
func (s *Service) resolveAccount(ctx context.Context, root, object gjson.Result) (uuid.UUID, error) {
	candidate := firstText(object, "request_id", "requestId")
	if candidate == "" {
		candidate = firstText(root, "request_id", "requestId")
	}
	if candidate != "" {
		candidate = strings.TrimSpace(strings.TrimPrefix(candidate, "account:"))
	} else if id := firstText(object.Get("metadata"), accountKeys...); id != "" {
		candidate = id
	} else {
		candidate = firstText(object.Get("order.metadata"), accountKeys...)
	}

	if candidate != "" {
		id, err := uuid.Parse(candidate)
		if err != nil {
			return uuid.Nil, nil
		}
		account, err := s.ledger.GetAccount(ctx, id)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return uuid.Nil, nil
		}
		if err != nil {
			return uuid.Nil, err
		}
		return account.ID, nil
	}

	email := firstText(object.Get("customer"), "email", "email_address", "emailAddress")
	if email == "" {
		email = firstText(object, "customer_email", "customerEmail", "email")
	}
	if email == "" {
		return uuid.Nil, nil
	}
	account, err := s.ledger.FindAccountByEmail(ctx, strings.ToLower(email))
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return account.ID, nil
}

func quantityOf(object gjson.Result) int {
	if n, ok := firstPositiveInt(object.Get("order"), "units", "quantity"); ok {
		return n
	}
	if n, ok := firstPositiveInt(object, "units", "quantity"); ok {
		return n
	}
	if n, ok := firstPositiveInt(object.Get("metadata"), "quantity", "units"); ok {
		return n
	}
	return 1
}

func refIDFor(root, object gjson.Result) string {
	if id := firstText(object.Get("order"), "id", "order_id", "orderId"); id != "" {
		return id
	}
	if id := firstText(object, "id", "checkout_id", "checkoutId"); id != "" {
		return id
	}
	return text(root, "id")
}

func firstText(node gjson.Result, fields ...string) string {
	if !node.IsObject() {
		return ""
	}
	for _, field := range fields {
		if v := text(node, field); v != "" {
			return v
		}
	}
	return ""
}

func text(node gjson.Result, field string) string {
	if !node.IsObject() {
		return ""
	}
	v := node.Get(field)
	if !v.Exists() || v.Type == gjson.Null || v.IsObject() || v.IsArray() {
		return ""
	}
	return strings.TrimSpace(v.String())
}

func firstPositiveInt(node gjson.Result, fields ...string) (int, bool) {
	if !node.IsObject() {
		return 0, false
	}
	for _, field := range fields {
		v := node.Get(field)
		switch v.Type {
		case gjson.Number:
			if n := v.Int(); n > 0 && float64(n) == v.Float() {
				return int(n), true
			}
		case gjson.String:
			if n, err := strconv.Atoi(strings.TrimSpace(v.String())); err == nil && n > 0 {
				return n, true
			}
		}
	}
	return 0, false
}

func (s *Service) info(ctx context.Context, msg string, fields map[string]any) {
	if s.logg == nil {
		return
	}
	if len(fields) > 0 {
		ctx = s.logg.WithFields(ctx, fields)
	}
	s.logg.Info(ctx, msg)
}
