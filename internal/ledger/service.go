package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/angelmondragon/bodyscan-backend/pkg/db"
	"github.com/angelmondragon/bodyscan-backend/pkg/db/models"
	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bodyscan-backend/pkg/errors"
	"github.com/angelmondragon/bodyscan-backend/pkg/metrics"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultSummarySize = 20
	maxSummarySize     = 100
)

var (
	ErrInsufficientBalance = pkgerrors.New(pkgerrors.CodeInsufficient, "insufficient ticket balance")
	ErrAccountNotFound     = pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
)

// Service is the only writer of account balances.
type Service interface {
	WithTx(tx *gorm.DB) Service
	Apply(ctx context.Context, input ApplyInput) (*ApplyResult, error)
	Purchase(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, quantity int, refID string) (*ApplyResult, error)
	Use(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, quantity int, refID string) (*ApplyResult, error)
	Refund(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, quantity int, refID string) (*ApplyResult, error)
	LockAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	FindEntry(ctx context.Context, key EntryKey) (*models.LedgerEntry, error)
	EntriesForRef(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, refID string) ([]models.LedgerEntry, error)
	EnsureAccount(ctx context.Context, accountID uuid.UUID, email string) (*models.Account, error)
	GetAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	FindAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	Summary(ctx context.Context, accountID uuid.UUID, size int) (*Summary, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ApplyInput describes one ledger movement.
type ApplyInput struct {
	AccountID  uuid.UUID          `json:"account_id"`
	TicketType enums.TicketType   `json:"ticket_type"`
	Delta      int                `json:"delta"`
	Reason     enums.LedgerReason `json:"reason"`
	RefID      string             `json:"ref_id"`
}

// ApplyResult reports the entry for the key and whether this call created it.
type ApplyResult struct {
	Entry          *models.LedgerEntry `json:"entry"`
	Applied        bool                `json:"applied"`
	QuickBalance   int                 `json:"quick_balance"`
	PremiumBalance int                 `json:"premium_balance"`
}

// Summary is the balance view returned to account owners.
type Summary struct {
	QuickBalance   int                  `json:"quick_balance"`
	PremiumBalance int                  `json:"premium_balance"`
	Items          []models.LedgerEntry `json:"items"`
}

type ServiceParams struct {
	Repo    Repository
	Tx      txRunner
	Metrics *metrics.LedgerMetrics
}

type service struct {
	repo    Repository
	tx      txRunner
	metrics *metrics.LedgerMetrics
	bound   bool
}

// NewService wires a ledger service with the provided repository and transaction runner.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{repo: params.Repo, tx: params.Tx, metrics: params.Metrics}, nil
}

// WithTx binds the service to the caller's transaction. Apply then runs inline
// and commits with the caller.
func (s *service) WithTx(tx *gorm.DB) Service {
	if tx == nil {
		return s
	}
	return &service{repo: s.repo.WithTx(tx), tx: s.tx, metrics: s.metrics, bound: true}
}

// NormalizeRefID trims and lower-cases a reference id so equivalent ids collide.
func NormalizeRefID(refID string) string {
	return strings.ToLower(strings.TrimSpace(refID))
}

func (s *service) Apply(ctx context.Context, input ApplyInput) (*ApplyResult, error) {
	input.RefID = NormalizeRefID(input.RefID)
	if err := validateApply(input); err != nil {
		s.metrics.IncApply(string(input.Reason), metrics.LedgerOutcomeRejected)
		return nil, err
	}

	var result *ApplyResult
	err := s.inTx(ctx, func(repo Repository) error {
		res, err := applyLocked(ctx, repo, input)
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	if err != nil && !s.bound && db.IsUniqueViolation(err, models.LedgerIdempotencyIndex) {
		// a concurrent writer won the insert; report its entry as the duplicate
		existing, findErr := s.repo.FindEntry(ctx, keyOf(input))
		if findErr == nil && existing != nil {
			account, accErr := s.repo.FindAccount(ctx, input.AccountID)
			if accErr == nil {
				result = resultFor(existing, false, account)
				err = nil
			}
		}
	}

	s.recordOutcome(input.Reason, result, err)
	return result, err
}

// Purchase credits quantity tickets for a paid order. refID is the gateway order id.
func (s *service) Purchase(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, quantity int, refID string) (*ApplyResult, error) {
	if quantity < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be at least 1")
	}
	return s.Apply(ctx, ApplyInput{AccountID: accountID, TicketType: kind, Delta: quantity, Reason: enums.LedgerReasonPurchase, RefID: refID})
}

// Use spends quantity tickets permanently without a reservation.
func (s *service) Use(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, quantity int, refID string) (*ApplyResult, error) {
	if quantity < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be at least 1")
	}
	return s.Apply(ctx, ApplyInput{AccountID: accountID, TicketType: kind, Delta: -quantity, Reason: enums.LedgerReasonUse, RefID: refID})
}

// Refund credits back tickets spent by the USE entry sharing refID. The
// quantity may not exceed what that use took.
func (s *service) Refund(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, quantity int, refID string) (*ApplyResult, error) {
	if quantity < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be at least 1")
	}
	used, err := s.FindEntry(ctx, EntryKey{AccountID: accountID, TicketType: kind, Reason: enums.LedgerReasonUse, RefID: refID})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "find use entry")
	}
	if used == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no ticket use recorded for this ref id")
	}
	if quantity > -used.Delta {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "refund quantity %d exceeds used quantity %d", quantity, -used.Delta)
	}
	return s.Apply(ctx, ApplyInput{AccountID: accountID, TicketType: kind, Delta: quantity, Reason: enums.LedgerReasonRefund, RefID: refID})
}

func applyLocked(ctx context.Context, repo Repository, input ApplyInput) (*ApplyResult, error) {
	account, err := lockAccount(ctx, repo, input.AccountID)
	if err != nil {
		return nil, err
	}

	existing, err := repo.FindEntry(ctx, keyOf(input))
	if err != nil {
		return nil, fmt.Errorf("find ledger entry: %w", err)
	}
	if existing != nil {
		return resultFor(existing, false, account), nil
	}

	if input.Delta < 0 && account.Balance(input.TicketType) < -input.Delta {
		return nil, ErrInsufficientBalance
	}

	if input.Delta != 0 {
		updated, err := repo.AdjustBalance(ctx, input.AccountID, input.TicketType, input.Delta)
		if err != nil {
			return nil, fmt.Errorf("adjust balance: %w", err)
		}
		if !updated {
			return nil, ErrInsufficientBalance
		}
		applyDelta(account, input.TicketType, input.Delta)
	}

	entry := &models.LedgerEntry{
		AccountID:  input.AccountID,
		TicketType: input.TicketType,
		Reason:     input.Reason,
		Delta:      input.Delta,
		RefID:      input.RefID,
	}
	if err := repo.CreateEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("create ledger entry: %w", err)
	}

	return resultFor(entry, true, account), nil
}

func (s *service) LockAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	return lockAccount(ctx, s.repo, accountID)
}

func (s *service) FindEntry(ctx context.Context, key EntryKey) (*models.LedgerEntry, error) {
	key.RefID = NormalizeRefID(key.RefID)
	return s.repo.FindEntry(ctx, key)
}

func (s *service) EntriesForRef(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, refID string) ([]models.LedgerEntry, error) {
	return s.repo.FindEntriesByRef(ctx, accountID, kind, NormalizeRefID(refID))
}

// EnsureAccount creates the account with starter balances when it does not exist yet.
// An email already held by another account is not stored; the email is a
// lookup hint for purchases and the account id stays the identity.
func (s *service) EnsureAccount(ctx context.Context, accountID uuid.UUID, email string) (*models.Account, error) {
	if accountID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id is required")
	}
	if existing, err := s.repo.FindAccount(ctx, accountID); err == nil {
		return existing, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load account")
	}
	account := &models.Account{
		ID:             accountID,
		QuickBalance:   models.DefaultQuickBalance,
		PremiumBalance: models.DefaultPremiumBalance,
	}
	if normalized := strings.ToLower(strings.TrimSpace(email)); normalized != "" {
		account.Email = &normalized
	}
	err := s.repo.CreateAccount(ctx, account)
	if err != nil && account.Email != nil && db.IsUniqueViolation(err, models.AccountEmailIndex) {
		account.Email = nil
		err = s.repo.CreateAccount(ctx, account)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create account")
	}
	return s.GetAccount(ctx, accountID)
}

func (s *service) GetAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	account, err := s.repo.FindAccount(ctx, accountID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load account")
	}
	return account, nil
}

func (s *service) FindAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return nil, ErrAccountNotFound
	}
	account, err := s.repo.FindAccountByEmail(ctx, normalized)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load account by email")
	}
	return account, nil
}

// Summary returns balances with the most recent entries. size is clamped to [1,100].
func (s *service) Summary(ctx context.Context, accountID uuid.UUID, size int) (*Summary, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListEntries(ctx, accountID, clampSize(size))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list ledger entries")
	}
	return &Summary{
		QuickBalance:   account.QuickBalance,
		PremiumBalance: account.PremiumBalance,
		Items:          entries,
	}, nil
}

func (s *service) inTx(ctx context.Context, fn func(repo Repository) error) error {
	if s.bound {
		return fn(s.repo)
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return fn(s.repo.WithTx(tx))
	})
}

func (s *service) recordOutcome(reason enums.LedgerReason, result *ApplyResult, err error) {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		s.metrics.IncApply(string(reason), metrics.LedgerOutcomeRejected)
	case err != nil:
		s.metrics.IncApply(string(reason), metrics.LedgerOutcomeError)
	case result != nil && result.Applied:
		s.metrics.IncApply(string(reason), metrics.LedgerOutcomeApplied)
	default:
		s.metrics.IncApply(string(reason), metrics.LedgerOutcomeDuplicate)
	}
}

func lockAccount(ctx context.Context, repo Repository, accountID uuid.UUID) (*models.Account, error) {
	account, err := repo.LockAccount(ctx, accountID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	return account, nil
}

func validateApply(input ApplyInput) error {
	if input.AccountID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "account id is required")
	}
	if !input.TicketType.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "invalid ticket type %q", input.TicketType)
	}
	if !input.Reason.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "invalid ledger reason %q", input.Reason)
	}
	if input.RefID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "ref id is required")
	}

	var ok bool
	switch input.Reason {
	case enums.LedgerReasonHold:
		ok = input.Delta == -1
	case enums.LedgerReasonConsume:
		ok = input.Delta == 0
	case enums.LedgerReasonRelease:
		ok = input.Delta == 1
	case enums.LedgerReasonPurchase, enums.LedgerReasonRefund:
		ok = input.Delta > 0
	case enums.LedgerReasonUse:
		ok = input.Delta < 0
	}
	if !ok {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "delta %d not allowed for %s", input.Delta, input.Reason)
	}
	return nil
}

func keyOf(input ApplyInput) EntryKey {
	return EntryKey{
		AccountID:  input.AccountID,
		TicketType: input.TicketType,
		Reason:     input.Reason,
		RefID:      input.RefID,
	}
}

func applyDelta(account *models.Account, kind enums.TicketType, delta int) {
	if kind == enums.TicketTypePremium {
		account.PremiumBalance += delta
		return
	}
	account.QuickBalance += delta
}

func resultFor(entry *models.LedgerEntry, applied bool, account *models.Account) *ApplyResult {
	return &ApplyResult{
		Entry:          entry,
		Applied:        applied,
		QuickBalance:   account.QuickBalance,
		PremiumBalance: account.PremiumBalance,
	}
}

func clampSize(size int) int {
	if size <= 0 {
		return defaultSummarySize
	}
	if size > maxSummarySize {
		return maxSummarySize
	}
	return size
}
