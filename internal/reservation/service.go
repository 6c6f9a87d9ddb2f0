package reservation

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/bodyscan-backend/internal/ledger"
	"github.com/angelmondragon/bodyscan-backend/pkg/db/models"
	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bodyscan-backend/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Protocol errors mean consume or release was called out of order. They map to
// internal errors and should not be retried blindly.
var (
	ErrNoActiveHold    = errors.New("reservation: no active hold")
	ErrAlreadyConsumed = errors.New("reservation: hold already consumed")
	ErrAlreadyReleased = errors.New("reservation: hold already released")
)

// Service runs the hold then consume-or-release protocol for one reference id.
type Service interface {
	WithTx(tx *gorm.DB) Service
	Hold(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, refID string) (*ledger.ApplyResult, error)
	Consume(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, refID string) (*ledger.ApplyResult, error)
	Release(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, refID string) (*ledger.ApplyResult, error)
	State(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, refID string) (State, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// State summarizes the reservation entries recorded for a reference id.
type State struct {
	Hold    *models.LedgerEntry
	Consume *models.LedgerEntry
	Release *models.LedgerEntry
}

// Settled reports whether the hold was consumed or released.
func (s State) Settled() bool {
	return s.Consume != nil || s.Release != nil
}

type ServiceParams struct {
	Ledger ledger.Service
	Tx     txRunner
}

type service struct {
	ledger ledger.Service
	tx     txRunner
	bound  *gorm.DB
}

// NewService wires the reservation saga on top of the ledger.
func NewService(params ServiceParams) (Service, error) {
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{ledger: params.Ledger, tx: params.Tx}, nil
}

func (s *service) WithTx(tx *gorm.DB) Service {
	if tx == nil {
		return s
	}
	return &service{ledger: s.ledger, tx: s.tx, bound: tx}
}

// Hold provisionally removes one unit. It fails with ledger.ErrInsufficientBalance
// before any expensive work starts.
func (s *service) Hold(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, refID string) (*ledger.ApplyResult, error) {
	var result *ledger.ApplyResult
	err := s.inTx(ctx, func(l ledger.Service) error {
		res, err := l.Apply(ctx, ledger.ApplyInput{
			AccountID:  accountID,
			TicketType: kind,
			Delta:      -1,
			Reason:     enums.LedgerReasonHold,
			RefID:      refID,
		})
		result = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Consume finalizes the hold. A repeated consume returns the existing entry.
func (s *service) Consume(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, refID string) (*ledger.ApplyResult, error) {
	return s.settle(ctx, accountID, kind, refID, enums.LedgerReasonConsume)
}

// Release returns the held unit. A repeated release returns the existing entry.
func (s *service) Release(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, refID string) (*ledger.ApplyResult, error) {
	return s.settle(ctx, accountID, kind, refID, enums.LedgerReasonRelease)
}

func (s *service) State(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, refID string) (State, error) {
	l := s.ledger
	if s.bound != nil {
		l = l.WithTx(s.bound)
	}
	return loadState(ctx, l, accountID, kind, refID)
}

func (s *service) settle(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, refID string, reason enums.LedgerReason) (*ledger.ApplyResult, error) {
	if ledger.NormalizeRefID(refID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "ref id is required")
	}
	delta := 0
	if reason == enums.LedgerReasonRelease {
		delta = 1
	}

	var result *ledger.ApplyResult
	err := s.inTx(ctx, func(l ledger.Service) error {
		// the account lock serializes settle calls for the same account
		account, err := l.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		state, err := loadState(ctx, l, accountID, kind, refID)
		if err != nil {
			return err
		}

		if existing := state.entryFor(reason); existing != nil {
			result = &ledger.ApplyResult{
				Entry:          existing,
				Applied:        false,
				QuickBalance:   account.QuickBalance,
				PremiumBalance: account.PremiumBalance,
			}
			return nil
		}
		if state.Hold == nil {
			return pkgerrors.Wrapf(pkgerrors.CodeInternal, ErrNoActiveHold, "%s without hold for %s", reason, ledger.NormalizeRefID(refID))
		}
		if reason == enums.LedgerReasonConsume && state.Release != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, ErrAlreadyReleased, "consume after release")
		}
		if reason == enums.LedgerReasonRelease && state.Consume != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, ErrAlreadyConsumed, "release after consume")
		}

		res, err := l.Apply(ctx, ledger.ApplyInput{
			AccountID:  accountID,
			TicketType: kind,
			Delta:      delta,
			Reason:     reason,
			RefID:      refID,
		})
		result = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) inTx(ctx context.Context, fn func(l ledger.Service) error) error {
	if s.bound != nil {
		return fn(s.ledger.WithTx(s.bound))
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return fn(s.ledger.WithTx(tx))
	})
}

func loadState(ctx context.Context, l ledger.Service, accountID uuid.UUID, kind enums.TicketType, refID string) (State, error) {
	entries, err := l.EntriesForRef(ctx, accountID, kind, refID)
	if err != nil {
		return State{}, fmt.Errorf("load reservation entries: %w", err)
	}
	var state State
	for i := range entries {
		entry := &entries[i]
		switch entry.Reason {
		case enums.LedgerReasonHold:
			state.Hold = entry
		case enums.LedgerReasonConsume:
			state.Consume = entry
		case enums.LedgerReasonRelease:
			state.Release = entry
		}
	}
	return state, nil
}

func (s State) entryFor(reason enums.LedgerReason) *models.LedgerEntry {
	switch reason {
	case enums.LedgerReasonConsume:
		return s.Consume
	case enums.LedgerReasonRelease:
		return s.Release
	case enums.LedgerReasonHold:
		return s.Hold
	}
	return nil
}
