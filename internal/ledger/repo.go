package ledger

import (
	"context"
	"errors"

	"github.com/angelmondragon/bodyscan-backend/pkg/db/models"
	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EntryKey is the idempotency key of a ledger entry.
type EntryKey struct {
	AccountID  uuid.UUID
	TicketType enums.TicketType
	Reason     enums.LedgerReason
	RefID      string
}

// Repository manages persistence for accounts and ticket ledger entries.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	LockAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	FindAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	FindAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	CreateAccount(ctx context.Context, account *models.Account) error
	AdjustBalance(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, delta int) (bool, error)
	FindEntry(ctx context.Context, key EntryKey) (*models.LedgerEntry, error)
	FindEntriesByRef(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, refID string) ([]models.LedgerEntry, error)
	CreateEntry(ctx context.Context, entry *models.LedgerEntry) error
	ListEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]models.LedgerEntry, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// LockAccount loads the account row with FOR UPDATE. sqlite ignores the
// locking clause and relies on its single writer instead.
func (r *repository) LockAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", accountID).
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) FindAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) FindAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) CreateAccount(ctx context.Context, account *models.Account) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(account).Error
}

// AdjustBalance applies delta to the kind's balance only when the result stays
// non-negative. It reports whether the row was updated.
func (r *repository) AdjustBalance(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, delta int) (bool, error) {
	column := models.BalanceColumn(kind)
	res := r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ?", accountID).
		Where(column+" + ? >= 0", delta).
		Update(column, gorm.Expr(column+" + ?", delta))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindEntry returns nil without error when no entry matches the key.
func (r *repository) FindEntry(ctx context.Context, key EntryKey) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND ticket_type = ? AND reason = ? AND ref_id = ?",
			key.AccountID, key.TicketType, key.Reason, key.RefID).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repository) FindEntriesByRef(ctx context.Context, accountID uuid.UUID, kind enums.TicketType, refID string) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	if err := r.db.WithContext(ctx).
		Where("account_id = ? AND ticket_type = ? AND ref_id = ?", accountID, kind, refID).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) CreateEntry(ctx context.Context, entry *models.LedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) ListEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	if err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
