package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
)

const (
	DefaultQuickBalance   = 1
	DefaultPremiumBalance = 0

	AccountEmailIndex = "ux_accounts_email"
)

// Account holds per-identity ticket balances. Rows change only through the ledger.
type Account struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Email          *string   `gorm:"column:email;type:text;uniqueIndex:ux_accounts_email"`
	QuickBalance   int       `gorm:"column:quick_balance;not null;check:chk_accounts_quick_balance,quick_balance >= 0"`
	PremiumBalance int       `gorm:"column:premium_balance;not null;check:chk_accounts_premium_balance,premium_balance >= 0"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Account) TableName() string { return "accounts" }

// Balance returns the balance for the given ticket kind.
func (a Account) Balance(kind enums.TicketType) int {
	if kind == enums.TicketTypePremium {
		return a.PremiumBalance
	}
	return a.QuickBalance
}

// BalanceColumn returns the column storing the given ticket kind.
func BalanceColumn(kind enums.TicketType) string {
	if kind == enums.TicketTypePremium {
		return "premium_balance"
	}
	return "quick_balance"
}
