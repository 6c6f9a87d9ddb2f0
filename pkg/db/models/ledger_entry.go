package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
)

const LedgerIdempotencyIndex = "ux_ticket_ledger_idempotency"

// LedgerEntry is an append-only ticket movement. The composite unique index is
// the idempotency key for every ledger operation.
type LedgerEntry struct {
	ID         int64              `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID  uuid.UUID          `gorm:"column:account_id;type:uuid;not null;uniqueIndex:ux_ticket_ledger_idempotency,priority:1"`
	TicketType enums.TicketType   `gorm:"column:ticket_type;type:ticket_type_enum;not null;uniqueIndex:ux_ticket_ledger_idempotency,priority:2"`
	Reason     enums.LedgerReason `gorm:"column:reason;type:ticket_ledger_reason_enum;not null;uniqueIndex:ux_ticket_ledger_idempotency,priority:3"`
	Delta      int                `gorm:"column:delta;not null"`
	RefID      string             `gorm:"column:ref_id;type:text;not null;uniqueIndex:ux_ticket_ledger_idempotency,priority:4"`
	CreatedAt  time.Time          `gorm:"column:created_at;autoCreateTime"`
}

func (LedgerEntry) TableName() string { return "ticket_ledger" }
