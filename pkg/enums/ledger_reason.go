package enums

import "fmt"

// LedgerReason maps to the ticket_ledger_reason_enum enum in Postgres.
type LedgerReason string

const (
	LedgerReasonPurchase LedgerReason = "PURCHASE"
	LedgerReasonUse      LedgerReason = "USE"
	LedgerReasonRefund   LedgerReason = "REFUND"
	LedgerReasonHold     LedgerReason = "HOLD"
	LedgerReasonConsume  LedgerReason = "CONSUME"
	LedgerReasonRelease  LedgerReason = "RELEASE"
)

var validLedgerReasons = []LedgerReason{
	LedgerReasonPurchase,
	LedgerReasonUse,
	LedgerReasonRefund,
	LedgerReasonHold,
	LedgerReasonConsume,
	LedgerReasonRelease,
}

// IsValid reports whether the value matches the canonical ledger reason enum.
func (r LedgerReason) IsValid() bool {
	for _, candidate := range validLedgerReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseLedgerReason converts raw input into LedgerReason.
func ParseLedgerReason(value string) (LedgerReason, error) {
	for _, candidate := range validLedgerReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger reason %q", value)
}
