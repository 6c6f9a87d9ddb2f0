package enums

import (
	"fmt"
	"strings"
)

// TicketType maps to the ticket_type_enum enum in Postgres.
type TicketType string

const (
	TicketTypeQuick   TicketType = "QUICK"
	TicketTypePremium TicketType = "PREMIUM"
)

var validTicketTypes = []TicketType{
	TicketTypeQuick,
	TicketTypePremium,
}

// IsValid reports whether the value matches the canonical ticket type enum.
func (t TicketType) IsValid() bool {
	for _, candidate := range validTicketTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseTicketType converts raw input into TicketType. Matching ignores case.
func ParseTicketType(value string) (TicketType, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	for _, candidate := range validTicketTypes {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ticket type %q", value)
}
