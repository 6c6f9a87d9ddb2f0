package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ShareTokenType marks tokens that grant read access to a single analyze result.
const ShareTokenType = "analyze_share"

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	AccountID uuid.UUID
	Email     string
	JTI       string
}

// AccessTokenClaims represents the typed JWT presented by clients.
type AccessTokenClaims struct {
	AccountID uuid.UUID `json:"account_id"`
	Email     string    `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// ShareTokenClaims scope a token to one job of one account.
type ShareTokenClaims struct {
	Type      string    `json:"typ"`
	JobID     string    `json:"job_id"`
	AccountID uuid.UUID `json:"account_id"`
	jwt.RegisteredClaims
}
