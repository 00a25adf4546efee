package authz

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Protocol tags the credential format an authorization was issued under.
// The set is closed: adding a protocol means adding a Credential variant
// and one case in Normalize.
type Protocol string

const (
	ProtocolAP2 Protocol = "AP2" // JWT-encoded verifiable credential
	ProtocolACP Protocol = "ACP" // structured JSON authorization token
)

// Status is the lifecycle state. ACTIVE is the live state (AP2 calls it
// VALID; same state). REVOKED is terminal.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
	StatusRevoked Status = "REVOKED"
)

// VerificationStatus is the trust verifier's verdict, independent of Status.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "PENDING"
	VerificationVerified VerificationStatus = "VERIFIED"
	VerificationFailed   VerificationStatus = "FAILED"
)

// Credential is the closed union of protocol payload shapes.
type Credential interface {
	Protocol() Protocol
}

// AP2Credential carries the compact JWT exactly as presented.
type AP2Credential struct {
	Token string
}

func (AP2Credential) Protocol() Protocol { return ProtocolAP2 }

// ACPCredential carries the raw JSON authorization token.
type ACPCredential struct {
	Token json.RawMessage
}

func (ACPCredential) Protocol() Protocol { return ProtocolACP }

// Money is an amount limit in minor units (two-decimal scale). No floats.
type Money struct {
	Currency string `json:"currency,omitempty"`
	Amount   int64  `json:"amount"`
}

// Decimal renders the amount with two decimal places ("5000.00").
func (m Money) Decimal() string {
	return fmt.Sprintf("%d.%02d", m.Amount/100, m.Amount%100)
}

func (m Money) String() string {
	if m.Currency == "" {
		return m.Decimal()
	}
	return m.Decimal() + " " + m.Currency
}

// ParseDecimal parses a locale-invariant non-negative decimal string with
// "." separator and at most two fraction digits into minor units.
func ParseDecimal(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty amount", ErrMalformedCredential)
	}
	intPart := s
	fracPart := ""
	if i := strings.Index(s, "."); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
		if fracPart == "" {
			return 0, fmt.Errorf("%w: invalid amount %q", ErrMalformedCredential, s)
		}
	}
	if intPart == "" || len(fracPart) > 2 {
		return 0, fmt.Errorf("%w: invalid amount %q", ErrMalformedCredential, s)
	}
	var units int64
	for _, r := range intPart {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: invalid amount %q", ErrMalformedCredential, s)
		}
		units = units*10 + int64(r-'0')
	}
	units *= 100
	scale := int64(10)
	for _, r := range fracPart {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: invalid amount %q", ErrMalformedCredential, s)
		}
		units += int64(r-'0') * scale
		scale /= 10
	}
	return units, nil
}

// ParseCombinedAmount splits a combined "amount currency" string such as
// "5000.00 USD": digits and "." form the amount, letters form the currency.
func ParseCombinedAmount(s string) (Money, error) {
	num := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, s)
	cur := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return r
		}
		return -1
	}, s)
	amount, err := ParseDecimal(num)
	if err != nil {
		return Money{}, err
	}
	cur = strings.ToUpper(cur)
	if cur != "" && len(cur) != 3 {
		return Money{}, fmt.Errorf("%w: invalid currency in %q", ErrMalformedCredential, s)
	}
	return Money{Currency: cur, Amount: amount}, nil
}

// Authorization is the canonical delegated-authority record, protocol
// agnostic after normalization. raw_payload keeps the original credential
// verbatim for evidence.
type Authorization struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Protocol Protocol `json:"protocol"`

	Issuer      string          `json:"issuer"`
	Subject     string          `json:"subject"`
	Scope       map[string]any  `json:"scope"`
	AmountLimit Money           `json:"amount_limit"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Status      Status          `json:"status"`
	RawPayload  json.RawMessage `json:"raw_payload"`

	VerificationStatus  VerificationStatus `json:"verification_status"`
	VerificationReason  string             `json:"verification_reason,omitempty"`
	VerificationDetails map[string]any     `json:"verification_details,omitempty"`
	VerifiedAt          *time.Time         `json:"verified_at,omitempty"`

	RetentionDays int        `json:"retention_days"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`

	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}

// Terminal reports whether no further status transitions are accepted.
func (a *Authorization) Terminal() bool { return a.Status == StatusRevoked }
