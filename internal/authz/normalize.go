package authz

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Normalize parses a protocol credential into an unpersisted Authorization
// draft. It is the single exhaustive match point over the Credential union.
// Signatures are NOT checked here; that is the verifier's job.
func Normalize(cred Credential, tenantID string) (*Authorization, error) {
	switch c := cred.(type) {
	case AP2Credential:
		return normalizeAP2(c, tenantID)
	case ACPCredential:
		return normalizeACP(c, tenantID)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedProtocol, cred)
	}
}

func normalizeAP2(c AP2Credential, tenantID string) (*Authorization, error) {
	raw := strings.TrimSpace(c.Token)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformedCredential)
	}
	tok, err := jwt.Parse([]byte(raw), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	issuer := stringClaim(tok, "issuer_did")
	subject := stringClaim(tok, "subject_did")
	if issuer == "" || subject == "" {
		return nil, fmt.Errorf("%w: issuer_did and subject_did are required", ErrMalformedCredential)
	}

	// Combined "amount currency" string, e.g. "5000.00 USD". The typed pair
	// never carries the combined form past this point.
	limit := Money{}
	if s := stringClaim(tok, "amount_limit"); s != "" {
		limit, err = ParseCombinedAmount(s)
		if err != nil {
			return nil, err
		}
	}

	expires := tok.Expiration()
	if expires.IsZero() {
		return nil, fmt.Errorf("%w: expiration is required", ErrMalformedCredential)
	}

	scope := map[string]any{}
	if s := stringClaim(tok, "scope"); s != "" {
		// wrapped for forward compatibility with structured scopes
		scope["scope"] = s
	}

	rawJSON, _ := json.Marshal(raw)
	return &Authorization{
		TenantID:           tenantID,
		Protocol:           ProtocolAP2,
		Issuer:             issuer,
		Subject:            subject,
		Scope:              scope,
		AmountLimit:        limit,
		ExpiresAt:          expires.UTC(),
		RawPayload:         rawJSON,
		VerificationStatus: VerificationPending,
	}, nil
}

type acpToken struct {
	PSPID       string         `json:"psp_id"`
	MerchantID  string         `json:"merchant_id"`
	MaxAmount   string         `json:"max_amount"`
	Currency    string         `json:"currency"`
	Constraints map[string]any `json:"constraints"`
	ExpiresAt   string         `json:"expires_at"`
	Signature   string         `json:"signature"`
}

func normalizeACP(c ACPCredential, tenantID string) (*Authorization, error) {
	if len(c.Token) == 0 {
		return nil, fmt.Errorf("%w: empty token", ErrMalformedCredential)
	}
	var t acpToken
	if err := json.Unmarshal(c.Token, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	if t.PSPID == "" || t.MerchantID == "" {
		return nil, fmt.Errorf("%w: psp_id and merchant_id are required", ErrMalformedCredential)
	}
	if t.Currency == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrMalformedCredential)
	}
	amount, err := ParseDecimal(t.MaxAmount)
	if err != nil {
		return nil, err
	}
	if t.ExpiresAt == "" {
		return nil, fmt.Errorf("%w: expires_at is required", ErrMalformedCredential)
	}
	expires, err := time.Parse(time.RFC3339, t.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad expires_at: %v", ErrMalformedCredential, err)
	}

	scope := t.Constraints
	if scope == nil {
		scope = map[string]any{}
	}
	return &Authorization{
		TenantID:           tenantID,
		Protocol:           ProtocolACP,
		Issuer:             t.PSPID,
		Subject:            t.MerchantID,
		Scope:              scope,
		AmountLimit:        Money{Currency: strings.ToUpper(t.Currency), Amount: amount},
		ExpiresAt:          expires.UTC(),
		RawPayload:         append(json.RawMessage(nil), c.Token...),
		VerificationStatus: VerificationPending,
	}, nil
}

func stringClaim(tok jwt.Token, name string) string {
	if v, ok := tok.Get(name); ok {
		if s, _ := v.(string); s != "" {
			return s
		}
	}
	return ""
}
