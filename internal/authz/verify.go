package authz

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	jmes "github.com/jmespath/go-jmespath"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"mandates/internal/obs"
	"mandates/internal/trustpolicy"
	"mandates/internal/truststore"
)

// Verdict is the trust verifier's outcome. Verification failure is data,
// not an error: the caller persists the verdict as-is.
type Verdict struct {
	Status  VerificationStatus
	Reason  string
	Details map[string]any
}

// ap2AllowedAlgs is the signature algorithm allow-list for AP2 credentials.
var ap2AllowedAlgs = []jwa.SignatureAlgorithm{jwa.RS256, jwa.ES256, jwa.EdDSA}

type Verifier struct {
	trust   *truststore.Store
	policy  *trustpolicy.Engine
	skew    time.Duration
	timeout time.Duration
	log     *zap.SugaredLogger
	clock   func() time.Time
}

func NewVerifier(trust *truststore.Store, policy *trustpolicy.Engine, skew, timeout time.Duration, log *zap.SugaredLogger) *Verifier {
	return &Verifier{trust: trust, policy: policy, skew: skew, timeout: timeout, log: log, clock: time.Now}
}

// WithClock overrides the verifier's time source (tests).
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify resolves the issuer's key material and checks the credential's
// authenticity. It always returns a verdict; truststore outages and unknown
// issuers fail closed with a machine-readable reason.
func (v *Verifier) Verify(ctx context.Context, a *Authorization) Verdict {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	verdict := v.verify(ctx, a)
	obs.ObserveVerification(string(a.Protocol), string(verdict.Status))
	return verdict
}

func (v *Verifier) verify(ctx context.Context, a *Authorization) Verdict {
	km, err := v.trust.Resolve(ctx, a.Issuer, string(a.Protocol))
	if err != nil {
		if errors.Is(err, truststore.ErrNotFound) {
			return failed("unknown_issuer", nil)
		}
		v.log.Warnw("truststore resolve failed", "issuer", a.Issuer, "err", err)
		return failed("truststore_unreachable", map[string]any{"error": err.Error()})
	}

	var verdict Verdict
	switch a.Protocol {
	case ProtocolAP2:
		verdict = v.verifyAP2(a, km)
	case ProtocolACP:
		verdict = v.verifyACP(a, km)
	default:
		return failed("unsupported_protocol", nil)
	}
	if verdict.Status != VerificationVerified {
		return verdict
	}

	if km.PolicyModule != "" {
		allow, reasons := v.policy.Decide(ctx, km.PolicyModule, policyInput(a))
		if !allow {
			details := map[string]any{}
			if len(reasons) > 0 {
				details["policy_reasons"] = reasons
			}
			return failed("policy_denied", details)
		}
	}
	if len(km.DetailPaths) > 0 {
		verdict.Details = mergeDetails(verdict.Details, extractDetails(a, km.DetailPaths))
	}
	return verdict
}

func (v *Verifier) verifyAP2(a *Authorization, km truststore.KeyMaterial) Verdict {
	var raw string
	if err := json.Unmarshal(a.RawPayload, &raw); err != nil || raw == "" {
		return failed("malformed_token", nil)
	}
	if km.Keys == nil {
		return failed("no_signing_keys", nil)
	}

	msg, err := jws.Parse([]byte(raw))
	if err != nil || len(msg.Signatures()) == 0 {
		return failed("malformed_token", nil)
	}
	alg := msg.Signatures()[0].ProtectedHeaders().Algorithm()
	allowed := false
	for _, aa := range ap2AllowedAlgs {
		if alg == aa {
			allowed = true
			break
		}
	}
	if !allowed {
		return failed("alg_not_allowed", map[string]any{"alg": alg.String()})
	}

	_, err = jwt.Parse([]byte(raw),
		jwt.WithKeySet(km.Keys, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.skew),
		jwt.WithClock(jwt.ClockFunc(v.clock)),
	)
	switch {
	case err == nil:
		return Verdict{Status: VerificationVerified, Reason: "signature_valid"}
	case errors.Is(err, jwt.ErrTokenExpired()):
		return failed("token_expired", nil)
	case errors.Is(err, jwt.ErrTokenNotYetValid()):
		return failed("token_not_yet_valid", nil)
	default:
		return failed("signature_invalid", map[string]any{"error": err.Error()})
	}
}

func (v *Verifier) verifyACP(a *Authorization, km truststore.KeyMaterial) Verdict {
	var token map[string]any
	if err := json.Unmarshal(a.RawPayload, &token); err != nil {
		return failed("malformed_token", nil)
	}
	sig, _ := token["signature"].(string)
	if sig != "" && km.SharedSecret != "" {
		delete(token, "signature")
		canonical, err := json.Marshal(token)
		if err != nil {
			return failed("malformed_token", nil)
		}
		mac := hmac.New(sha256.New, []byte(km.SharedSecret))
		mac.Write(canonical)
		want := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(want), []byte(sig)) {
			return failed("signature_invalid", nil)
		}
		return Verdict{Status: VerificationVerified, Reason: "signature_valid"}
	}
	if km.Trusted {
		return Verdict{Status: VerificationVerified, Reason: "trusted_psp"}
	}
	return failed("issuer_not_trusted", nil)
}

func failed(reason string, details map[string]any) Verdict {
	return Verdict{Status: VerificationFailed, Reason: reason, Details: details}
}

// extractDetails applies anchor-configured jmespath expressions to the
// credential and the normalized fields, producing verification_details.
func extractDetails(a *Authorization, paths map[string]string) map[string]any {
	doc := map[string]any{
		"credential": credentialDoc(a),
		"authorization": map[string]any{
			"issuer":   a.Issuer,
			"subject":  a.Subject,
			"protocol": string(a.Protocol),
			"amount":   a.AmountLimit.Decimal(),
			"currency": a.AmountLimit.Currency,
			"scope":    a.Scope,
		},
	}
	out := map[string]any{}
	for name, path := range paths {
		val, err := jmes.Search(path, doc)
		if err != nil || val == nil {
			continue
		}
		out[name] = val
	}
	return out
}

func credentialDoc(a *Authorization) map[string]any {
	switch a.Protocol {
	case ProtocolACP:
		var m map[string]any
		_ = json.Unmarshal(a.RawPayload, &m)
		return m
	case ProtocolAP2:
		var raw string
		if err := json.Unmarshal(a.RawPayload, &raw); err != nil {
			return nil
		}
		tok, err := jwt.Parse([]byte(raw), jwt.WithVerify(false), jwt.WithValidate(false))
		if err != nil {
			return nil
		}
		return tok.PrivateClaims()
	default:
		return nil
	}
}

func policyInput(a *Authorization) map[string]any {
	return map[string]any{
		"issuer":     a.Issuer,
		"subject":    a.Subject,
		"protocol":   string(a.Protocol),
		"amount":     a.AmountLimit.Decimal(),
		"currency":   a.AmountLimit.Currency,
		"scope":      a.Scope,
		"expires_at": a.ExpiresAt.Format(time.RFC3339),
		"credential": credentialDoc(a),
	}
}

func mergeDetails(dst, src map[string]any) map[string]any {
	if dst == nil {
		return src
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
