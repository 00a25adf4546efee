// Package trustpolicy evaluates optional per-issuer Rego policies against a
// normalized authorization. Absent policy means allow; a policy error means
// deny (verification fails closed).
package trustpolicy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

type Engine struct {
	log *zap.SugaredLogger
}

func New(log *zap.SugaredLogger) *Engine {
	return &Engine{log: log}
}

// Decide evaluates the rego entrypoint `data.trust.decide` with the given
// input. The policy may return a bare boolean or an object
// {"allow": bool, "reasons": [...]}.
func (e *Engine) Decide(ctx context.Context, module string, input map[string]any) (bool, []string) {
	if module == "" {
		return true, nil
	}
	r := rego.New(
		rego.Query("data.trust.decide"),
		rego.Module("trust.rego", module),
		rego.Input(input),
	)
	rs, err := r.Eval(ctx)
	if err != nil || len(rs) == 0 || len(rs[0].Expressions) == 0 {
		if err != nil {
			e.log.Warnw("trust policy eval failed", "err", err)
		}
		return false, []string{"policy_error"}
	}
	out := rs[0].Expressions[0].Value
	switch v := out.(type) {
	case bool:
		return v, nil
	case map[string]any:
		allow, _ := v["allow"].(bool)
		var reasons []string
		if rr, ok := v["reasons"].([]any); ok {
			for _, it := range rr {
				reasons = append(reasons, fmt.Sprintf("%v", it))
			}
		}
		return allow, reasons
	default:
		return false, []string{"policy_error"}
	}
}
