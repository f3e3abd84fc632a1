package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

// DefaultQuery is evaluated when RegoConfig.Query is empty.
const DefaultQuery = "data.admission.priority"

const defaultModuleName = "admission.rego"

// RegoConfig configures a policy-driven scheduler.
type RegoConfig struct {
	Config
	// Module is the Rego source. It must define the rule named by Query.
	Module string
	// ModuleName is used in parse errors. Defaults to "admission.rego".
	ModuleName string
	// Query is the decision path, e.g. "data.admission.priority".
	Query string
	// Logger receives evaluation failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// RegoScheduler computes priorities with an OPA policy. The policy input is
//
//	{"resource": ..., "domains": [...], "focus": ..., "min_priority": N, "max_priority": N}
//
// and the query must produce a number. Results are clamped into range.
// Undefined, non-numeric or failed evaluations fall back to the minimum.
type RegoScheduler struct {
	rules  *Scheduler
	query  rego.PreparedEvalQuery
	logger *slog.Logger
}

// NewRego parses and prepares the policy module.
func NewRego(ctx context.Context, cfg RegoConfig, focus FocusSource) (*RegoScheduler, error) {
	rules, err := New(cfg.Config, focus)
	if err != nil {
		return nil, err
	}

	src := strings.TrimSpace(cfg.Module)
	if src == "" {
		return nil, errors.New("rego scheduler requires a policy module")
	}
	name := cfg.ModuleName
	if name == "" {
		name = defaultModuleName
	}
	query := strings.TrimSpace(cfg.Query)
	if query == "" {
		query = DefaultQuery
	}

	module, err := ast.ParseModuleWithOpts(name, src, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("parse rego module %q: %w", name, err)
	}

	prepared, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego query %q: %w", query, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RegoScheduler{rules: rules, query: prepared, logger: logger}, nil
}

// PriorityFor implements Prioritizer.
func (r *RegoScheduler) PriorityFor(ctx context.Context, resourceID string) int {
	domains := r.rules.Domains(resourceID)
	domainList := make([]any, len(domains))
	for i, d := range domains {
		domainList[i] = d
	}

	input := map[string]any{
		"resource":     resourceID,
		"domains":      domainList,
		"focus":        r.rules.currentFocus(),
		"min_priority": r.rules.min,
		"max_priority": r.rules.max,
	}

	results, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		r.logger.Warn("Priority policy evaluation failed", "resource", resourceID, "error", err)
		return r.rules.min
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		r.logger.Debug("Priority policy undefined", "resource", resourceID)
		return r.rules.min
	}

	value, ok := toFloat(results[0].Expressions[0].Value)
	if !ok {
		r.logger.Warn("Priority policy returned a non-numeric value",
			"resource", resourceID,
			"value", fmt.Sprint(results[0].Expressions[0].Value))
		return r.rules.min
	}
	return r.rules.clamp(value)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
