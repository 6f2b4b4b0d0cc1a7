// Package policy implements the deterministic rule matcher and decision
// arbitration at the center of Guardian: given an intent and a rule set
// (plus an optional LLM risk signal), produce a decision and an
// explanatory payload.
package policy

import (
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/guardian-supervisor/guardian/internal/intent"
)

// Engine evaluates rule sets against intents. It holds no mutable state —
// Decide is a pure function of its arguments, safe to call concurrently.
type Engine struct {
	logger *slog.Logger
	expr   *ExprEvaluator // optional CEL extension, nil if unavailable
}

// NewEngine creates an Engine. exprEval may be nil to disable the optional
// CEL `expr` clause entirely (rules then rely on match/conditions only).
func NewEngine(logger *slog.Logger, exprEval *ExprEvaluator) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger: logger.With("component", "policy.Engine"),
		expr:   exprEval,
	}
}

// ScorerResult is the optional LLM risk signal threaded into Decide.
type ScorerResult struct {
	Score   float64
	Reasons []string
	Rewrite map[string]any
}

// Decide is the pure core: given an intent, a rule set, and an optional
// scorer result, produce a decision and its explanatory payload. Same
// inputs always produce the same outputs.
func (e *Engine) Decide(i *intent.Intent, rules []Rule, scored *ScorerResult) Decision {
	tree := i.Tree()

	sorted := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].Priority > sorted[b].Priority
	})

	var hits []Hit
	var policyHits []string
	for _, r := range sorted {
		if e.matches(r, tree) {
			hits = append(hits, Hit{PolicyID: r.PolicyID, Effect: r.Effect, RiskBoost: r.RiskBoost, Message: r.Message})
			policyHits = append(policyHits, r.PolicyID)
		}
	}

	baseScore := 0.0
	var reasons []string
	for _, h := range hits {
		baseScore += h.RiskBoost
		if h.Message != "" {
			reasons = append(reasons, h.Message)
		}
	}

	score := baseScore
	var llmRewrite map[string]any
	if scored != nil {
		if scored.Score > score {
			score = scored.Score
		}
		reasons = append(reasons, scored.Reasons...)
		llmRewrite = scored.Rewrite
	}

	rank := effectRank(EffectAllow)
	for _, h := range hits {
		if r := effectRank(h.Effect); r > rank {
			rank = r
		}
	}

	switch {
	case score > 0.85:
		if effectRank(EffectBlock) > rank {
			rank = effectRank(EffectBlock)
		}
	case score > 0.60:
		if effectRank(EffectRequireApproval) > rank {
			rank = effectRank(EffectRequireApproval)
		}
	case score > 0.30 && llmRewrite != nil:
		if effectRank(EffectRewrite) > rank {
			rank = effectRank(EffectRewrite)
		}
	}

	decision := rankToEffect(rank)

	var rewrite map[string]any
	if decision == EffectRewrite {
		rewrite = llmRewrite
	}

	if len(reasons) > 10 {
		reasons = reasons[:10]
	}

	return Decision{
		Decision:   decision,
		Risk:       Risk{Score: round4(score), Severity: severityFor(score), Reasons: reasons},
		PolicyHits: policyHits,
		Rewrite:    rewrite,
		Approval:   Approval{Required: decision == EffectRequireApproval},
	}
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

// matches evaluates a single rule's match map, conditions, and optional
// expr clause against the intent tree. All clauses must hold.
func (e *Engine) matches(r Rule, tree map[string]interface{}) bool {
	for path, expected := range r.Match {
		resolved := intent.Resolve(tree, path)
		if !matchValue(resolved, expected) {
			return false
		}
	}

	for _, cond := range r.Conditions {
		for field, list := range cond.NotInAllowlist {
			v := resolveField(tree, field)
			if inList(v, list) {
				return false
			}
		}
		for field, list := range cond.InAllowlist {
			v := resolveField(tree, field)
			if !inList(v, list) {
				return false
			}
		}
	}

	if r.Expr != "" {
		if e.expr == nil {
			e.logger.Warn("rule has expr clause but no CEL evaluator configured", "policy_id", r.PolicyID)
			return false
		}
		ok, err := e.expr.Eval(r.Expr, tree)
		if err != nil {
			e.logger.Warn("expr evaluation failed", "policy_id", r.PolicyID, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}

	return true
}

// resolveField resolves a dotted path, recomputing action.target_domain
// from action.target if it wasn't already present in the tree.
func resolveField(tree map[string]interface{}, field string) interface{} {
	v := intent.Resolve(tree, field)
	if v == nil && field == "action.target_domain" {
		target, _ := intent.Resolve(tree, "action.target").(string)
		if target != "" {
			return intent.ResolveTargetDomain(target)
		}
	}
	return v
}

func inList(v interface{}, list []string) bool {
	s, ok := asString(v)
	if !ok {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}

func asString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	default:
		return "", false
	}
}

// matchValue implements the Step 2 match semantics: if expected is a
// list, membership (resolved scalar in expected, or any element of a
// resolved list in expected, case-insensitive); otherwise equality.
func matchValue(resolved interface{}, expected interface{}) bool {
	expList, isList := expected.([]interface{})
	if !isList {
		return valuesEqual(resolved, expected)
	}

	expStrs := make([]string, 0, len(expList))
	for _, e := range expList {
		if s, ok := asString(e); ok {
			expStrs = append(expStrs, s)
		}
	}

	if resList, ok := resolved.([]interface{}); ok {
		for _, r := range resList {
			if inList(r, expStrs) {
				return true
			}
		}
		return false
	}

	return inList(resolved, expStrs)
}

func valuesEqual(a, b interface{}) bool {
	as, aok := asString(a)
	bs, bok := asString(b)
	if aok && bok {
		return as == bs
	}
	return a == b
}
