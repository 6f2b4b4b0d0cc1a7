// Package policy implements the deterministic rule matcher and decision
// arbitration at the center of Guardian: given an intent and a rule set
// (plus an optional LLM risk signal), produce a decision and an
// explanatory payload.
package policy

// Effect is the action a matched rule contributes to the final decision.
type Effect string

const (
	EffectAllow            Effect = "ALLOW"
	EffectRewrite          Effect = "REWRITE"
	EffectRequireApproval  Effect = "REQUIRE_APPROVAL"
	EffectBlock            Effect = "BLOCK"
)

// effectRank gives the restrictiveness ordering: ALLOW < REWRITE <
// REQUIRE_APPROVAL < BLOCK. Decisions only ever promote to a higher rank,
// never demote.
func effectRank(e Effect) int {
	switch e {
	case EffectBlock:
		return 3
	case EffectRequireApproval:
		return 2
	case EffectRewrite:
		return 1
	default:
		return 0
	}
}

func rankToEffect(r int) Effect {
	switch r {
	case 3:
		return EffectBlock
	case 2:
		return EffectRequireApproval
	case 1:
		return EffectRewrite
	default:
		return EffectAllow
	}
}

// Severity buckets the aggregated risk score for human consumption.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func severityFor(score float64) Severity {
	switch {
	case score >= 0.90:
		return SeverityCritical
	case score >= 0.70:
		return SeverityHigh
	case score >= 0.40:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Condition is an allowlist predicate: "not_in_allowlist" or
// "in_allowlist" over a resolved field against a list of values.
type Condition struct {
	NotInAllowlist map[string][]string `yaml:"not_in_allowlist,omitempty" json:"not_in_allowlist,omitempty"`
	InAllowlist    map[string][]string `yaml:"in_allowlist,omitempty" json:"in_allowlist,omitempty"`
}

// Rule is a matcher + effect, the engine's in-memory form of a policy
// document once loaded and allowlist-resolved.
type Rule struct {
	PolicyID   string                 `yaml:"policy_id" json:"policy_id"`
	Version    int                    `yaml:"version" json:"version"`
	Priority   int                    `yaml:"priority" json:"priority"`
	Enabled    bool                   `yaml:"enabled" json:"enabled"`
	Match      map[string]interface{} `yaml:"match" json:"match"`
	Conditions []Condition            `yaml:"conditions" json:"conditions"`
	Effect     Effect                 `yaml:"effect" json:"effect"`
	RiskBoost  float64                `yaml:"risk_boost" json:"risk_boost"`
	Message    string                 `yaml:"message" json:"message"`

	// Expr is an optional advanced clause, a CEL expression evaluated
	// against the intent as a dynamic map. When empty, a rule's hit/no-hit
	// outcome depends solely on Match/Conditions.
	Expr string `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// Hit records one rule that matched during evaluation, used for both the
// policy_hits list and score/effect aggregation.
type Hit struct {
	PolicyID  string
	Effect    Effect
	RiskBoost float64
	Message   string
}

// Risk is the aggregated risk signal attached to a Decision.
type Risk struct {
	Score    float64  `json:"score"`
	Severity Severity `json:"severity"`
	Reasons  []string `json:"reasons"`
}

// Approval is the approval-linkage portion of a Decision payload.
type Approval struct {
	Required  bool    `json:"required"`
	RequestID *string `json:"request_id"`
}

// Decision is the pure output of Decide: the arbitrated outcome plus the
// explanatory payload emitted downstream.
type Decision struct {
	Decision   Effect          `json:"decision"`
	Risk       Risk            `json:"risk"`
	PolicyHits []string        `json:"policy_hits"`
	Rewrite    map[string]any  `json:"rewrite"`
	Approval   Approval        `json:"approval"`
}
