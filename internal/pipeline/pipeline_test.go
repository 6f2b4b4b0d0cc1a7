package pipeline

import (
	"context"
	"testing"

	"github.com/guardian-supervisor/guardian/internal/alert"
	"github.com/guardian-supervisor/guardian/internal/approval"
	"github.com/guardian-supervisor/guardian/internal/intent"
	"github.com/guardian-supervisor/guardian/internal/policy"
	"github.com/guardian-supervisor/guardian/internal/scorer"
	"github.com/guardian-supervisor/guardian/internal/storage"
)

type fakeAlerter struct {
	alerts []alert.Alert
}

func (f *fakeAlerter) Send(a alert.Alert) {
	f.alerts = append(f.alerts, a)
}

type fakePolicyBackend struct {
	rules []policy.Rule
}

func (f fakePolicyBackend) ListEnabledPolicies(ctx context.Context) ([]policy.Rule, error) {
	return f.rules, nil
}

type fakeRecorder struct {
	calls []storage.DecisionRow
}

func (f *fakeRecorder) RecordEvaluation(ctx context.Context, action storage.ActionRow, decision storage.DecisionRow, approvalRow *approval.Approval) error {
	f.calls = append(f.calls, decision)
	return nil
}

func blockSecretRule() policy.Rule {
	return policy.Rule{
		PolicyID:  "block_secrets_anywhere",
		Enabled:   true,
		Priority:  100,
		Match:     map[string]interface{}{"context.data_classification": []interface{}{"SECRET"}},
		Effect:    policy.EffectBlock,
		RiskBoost: 1.0,
		Message:   "secrets must never leave the workspace",
	}
}

func newTestPipeline(t *testing.T, rules []policy.Rule, sc scorer.Scorer, rec Recorder) *Pipeline {
	t.Helper()
	store := policy.NewStore(fakePolicyBackend{rules: rules}, nil, nil, nil)
	engine := policy.NewEngine(nil, nil)
	return New(store, engine, sc, nil, rec, nil)
}

func TestPipeline_BlocksOnSecretWithoutPersisting(t *testing.T) {
	p := newTestPipeline(t, []policy.Rule{blockSecretRule()}, scorer.Disabled{}, nil)

	i := &intent.Intent{
		EventID: "evt-1",
		Action:  intent.Action{Type: "fs.write", Args: map[string]interface{}{"body": "api_key: sk-abcdef0123456789"}},
	}

	result, err := p.Evaluate(context.Background(), i, Options{Persist: false})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Decision.Decision != policy.EffectBlock {
		t.Fatalf("expected BLOCK, got %s", result.Decision.Decision)
	}
}

func TestPipeline_PersistsWhenRequested(t *testing.T) {
	rec := &fakeRecorder{}
	p := newTestPipeline(t, []policy.Rule{blockSecretRule()}, scorer.Disabled{}, rec)

	i := &intent.Intent{
		EventID: "evt-2",
		Action:  intent.Action{Type: "fs.write", Args: map[string]interface{}{"body": "token: tok_abcdefgh12345678"}},
	}

	_, err := p.Evaluate(context.Background(), i, Options{Persist: true})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("expected exactly one recorded evaluation, got %d", len(rec.calls))
	}
	if rec.calls[0].Decision != string(policy.EffectBlock) {
		t.Fatalf("expected recorded decision BLOCK, got %s", rec.calls[0].Decision)
	}
}

func TestPipeline_AllowsCleanIntent(t *testing.T) {
	p := newTestPipeline(t, []policy.Rule{blockSecretRule()}, scorer.Disabled{}, nil)

	i := &intent.Intent{
		EventID: "evt-3",
		Action:  intent.Action{Type: "http.request", Target: "https://example.com"},
	}

	result, err := p.Evaluate(context.Background(), i, Options{Persist: false})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Decision.Decision != policy.EffectAllow {
		t.Fatalf("expected ALLOW, got %s", result.Decision.Decision)
	}
	if i.Action.TargetDomain != "example.com" {
		t.Fatalf("expected target_domain populated by Normalize, got %q", i.Action.TargetDomain)
	}
}

func TestPipeline_AlertsOnBlock(t *testing.T) {
	store := policy.NewStore(fakePolicyBackend{rules: []policy.Rule{blockSecretRule()}}, nil, nil, nil)
	engine := policy.NewEngine(nil, nil)
	alerter := &fakeAlerter{}
	p := New(store, engine, scorer.Disabled{}, alerter, nil, nil)

	i := &intent.Intent{
		EventID: "evt-5",
		Action:  intent.Action{Type: "fs.write", Args: map[string]interface{}{"body": "api_key: sk-abcdef0123456789"}},
	}

	if _, err := p.Evaluate(context.Background(), i, Options{Persist: false}); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(alerter.alerts) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(alerter.alerts))
	}
	if alerter.alerts[0].Type != "decision_blocked" {
		t.Fatalf("expected alert type decision_blocked, got %s", alerter.alerts[0].Type)
	}
}

func TestPipeline_NoAlertOnAllow(t *testing.T) {
	store := policy.NewStore(fakePolicyBackend{rules: []policy.Rule{blockSecretRule()}}, nil, nil, nil)
	engine := policy.NewEngine(nil, nil)
	alerter := &fakeAlerter{}
	p := New(store, engine, scorer.Disabled{}, alerter, nil, nil)

	i := &intent.Intent{
		EventID: "evt-6",
		Action:  intent.Action{Type: "http.request", Target: "https://example.com"},
	}

	if _, err := p.Evaluate(context.Background(), i, Options{Persist: false}); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(alerter.alerts) != 0 {
		t.Fatalf("expected no alerts for an allowed intent, got %d", len(alerter.alerts))
	}
}

func TestPipeline_SetsApprovalRequestIDWhenRequired(t *testing.T) {
	rule := policy.Rule{
		PolicyID: "approve_pii_external",
		Enabled:  true,
		Priority: 50,
		Match:    map[string]interface{}{"context.data_classification": []interface{}{"PII"}},
		Effect:   policy.EffectRequireApproval,
	}
	p := newTestPipeline(t, []policy.Rule{rule}, scorer.Disabled{}, nil)

	i := &intent.Intent{
		EventID: "evt-4",
		Action:  intent.Action{Type: "http.request"},
		Context: intent.Context{DataClassification: []string{"PII"}},
	}

	result, err := p.Evaluate(context.Background(), i, Options{Persist: false})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Decision.Decision != policy.EffectRequireApproval {
		t.Fatalf("expected REQUIRE_APPROVAL, got %s", result.Decision.Decision)
	}
	if !result.Decision.Approval.Required || result.Decision.Approval.RequestID == nil || *result.Decision.Approval.RequestID == "" {
		t.Fatalf("expected a populated approval request_id, got %+v", result.Decision.Approval)
	}
}
