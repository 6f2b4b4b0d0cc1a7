// Package pipeline wires the classifier, policy store, engine, scorer,
// approval registry, and storage into the single decision path both the
// HTTP API and the stream worker drive: an intent in, a Decision out.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/guardian-supervisor/guardian/internal/alert"
	"github.com/guardian-supervisor/guardian/internal/approval"
	"github.com/guardian-supervisor/guardian/internal/classify"
	"github.com/guardian-supervisor/guardian/internal/intent"
	"github.com/guardian-supervisor/guardian/internal/metrics"
	"github.com/guardian-supervisor/guardian/internal/policy"
	"github.com/guardian-supervisor/guardian/internal/scorer"
	"github.com/guardian-supervisor/guardian/internal/storage"
)

// Recorder is the persistence dependency the pipeline writes through for
// stream-sourced evaluations. The synchronous /evaluate path runs without
// one (opts.Persist = false) and never touches storage.
type Recorder interface {
	RecordEvaluation(ctx context.Context, action storage.ActionRow, decision storage.DecisionRow, approvalRow *approval.Approval) error
}

// Alerter is the notification dependency the pipeline fires through when
// a decision warrants human attention. Optional: a nil Alerter means no
// alerts are sent.
type Alerter interface {
	Send(a alert.Alert)
}

// Pipeline runs an intent through classification, policy matching, optional
// LLM risk scoring, and decision rendering.
type Pipeline struct {
	classifier *classify.Classifier
	store      *policy.Store
	engine     *policy.Engine
	scorer     scorer.Scorer
	recorder   Recorder
	alerter    Alerter
	logger     *slog.Logger
}

// New builds a Pipeline from its collaborators. alerter may be nil.
func New(store *policy.Store, engine *policy.Engine, sc scorer.Scorer, alerter Alerter, recorder Recorder, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if sc == nil {
		sc = scorer.Disabled{}
	}
	return &Pipeline{
		classifier: classify.New(),
		store:      store,
		engine:     engine,
		scorer:     sc,
		recorder:   recorder,
		alerter:    alerter,
		logger:     logger.With("component", "pipeline.Pipeline"),
	}
}

// Options controls the side effects Evaluate performs beyond the pure
// decide step.
type Options struct {
	// Persist, when true, durably records the Action, Decision, and any
	// Approval row the evaluation produced. The synchronous HTTP
	// /evaluate endpoint leaves this false; the stream worker sets it.
	Persist bool
}

// Result is everything Evaluate produces for one intent.
type Result struct {
	Decision        policy.Decision
	DecisionEventID string
}

// Evaluate runs the full decision path for i: normalize target_domain,
// classify sensitive content, load the active policy set, score with the
// LLM signal, arbitrate a Decision, and — when opts.Persist is set —
// durably record the result and open an approval row if one is required.
func (p *Pipeline) Evaluate(ctx context.Context, i *intent.Intent, opts Options) (Result, error) {
	start := time.Now()
	defer func() { metrics.PipelineDuration.Observe(time.Since(start).Seconds()) }()

	i.Normalize()
	p.classifier.Apply(i)

	rules, err := p.store.Load(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: load policies: %w", err)
	}

	scorerStart := time.Now()
	scored := p.scorer.Score(ctx, i)
	metrics.ScorerDuration.Observe(time.Since(scorerStart).Seconds())
	if scored.Score == 0 && scored.Reasons == nil && scored.Rewrite == nil {
		metrics.ScorerDegradedTotal.WithLabelValues("zero_result").Inc()
	}

	decision := p.engine.Decide(i, rules, &policy.ScorerResult{
		Score:   scored.Score,
		Reasons: scored.Reasons,
		Rewrite: scored.Rewrite,
	})
	metrics.DecisionsTotal.WithLabelValues(string(decision.Decision)).Inc()

	decisionEventID := uuid.NewString()
	if decision.Decision == policy.EffectRequireApproval {
		requestID := uuid.NewString()
		decision.Approval = policy.Approval{Required: true, RequestID: &requestID}
	}

	p.alert(i, decision)

	if opts.Persist {
		if err := p.persist(ctx, i, decisionEventID, decision); err != nil {
			return Result{}, err
		}
	}

	p.logger.Info("intent evaluated",
		"event_id", i.EventID,
		"decision", decision.Decision,
		"score", decision.Risk.Score,
		"severity", decision.Risk.Severity,
	)

	return Result{Decision: decision, DecisionEventID: decisionEventID}, nil
}

// alert notifies configured channels about decisions that need human
// attention. BLOCK and REQUIRE_APPROVAL are the only decisions that
// warrant interrupting a human; ALLOW and REWRITE are routine.
func (p *Pipeline) alert(i *intent.Intent, decision policy.Decision) {
	if p.alerter == nil {
		return
	}

	var (
		alertType string
		severity  string
		title     string
	)
	switch decision.Decision {
	case policy.EffectBlock:
		alertType, severity, title = "decision_blocked", "critical", "Action blocked"
	case policy.EffectRequireApproval:
		alertType, severity, title = "approval_required", "warning", "Action requires approval"
	default:
		return
	}

	// cause identifies what's repeating, not just who it's happening to, so
	// a second distinct policy firing in the same session isn't deduplicated
	// away by the first. Falls back to the scorer when no rule matched.
	cause := "llm_score"
	if len(decision.PolicyHits) > 0 {
		cause = decision.PolicyHits[0]
	}

	p.alerter.Send(alert.Alert{
		Type:      alertType,
		Severity:  severity,
		Title:     title,
		Message:   fmt.Sprintf("intent %s on %s (%s): %v", i.EventID, i.Action.Target, i.Action.Type, decision.Risk.Reasons),
		AgentID:   i.AgentID,
		SessionID: i.SessionID,
		Key:       i.SessionID + "|" + cause + "|" + i.Action.TargetDomain,
		Details: map[string]interface{}{
			"score":       decision.Risk.Score,
			"severity":    decision.Risk.Severity,
			"policy_hits": decision.PolicyHits,
		},
	})
}

func (p *Pipeline) persist(ctx context.Context, i *intent.Intent, decisionEventID string, decision policy.Decision) error {
	if p.recorder == nil {
		return nil
	}

	now := time.Now().UTC()
	ts := i.Timestamp
	parsedTS, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		parsedTS = now
	}

	action := storage.ActionRow{
		EventID:            i.EventID,
		TraceID:            i.TraceID,
		AgentID:            i.AgentID,
		SessionID:          i.SessionID,
		UserID:             i.UserID,
		ActionType:         i.Action.Type,
		Tool:               i.Action.Tool,
		Target:             i.Action.Target,
		TargetDomain:       i.Action.TargetDomain,
		Method:             i.Action.Method,
		Args:               jsonOf(i.Action.Args),
		ArgsHash:           storage.HashArgs(i.Action.Args),
		DataClassification: jsonOf(i.Context.DataClassification),
		Timestamp:          parsedTS,
		ReceivedAt:         now,
	}

	var rewriteRequestID string
	if decision.Approval.RequestID != nil {
		rewriteRequestID = *decision.Approval.RequestID
	}

	dec := storage.DecisionRow{
		EventID:           decisionEventID,
		IntentEventID:     i.EventID,
		Decision:          string(decision.Decision),
		Score:             decision.Risk.Score,
		Severity:          string(decision.Risk.Severity),
		PolicyHits:        jsonOf(decision.PolicyHits),
		Reasons:           jsonOf(decision.Risk.Reasons),
		Rewrite:           jsonOf(decision.Rewrite),
		ApprovalRequestID: rewriteRequestID,
		CreatedAt:         now,
	}

	var approvalRow *approval.Approval
	if decision.Approval.Required && decision.Approval.RequestID != nil {
		approvalRow = &approval.Approval{
			RequestID:       *decision.Approval.RequestID,
			IntentEventID:   i.EventID,
			DecisionEventID: decisionEventID,
			Status:          approval.StatusPending,
			CreatedAt:       now,
		}
	}

	if err := p.recorder.RecordEvaluation(ctx, action, dec, approvalRow); err != nil {
		return fmt.Errorf("pipeline: record evaluation: %w", err)
	}
	if approvalRow != nil {
		metrics.ApprovalsPendingGauge.Inc()
	}
	return nil
}

func jsonOf(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
