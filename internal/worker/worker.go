// Package worker runs the stream-consuming side of Guardian: a single
// cooperative loop per process that reads intents off a consumer group,
// evaluates them through the pipeline, and emits decisions downstream.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guardian-supervisor/guardian/internal/intent"
	"github.com/guardian-supervisor/guardian/internal/metrics"
	"github.com/guardian-supervisor/guardian/internal/pipeline"
	"github.com/guardian-supervisor/guardian/internal/stream"
)

// readCount bounds how many undelivered-or-pending messages are pulled
// per ReadGroup call.
const readCount = 10

// Config names the streams and consumer-group identity a Worker binds
// to.
type Config struct {
	IntentStream   string
	DecisionStream string
	Group          string
	Consumer       string
}

// Worker consumes intents off the intent stream under a consumer group and
// runs each through the pipeline, acking on success.
type Worker struct {
	broker   stream.Broker
	pipeline *pipeline.Pipeline
	cfg      Config
	logger   *slog.Logger
	done     chan struct{}
}

// New builds a Worker bound to broker and pipe, reading/writing the
// streams named in cfg.
func New(broker stream.Broker, pipe *pipeline.Pipeline, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		broker:   broker,
		pipeline: pipe,
		cfg:      cfg,
		logger:   logger.With("component", "worker.Worker"),
		done:     make(chan struct{}),
	}
}

// Run bootstraps the consumer group and loops reading/processing
// messages until ctx is canceled. It does not cancel in-flight work on
// shutdown: it finishes the current batch, acks what it completed, and
// returns.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.broker.EnsureGroup(ctx, w.cfg.IntentStream, w.cfg.Group); err != nil {
		return fmt.Errorf("worker: ensure group: %w", err)
	}
	w.logger.Info("worker started", "stream", w.cfg.IntentStream, "group", w.cfg.Group, "consumer", w.cfg.Consumer)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			close(w.done)
			return nil
		default:
		}

		messages, err := w.broker.ReadGroup(ctx, w.cfg.IntentStream, w.cfg.Group, w.cfg.Consumer, readCount)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				close(w.done)
				return nil
			}
			w.logger.Error("read group failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, msg)
		}
	}
}

// Done reports once Run has returned, for tests/shutdown orchestration.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) handle(ctx context.Context, msg stream.Message) {
	raw, ok := msg.Fields["json"]
	if !ok {
		w.logger.Warn("message missing json field, acking and discarding", "id", msg.ID)
		metrics.MessagesProcessedTotal.WithLabelValues("discarded").Inc()
		w.ack(ctx, msg.ID)
		return
	}

	payload, ok := raw.(string)
	if !ok {
		w.logger.Warn("message json field not a string, acking and discarding", "id", msg.ID)
		metrics.MessagesProcessedTotal.WithLabelValues("discarded").Inc()
		w.ack(ctx, msg.ID)
		return
	}

	var i intent.Intent
	if err := json.Unmarshal([]byte(payload), &i); err != nil {
		w.logger.Warn("unparseable intent, acking and discarding", "id", msg.ID, "error", err)
		metrics.MessagesProcessedTotal.WithLabelValues("discarded").Inc()
		w.ack(ctx, msg.ID)
		return
	}

	result, err := w.pipeline.Evaluate(ctx, &i, pipeline.Options{Persist: true})
	if err != nil {
		// Leave unacked: at-least-once redelivery picks this back up.
		w.logger.Error("pipeline evaluation failed, leaving message unacked for redelivery", "id", msg.ID, "event_id", i.EventID, "error", err)
		metrics.MessagesProcessedTotal.WithLabelValues("redelivered").Inc()
		return
	}

	decisionEvent := map[string]interface{}{
		"event_id":        result.DecisionEventID,
		"intent_event_id": i.EventID,
		"trace_id":        i.TraceID,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"decision":        result.Decision.Decision,
		"risk":            result.Decision.Risk,
		"policy_hits":     result.Decision.PolicyHits,
		"rewrite":         result.Decision.Rewrite,
		"approval":        result.Decision.Approval,
	}
	body, err := json.Marshal(decisionEvent)
	if err != nil {
		w.logger.Error("failed to marshal decision event, leaving message unacked", "id", msg.ID, "error", err)
		metrics.MessagesProcessedTotal.WithLabelValues("redelivered").Inc()
		return
	}

	if _, err := w.broker.Publish(ctx, w.cfg.DecisionStream, map[string]interface{}{"json": string(body)}); err != nil {
		w.logger.Error("failed to publish decision, leaving message unacked", "id", msg.ID, "error", err)
		metrics.MessagesProcessedTotal.WithLabelValues("redelivered").Inc()
		return
	}

	metrics.MessagesProcessedTotal.WithLabelValues("acked").Inc()
	w.ack(ctx, msg.ID)
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.broker.Ack(ctx, w.cfg.IntentStream, w.cfg.Group, id); err != nil {
		w.logger.Error("ack failed", "id", id, "error", err)
	}
}
