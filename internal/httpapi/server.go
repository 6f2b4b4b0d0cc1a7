// Package httpapi exposes the synchronous evaluate endpoint, the
// stream-appending /decide endpoint, and the approvals API over plain
// net/http, routed with Go 1.22+ ServeMux patterns.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/guardian-supervisor/guardian/internal/approval"
	"github.com/guardian-supervisor/guardian/internal/intent"
	"github.com/guardian-supervisor/guardian/internal/pipeline"
)

// ErrInvalidApprovalID is returned (wrapped in a 400 response) when a path
// segment intended to be an approval request_id does not parse as a UUID.
var ErrInvalidApprovalID = errors.New("httpapi: invalid approval id")

// Publisher is the subset of stream.Broker the API needs: appending an
// intent to the intent stream and an approval-decision to its own
// stream.
type Publisher interface {
	Publish(ctx context.Context, streamName string, fields map[string]interface{}) (string, error)
}

// Server wires the pipeline, approval registry, and stream publisher
// behind the decision-critical HTTP surface.
type Server struct {
	mux                   *http.ServeMux
	pipeline              *pipeline.Pipeline
	approvals             *approval.Registry
	broker                Publisher
	intentStream          string
	approvalDecisionStream string
	logger                *slog.Logger
}

// NewServer builds a Server and registers its routes.
func NewServer(pipe *pipeline.Pipeline, approvals *approval.Registry, broker Publisher, intentStream, approvalDecisionStream string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mux:                   http.NewServeMux(),
		pipeline:              pipe,
		approvals:             approvals,
		broker:                broker,
		intentStream:          intentStream,
		approvalDecisionStream: approvalDecisionStream,
		logger:                logger.With("component", "httpapi.Server"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /evaluate", s.handleEvaluate)
	s.mux.HandleFunc("POST /decide", s.handleDecide)
	s.mux.HandleFunc("GET /approvals/pending", s.handleApprovalsPending)
	s.mux.HandleFunc("POST /approvals/{id}/approve", s.handleApprovalResolve(approval.StatusApproved))
	s.mux.HandleFunc("POST /approvals/{id}/deny", s.handleApprovalResolve(approval.StatusDenied))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// fillIDs assigns a time-sortable event_id/trace_id to an incoming intent
// that omitted them, so callers that don't generate their own IDs still get
// one ordered consistently with arrival time in storage and stream logs.
func fillIDs(i *intent.Intent) {
	if i.EventID == "" {
		i.EventID = ulid.Make().String()
	}
	if i.TraceID == "" {
		i.TraceID = ulid.Make().String()
	}
}

// handleEvaluate runs the pipeline synchronously and returns the decision
// payload. No action record or stream append happens on this path.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var i intent.Intent
	if err := json.NewDecoder(r.Body).Decode(&i); err != nil {
		writeError(w, http.StatusBadRequest, "malformed intent: "+err.Error())
		return
	}
	fillIDs(&i)

	result, err := s.pipeline.Evaluate(r.Context(), &i, pipeline.Options{Persist: false})
	if err != nil {
		s.logger.Error("evaluate failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "policies unavailable")
		return
	}

	writeJSON(w, http.StatusOK, result.Decision)
}

// handleDecide appends the intent to the intent stream for asynchronous
// processing by the worker and returns immediately.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var i intent.Intent
	if err := json.NewDecoder(r.Body).Decode(&i); err != nil {
		writeError(w, http.StatusBadRequest, "malformed intent: "+err.Error())
		return
	}
	fillIDs(&i)

	body, err := json.Marshal(i)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed intent: "+err.Error())
		return
	}

	if _, err := s.broker.Publish(r.Context(), s.intentStream, map[string]interface{}{"json": string(body)}); err != nil {
		s.logger.Error("decide: publish failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "stream broker unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": i.EventID, "trace_id": i.TraceID})
}

func (s *Server) handleApprovalsPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.approvals.List(r.Context(), approval.StatusPending)
	if err != nil {
		s.logger.Error("list pending approvals failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "approval store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

type resolveRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Comment    string `json:"comment"`
}

func (s *Server) handleApprovalResolve(terminal approval.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idParam := r.PathValue("id")
		if _, err := uuid.Parse(idParam); err != nil {
			writeError(w, http.StatusBadRequest, ErrInvalidApprovalID.Error())
			return
		}

		var req resolveRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		a, err := s.approvals.Resolve(r.Context(), idParam, terminal, req.ReviewerID, req.Comment)
		if err != nil {
			switch {
			case errors.Is(err, approval.ErrNotFound):
				writeError(w, http.StatusNotFound, "approval not found")
			case errors.Is(err, approval.ErrAlreadyResolved):
				writeError(w, http.StatusBadRequest, "approval already resolved")
			default:
				s.logger.Error("resolve approval failed", "error", err)
				writeError(w, http.StatusServiceUnavailable, "approval store unavailable")
			}
			return
		}

		event := map[string]interface{}{
			"request_id": a.RequestID,
			"decision":   string(a.Status),
			"comment":    a.Comment,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		}
		body, _ := json.Marshal(event)
		if _, err := s.broker.Publish(r.Context(), s.approvalDecisionStream, map[string]interface{}{"json": string(body)}); err != nil {
			s.logger.Error("publish approval-decision event failed", "error", err)
		}

		writeJSON(w, http.StatusOK, a)
	}
}
