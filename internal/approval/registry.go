// Package approval implements the durable store of pending decisions
// awaiting human resolution. Unlike a work queue, nothing here blocks
// waiting for a human: Create returns immediately with a request_id that
// the pipeline includes in the emitted decision event, and Resolve is a
// one-shot conditional transition driven by the Approvals API.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/guardian-supervisor/guardian/internal/metrics"
)

// Status is the lifecycle state of an Approval.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
)

// ErrNotFound is returned when no approval exists for a given request_id.
var ErrNotFound = errors.New("approval: not found")

// ErrAlreadyResolved is returned when a resolve is attempted against an
// approval that has already left the PENDING state.
var ErrAlreadyResolved = errors.New("approval: already resolved")

// Approval is one pending-or-resolved human decision.
type Approval struct {
	RequestID       string
	IntentEventID   string
	DecisionEventID string
	Status          Status
	ReviewerID      string
	Comment         string
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}

// Backend is the persistence dependency Registry drives. It owns the
// atomic pending→terminal transition: exactly one concurrent Resolve call
// against the same request_id succeeds.
type Backend interface {
	InsertApproval(ctx context.Context, a Approval) error
	GetApproval(ctx context.Context, requestID string) (*Approval, error)
	ListApprovals(ctx context.Context, status Status) ([]Approval, error)
	// ResolveApproval performs `UPDATE ... WHERE request_id = ? AND status
	// = 'PENDING'` and returns the number of rows it affected (0 or 1).
	ResolveApproval(ctx context.Context, requestID string, status Status, reviewerID, comment string, resolvedAt time.Time) (rowsAffected int64, err error)
}

// Registry creates, lists, and conditionally resolves pending approvals.
type Registry struct {
	backend Backend
	logger  *slog.Logger
}

// NewRegistry creates a Registry backed by the given storage layer.
func NewRegistry(backend Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{backend: backend, logger: logger.With("component", "approval.Registry")}
}

// Create inserts a new PENDING approval linking an intent to the decision
// that required it.
func (r *Registry) Create(ctx context.Context, requestID, intentEventID, decisionEventID string) error {
	return r.backend.InsertApproval(ctx, Approval{
		RequestID:       requestID,
		IntentEventID:   intentEventID,
		DecisionEventID: decisionEventID,
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
	})
}

// List returns approvals newest-first, optionally filtered by status. An
// empty status lists all approvals.
func (r *Registry) List(ctx context.Context, status Status) ([]Approval, error) {
	return r.backend.ListApprovals(ctx, status)
}

// Get returns a single approval by request_id, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, requestID string) (*Approval, error) {
	a, err := r.backend.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNotFound
	}
	return a, nil
}

// Resolve conditionally transitions an approval from PENDING to a
// terminal status. Exactly one concurrent caller succeeds for a given
// request_id; the rest receive ErrAlreadyResolved. A request_id that
// never existed returns ErrNotFound.
func (r *Registry) Resolve(ctx context.Context, requestID string, terminal Status, reviewerID, comment string) (*Approval, error) {
	if terminal != StatusApproved && terminal != StatusDenied {
		return nil, errors.New("approval: terminal status must be APPROVED or DENIED")
	}

	now := time.Now().UTC()
	rows, err := r.backend.ResolveApproval(ctx, requestID, terminal, reviewerID, comment, now)
	if err != nil {
		return nil, err
	}

	if rows == 0 {
		// Distinguish NotFound from AlreadyResolved with a second read.
		existing, getErr := r.backend.GetApproval(ctx, requestID)
		if getErr != nil {
			return nil, getErr
		}
		if existing == nil {
			return nil, ErrNotFound
		}
		return nil, ErrAlreadyResolved
	}

	a, err := r.backend.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	metrics.ApprovalsPendingGauge.Dec()
	r.logger.Info("approval resolved", "request_id", requestID, "status", terminal, "reviewer_id", reviewerID)
	return a, nil
}
