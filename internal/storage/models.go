// Package storage is the single persistence layer backing the policy
// store, the decision pipeline, and the approval registry: one SQLite
// database holding policies, the actions submitted for evaluation, the
// decisions rendered against them, and any approvals those decisions
// required.
package storage

import "time"

// ActionRow is one submitted intent, persisted once per unique event_id.
type ActionRow struct {
	EventID            string
	TraceID            string
	AgentID            string
	SessionID          string
	UserID             string
	ActionType         string
	Tool               string
	Target             string
	TargetDomain       string
	Method             string
	Args               string // JSON object
	ArgsHash           string // sha256 of canonicalized Args
	DataClassification string // JSON array
	Timestamp          time.Time
	ReceivedAt         time.Time
}

// DecisionRow is the rendered decision for an Action.
type DecisionRow struct {
	EventID         string
	IntentEventID   string
	Decision        string
	Score           float64
	Severity        string
	PolicyHits      string // JSON array
	Reasons         string // JSON array
	Rewrite         string // JSON object, nullable
	ApprovalRequestID string
	CreatedAt       time.Time
}

// ApprovalRow mirrors approval.Approval in a storable shape.
type ApprovalRow struct {
	RequestID       string
	IntentEventID   string
	DecisionEventID string
	Status          string
	ReviewerID      string
	Comment         string
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}
