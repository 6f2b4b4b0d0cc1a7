package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/guardian-supervisor/guardian/internal/approval"
	"github.com/guardian-supervisor/guardian/internal/policy"
)

const schema = `
CREATE TABLE IF NOT EXISTS policies (
	policy_id   TEXT PRIMARY KEY,
	version     INTEGER NOT NULL DEFAULT 1,
	priority    INTEGER NOT NULL DEFAULT 0,
	enabled     INTEGER NOT NULL DEFAULT 1,
	match_json  TEXT NOT NULL,
	conditions_json TEXT,
	effect      TEXT NOT NULL,
	risk_boost  REAL NOT NULL DEFAULT 0,
	message     TEXT,
	expr        TEXT,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS actions (
	event_id       TEXT PRIMARY KEY,
	trace_id       TEXT,
	agent_id       TEXT,
	session_id     TEXT,
	user_id        TEXT,
	action_type    TEXT,
	tool           TEXT,
	target         TEXT,
	target_domain  TEXT,
	method         TEXT,
	args_json      TEXT,
	args_hash      TEXT,
	data_classification_json TEXT,
	intent_timestamp TEXT,
	received_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_trace_id ON actions(trace_id);
CREATE INDEX IF NOT EXISTS idx_actions_agent_id ON actions(agent_id);

CREATE TABLE IF NOT EXISTS decisions (
	event_id            TEXT PRIMARY KEY,
	intent_event_id     TEXT NOT NULL,
	decision            TEXT NOT NULL,
	score               REAL NOT NULL,
	severity            TEXT NOT NULL,
	policy_hits_json    TEXT,
	reasons_json        TEXT,
	rewrite_json        TEXT,
	approval_request_id TEXT,
	created_at          TEXT NOT NULL,
	FOREIGN KEY (intent_event_id) REFERENCES actions(event_id)
);
CREATE INDEX IF NOT EXISTS idx_decisions_intent_event_id ON decisions(intent_event_id);

CREATE TABLE IF NOT EXISTS approvals (
	request_id        TEXT PRIMARY KEY,
	intent_event_id    TEXT NOT NULL,
	decision_event_id  TEXT NOT NULL,
	status             TEXT NOT NULL,
	reviewer_id        TEXT,
	comment            TEXT,
	created_at         TEXT NOT NULL,
	resolved_at        TEXT,
	FOREIGN KEY (decision_event_id) REFERENCES decisions(event_id)
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
`

// SQLiteStore is the consolidated persistence layer: policies, actions,
// decisions, approvals, all in one SQLite database, one row-level
// conditional update for the approval state machine.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the schema exists.
func Open(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger.With("component", "storage.SQLiteStore")}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("storage: initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullStr(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func strOrEmpty(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

func jsonOrEmpty(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// ---- policy.Backend ----

// ListEnabledPolicies returns enabled rules ordered by priority DESC, the
// order the engine relies on for matches-first aggregation (priority is
// informational; the engine itself never short-circuits on it, but policy
// review tooling expects the higher-priority rules to list first).
func (s *SQLiteStore) ListEnabledPolicies(ctx context.Context) ([]policy.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT policy_id, version, priority, enabled, match_json, conditions_json, effect, risk_boost, message, expr
		FROM policies
		WHERE enabled = 1
		ORDER BY priority DESC, policy_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list enabled policies: %w", err)
	}
	defer rows.Close()

	var out []policy.Rule
	for rows.Next() {
		var (
			r              policy.Rule
			enabled        int
			matchJSON      string
			conditionsJSON sql.NullString
			message        sql.NullString
			expr           sql.NullString
		)
		if err := rows.Scan(&r.PolicyID, &r.Version, &r.Priority, &enabled, &matchJSON, &conditionsJSON, &r.Effect, &r.RiskBoost, &message, &expr); err != nil {
			return nil, fmt.Errorf("storage: scan policy: %w", err)
		}
		r.Enabled = enabled != 0
		r.Message = strOrEmpty(message)
		r.Expr = strOrEmpty(expr)

		if matchJSON != "" {
			if err := json.Unmarshal([]byte(matchJSON), &r.Match); err != nil {
				s.logger.Warn("dropping policy with invalid match JSON", "policy_id", r.PolicyID, "error", err)
				continue
			}
		}
		if conditionsJSON.Valid && conditionsJSON.String != "" {
			if err := json.Unmarshal([]byte(conditionsJSON.String), &r.Conditions); err != nil {
				s.logger.Warn("dropping policy with invalid conditions JSON", "policy_id", r.PolicyID, "error", err)
				continue
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertPolicy inserts or replaces a policy document, used by `guardian
// policy reload` and the seed-file loader.
func (s *SQLiteStore) UpsertPolicy(ctx context.Context, r policy.Rule) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (policy_id, version, priority, enabled, match_json, conditions_json, effect, risk_boost, message, expr, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(policy_id) DO UPDATE SET
			version = excluded.version,
			priority = excluded.priority,
			enabled = excluded.enabled,
			match_json = excluded.match_json,
			conditions_json = excluded.conditions_json,
			effect = excluded.effect,
			risk_boost = excluded.risk_boost,
			message = excluded.message,
			expr = excluded.expr,
			updated_at = excluded.updated_at
	`, r.PolicyID, r.Version, r.Priority, boolToInt(r.Enabled), jsonOrEmpty(r.Match), jsonOrEmpty(r.Conditions), r.Effect, r.RiskBoost, nullStr(r.Message), nullStr(r.Expr), now, now)
	if err != nil {
		return fmt.Errorf("storage: upsert policy %s: %w", r.PolicyID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---- approval.Backend ----

func (s *SQLiteStore) InsertApproval(ctx context.Context, a approval.Approval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (request_id, intent_event_id, decision_event_id, status, reviewer_id, comment, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.RequestID, a.IntentEventID, a.DecisionEventID, string(a.Status), nullStr(a.ReviewerID), nullStr(a.Comment), a.CreatedAt.Format(time.RFC3339), nullTime(a.ResolvedAt))
	if err != nil {
		return fmt.Errorf("storage: insert approval %s: %w", a.RequestID, err)
	}
	return nil
}

func (s *SQLiteStore) GetApproval(ctx context.Context, requestID string) (*approval.Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, intent_event_id, decision_event_id, status, reviewer_id, comment, created_at, resolved_at
		FROM approvals WHERE request_id = ?
	`, requestID)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get approval %s: %w", requestID, err)
	}
	return a, nil
}

func (s *SQLiteStore) ListApprovals(ctx context.Context, status approval.Status) ([]approval.Approval, error) {
	query := `
		SELECT request_id, intent_event_id, decision_event_id, status, reviewer_id, comment, created_at, resolved_at
		FROM approvals
	`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list approvals: %w", err)
	}
	defer rows.Close()

	var out []approval.Approval
	for rows.Next() {
		a, err := scanApprovalRows(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan approval: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResolveApproval(ctx context.Context, requestID string, status approval.Status, reviewerID, comment string, resolvedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, reviewer_id = ?, comment = ?, resolved_at = ?
		WHERE request_id = ? AND status = ?
	`, string(status), nullStr(reviewerID), nullStr(comment), resolvedAt.Format(time.RFC3339), requestID, string(approval.StatusPending))
	if err != nil {
		return 0, fmt.Errorf("storage: resolve approval %s: %w", requestID, err)
	}
	return res.RowsAffected()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanApproval(row *sql.Row) (*approval.Approval, error) {
	return scanApprovalScannable(row)
}

func scanApprovalRows(rows *sql.Rows) (*approval.Approval, error) {
	return scanApprovalScannable(rows)
}

func scanApprovalScannable(s scannable) (*approval.Approval, error) {
	var (
		a          approval.Approval
		status     string
		reviewerID sql.NullString
		comment    sql.NullString
		createdAt  string
		resolvedAt sql.NullString
	)
	if err := s.Scan(&a.RequestID, &a.IntentEventID, &a.DecisionEventID, &status, &reviewerID, &comment, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	a.Status = approval.Status(status)
	a.ReviewerID = strOrEmpty(reviewerID)
	a.Comment = strOrEmpty(comment)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		a.CreatedAt = t
	}
	if resolvedAt.Valid && resolvedAt.String != "" {
		if t, err := time.Parse(time.RFC3339, resolvedAt.String); err == nil {
			a.ResolvedAt = &t
		}
	}
	return &a, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

// ---- action + decision persistence ----

// HashArgs canonicalizes an action's args payload and returns its SHA-256
// hex digest, used as a stable dedupe/audit fingerprint.
func HashArgs(args map[string]interface{}) string {
	b, err := json.Marshal(args)
	if err != nil {
		b = []byte("{}")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// RecordEvaluation persists the Action, Decision, and (if required) the
// Approval for one pipeline evaluation inside a single transaction.
// Duplicate event_ids (stream redelivery) are treated as a no-op success
// rather than an error: the `INSERT ... OR IGNORE` leaves the earlier
// write intact.
func (s *SQLiteStore) RecordEvaluation(ctx context.Context, action ActionRow, decision DecisionRow, approvalRow *approval.Approval) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO actions (event_id, trace_id, agent_id, session_id, user_id, action_type, tool, target, target_domain, method, args_json, args_hash, data_classification_json, intent_timestamp, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, action.EventID, action.TraceID, action.AgentID, action.SessionID, action.UserID, action.ActionType, action.Tool, action.Target, action.TargetDomain, action.Method, action.Args, action.ArgsHash, action.DataClassification, action.Timestamp.Format(time.RFC3339), action.ReceivedAt.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("storage: insert action: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO decisions (event_id, intent_event_id, decision, score, severity, policy_hits_json, reasons_json, rewrite_json, approval_request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, decision.EventID, decision.IntentEventID, decision.Decision, decision.Score, decision.Severity, decision.PolicyHits, decision.Reasons, nullStr(decision.Rewrite), nullStr(decision.ApprovalRequestID), decision.CreatedAt.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("storage: insert decision: %w", err)
	}

	if approvalRow != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO approvals (request_id, intent_event_id, decision_event_id, status, reviewer_id, comment, created_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, approvalRow.RequestID, approvalRow.IntentEventID, approvalRow.DecisionEventID, string(approvalRow.Status), nullStr(approvalRow.ReviewerID), nullStr(approvalRow.Comment), approvalRow.CreatedAt.Format(time.RFC3339), nullTime(approvalRow.ResolvedAt)); err != nil {
			return fmt.Errorf("storage: insert approval: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}
