// Package intent defines the wire shape of actions proposed by agents and
// the dotted-path resolver the policy engine matches against.
package intent

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Action describes the operation an agent wants to perform.
type Action struct {
	Type         string                 `json:"type"`
	Tool         string                 `json:"tool,omitempty"`
	Target       string                 `json:"target,omitempty"`
	Method       string                 `json:"method,omitempty"`
	Args         map[string]interface{} `json:"args,omitempty"`
	TargetDomain string                 `json:"target_domain,omitempty"`
}

// Context carries the surrounding conversation/session state a rule may
// need to inspect.
type Context struct {
	UserPrompt         string                 `json:"user_prompt,omitempty"`
	ModelOutputExcerpt string                 `json:"model_output_excerpt,omitempty"`
	DataClassification []string               `json:"data_classification"`
	Workspace          string                 `json:"workspace,omitempty"`
	UserRole           string                 `json:"user_role,omitempty"`
	Attachments        []string               `json:"attachments,omitempty"`
	Extra              map[string]interface{} `json:"-"`
}

// Intent is the unit an agent submits for evaluation.
type Intent struct {
	EventID   string    `json:"event_id"`
	TraceID   string    `json:"trace_id"`
	Timestamp string    `json:"timestamp"`
	AgentID   string    `json:"agent_id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Action    Action    `json:"action"`
	Context   Context   `json:"context"`
}

// ResolveTargetDomain best-effort parses action.target as a URL and returns
// its host, lower-cased. Returns "" if target isn't a URL (never an error —
// per the data model invariant, target_domain is always populated, empty
// string standing in for "not a URL").
func ResolveTargetDomain(target string) string {
	if target == "" {
		return ""
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Normalize populates derived fields so every intent the engine sees has
// action.target_domain set and context.data_classification non-nil.
func (i *Intent) Normalize() {
	i.Action.TargetDomain = ResolveTargetDomain(i.Action.Target)
	if i.Context.DataClassification == nil {
		i.Context.DataClassification = []string{}
	}
}

// Tree round-trips the intent through JSON to obtain a generic
// string-keyed node tree for dotted-path resolution, decoupling the
// matcher from the Go struct shape.
func (i *Intent) Tree() map[string]interface{} {
	b, err := json.Marshal(i)
	if err != nil {
		return map[string]interface{}{}
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(b, &tree); err != nil {
		return map[string]interface{}{}
	}
	return tree
}
