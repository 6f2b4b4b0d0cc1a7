package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/guardian-supervisor/guardian/internal/intent"
)

// HTTPScorer calls an OpenAI-compatible chat-completions endpoint to
// obtain a risk signal for an intent. Any failure, timeout, or unparsable
// response degrades to the zero Result — it never returns an error to
// the caller.
type HTTPScorer struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// Config configures an HTTPScorer.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewHTTPScorer creates an HTTPScorer. A zero Timeout defaults to 10s: the
// scorer sits on the synchronous /evaluate hot path and a pipeline-level
// timeout budget (scorer timeout + DB timeout) must stay responsive.
func NewHTTPScorer(cfg Config, logger *slog.Logger) *HTTPScorer {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &HTTPScorer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "scorer.HTTPScorer"),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// scoreResponseJSON is the JSON structure expected from the LLM.
type scoreResponseJSON struct {
	Score      float64         `json:"score"`
	Reasons    []string        `json:"reasons"`
	Rewrite    json.RawMessage `json:"rewrite"`
}

// Score calls the LLM and returns its risk signal. Degrades to the zero
// Result on any error — logged, never propagated.
func (s *HTTPScorer) Score(ctx context.Context, i *intent.Intent) Result {
	raw, err := s.call(ctx, i)
	if err != nil {
		s.logger.Warn("scorer call failed, degrading to policy-only", "error", err)
		return Result{}
	}

	parsed, err := parseScoreResponse(raw)
	if err != nil {
		s.logger.Warn("scorer returned unparsable response, degrading to policy-only", "error", err, "raw", truncate(raw, 200))
		return Result{}
	}

	return Result{
		Score:   clamp(parsed.Score),
		Reasons: truncateReasons(parsed.Reasons),
		Rewrite: parsed.rewriteMap(),
	}
}

func (r *scoreResponseJSON) rewriteMap() map[string]any {
	if len(r.Rewrite) == 0 || string(r.Rewrite) == "null" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(r.Rewrite, &m); err != nil {
		return nil
	}
	return m
}

func (s *HTTPScorer) call(ctx context.Context, i *intent.Intent) (string, error) {
	if s.baseURL == "" || s.apiKey == "" {
		return "", fmt.Errorf("scorer not configured")
	}

	body, err := json.Marshal(i.Action.Args)
	if err != nil {
		body = []byte("{}")
	}

	system := `You are a risk-scoring service for an agent action supervisor called Guardian Supervisor.

Evaluate the action below for risk of data exfiltration, unsafe external communication, or policy violation.

Respond with a single JSON object (no markdown fencing, no extra text):
{"score": <0.0-1.0>, "reasons": ["<short reason>", ...], "rewrite": {"...": "..."} | null}

"score" is your estimate of how risky this action is. "reasons" is at most a few short strings. "rewrite" is a
safer version of the action's payload, or null if no rewrite applies.`

	var user strings.Builder
	fmt.Fprintf(&user, "action.type: %s\n", i.Action.Type)
	fmt.Fprintf(&user, "action.target: %s\n", i.Action.Target)
	fmt.Fprintf(&user, "action.args: %s\n", string(body))
	fmt.Fprintf(&user, "context.data_classification: %v\n", i.Context.DataClassification)

	reqBody := chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user.String()},
		},
		Temperature: 0.0,
		MaxTokens:   256,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := s.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if result.Error != nil {
			msg += ": " + result.Error.Message
		}
		return "", fmt.Errorf("scorer API error: %s", msg)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("scorer returned no choices")
	}

	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// parseScoreResponse extracts a scoreResponseJSON from raw LLM text,
// tolerating markdown code fencing around the JSON object.
func parseScoreResponse(raw string) (*scoreResponseJSON, error) {
	cleaned := raw
	if idx := strings.Index(cleaned, "{"); idx >= 0 {
		cleaned = cleaned[idx:]
	}
	if idx := strings.LastIndex(cleaned, "}"); idx >= 0 {
		cleaned = cleaned[:idx+1]
	}

	var parsed scoreResponseJSON
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return &parsed, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
