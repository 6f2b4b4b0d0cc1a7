// Package scorer implements the pluggable LLM risk signal: given an
// intent, return a risk score in [0,1], explanatory reasons, and an
// optional rewrite payload. The scorer must never raise into the
// pipeline — any failure degrades cleanly to the zero signal.
package scorer

import (
	"context"

	"github.com/guardian-supervisor/guardian/internal/intent"
)

// Result is what a Scorer returns for one intent.
type Result struct {
	Score   float64
	Reasons []string
	Rewrite map[string]any
}

// Scorer is the collaborator interface the engine's optional LLM signal
// is threaded through. Implementations MUST NOT return an error to the
// caller: any failure, timeout, or disabled configuration is represented
// as the zero Result.
type Scorer interface {
	Score(ctx context.Context, i *intent.Intent) Result
}

// clamp pins a score into [0, 1].
func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func truncateReasons(reasons []string) []string {
	if len(reasons) > 10 {
		return reasons[:10]
	}
	return reasons
}
