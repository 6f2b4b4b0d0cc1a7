package scorer

import (
	"context"

	"github.com/guardian-supervisor/guardian/internal/intent"
)

// Disabled is the no-op Scorer selected when no LLM base URL or API key
// is configured. Always returns the zero Result so the engine degrades
// cleanly to policy-only operation.
type Disabled struct{}

func (Disabled) Score(ctx context.Context, i *intent.Intent) Result {
	return Result{}
}
