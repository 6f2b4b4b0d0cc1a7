package policy

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
)

// ExprEvaluator compiles and evaluates the optional CEL `expr` clause a
// rule may carry, against a single dynamic `intent` variable built from
// the same JSON tree the dotted-path matcher uses. Unlike the CEL
// evaluator this is adapted from, Guardian intents are free-form, so the
// environment declares one map-typed variable instead of a fixed set of
// typed fields.
type ExprEvaluator struct {
	env    *cel.Env
	logger *slog.Logger

	mu      sync.RWMutex
	cache   map[string]cel.Program
}

// NewExprEvaluator creates an ExprEvaluator. Returns an error if the CEL
// environment itself fails to construct; a nil *ExprEvaluator is also a
// valid (optional-feature-disabled) configuration for Engine.
func NewExprEvaluator(logger *slog.Logger) (*ExprEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("intent", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ExprEvaluator{
		env:    env,
		logger: logger.With("component", "policy.ExprEvaluator"),
		cache:  make(map[string]cel.Program),
	}, nil
}

// Eval compiles (once, cached by expression text) and runs expr against
// the intent tree. Returns an error for any compile or runtime failure;
// the caller treats an error the same as a non-match (fail this rule, not
// the whole decision — the engine itself never fails).
func (e *ExprEvaluator) Eval(expr string, tree map[string]interface{}) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]interface{}{"intent": tree})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", expr, out.Value())
	}
	return result, nil
}

func (e *ExprEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()

	e.logger.Debug("compiled CEL expr clause", "expression", expr)
	return prg, nil
}
