package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Backend is the persistence dependency the Store loads rule documents
// from. internal/storage.SQLiteStore implements this.
type Backend interface {
	ListEnabledPolicies(ctx context.Context) ([]Rule, error)
}

// Store materializes rule documents from persistence into the engine's
// in-memory form, resolving symbolic allowlist references at load time.
type Store struct {
	backend   Backend
	allowlist map[string][]string
	expr      *ExprEvaluator
	logger    *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// AllowlistSentinel is the literal string a rule condition may use in
// place of a concrete domain list; it is resolved against the registry
// passed to NewStore at load time.
const AllowlistSentinel = "EXTERNAL_DOMAINS_ALLOWLIST"

// NewStore creates a policy Store. allowlist maps symbolic registry names
// (currently only AllowlistSentinel) to the concrete values configured for
// this deployment; extending the registry is a config change, not a
// schema change.
func NewStore(backend Backend, allowlist map[string][]string, expr *ExprEvaluator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:   backend,
		allowlist: allowlist,
		expr:      expr,
		logger:    logger.With("component", "policy.Store"),
	}
}

// Load reads all enabled rule documents and resolves symbolic allowlist
// references. If the backing store is unreachable, the error is surfaced
// and the caller MUST NOT invoke the engine with this (partial) result.
func (s *Store) Load(ctx context.Context) ([]Rule, error) {
	rules, err := s.backend.ListEnabledPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy store: load rules: %w", err)
	}

	for i := range rules {
		s.resolveAllowlists(&rules[i])
		if rules[i].Expr != "" && s.expr != nil {
			if _, err := s.expr.program(rules[i].Expr); err != nil {
				s.logger.Warn("dropping rule with invalid expr clause", "policy_id", rules[i].PolicyID, "error", err)
				rules[i].Enabled = false
			}
		}
	}

	s.logger.Debug("loaded policies", "count", len(rules))
	return rules, nil
}

// resolveAllowlists replaces any condition value literally equal to a
// known sentinel with the concrete configured list. Unresolved symbolic
// names pass through unchanged, reserved for future use.
func (s *Store) resolveAllowlists(r *Rule) {
	for idx := range r.Conditions {
		r.Conditions[idx].NotInAllowlist = s.expandSentinels(r.Conditions[idx].NotInAllowlist)
		r.Conditions[idx].InAllowlist = s.expandSentinels(r.Conditions[idx].InAllowlist)
	}
}

func (s *Store) expandSentinels(m map[string][]string) map[string][]string {
	if m == nil {
		return nil
	}
	out := make(map[string][]string, len(m))
	for field, values := range m {
		if len(values) == 1 {
			if resolved, ok := s.allowlist[values[0]]; ok {
				out[field] = resolved
				continue
			}
		}
		out[field] = values
	}
	return out
}

// WatchSeedFile starts an fsnotify watcher on a local dev/seed policy
// document and invokes onReload when it changes. Watches the parent
// directory rather than the file itself to survive editor
// rename-and-replace saves. Production deployments load policies from the
// database instead; this exists for local bootstrapping and ops tooling
// (`guardian policy reload`).
func (s *Store) WatchSeedFile(path string, onReload func(path string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		s.stopWatchLocked()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve seed path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	s.watcher = w
	s.done = make(chan struct{})
	go s.watchLoop(absPath, onReload)

	s.logger.Info("watching seed policy file for changes", "path", absPath)
	return nil
}

func (s *Store) watchLoop(targetPath string, onReload func(string)) {
	defer close(s.done)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.logger.Info("seed policy file changed, triggering reload", "path", targetPath)
				onReload(targetPath)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the seed-file watcher, if running.
func (s *Store) StopWatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWatchLocked()
}

func (s *Store) stopWatchLocked() {
	if s.watcher != nil {
		_ = s.watcher.Close()
		if s.done != nil {
			<-s.done
		}
		s.watcher = nil
		s.done = nil
	}
}
