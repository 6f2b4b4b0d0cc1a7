package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// substituteEnvVars replaces ${VAR} and ${VAR:-default} references in raw
// YAML text with values from the environment before parsing. An undefined
// variable with no default resolves to the empty string.
func substituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if groups[2] != "" {
			return groups[2][2:] // strip the leading ":-"
		}
		return ""
	})
}

// Loader loads, holds, and reloads a Config from a YAML file on disk. It
// starts populated with DefaultConfig so a caller can use Get before any
// Load call succeeds.
type Loader struct {
	mu        sync.RWMutex
	cfg       *Config
	path      string
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a Loader seeded with defaults and no file loaded.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads, env-substitutes, and parses the YAML config at path, merging
// it onto a fresh DefaultConfig. On success the loader remembers path for
// Reload and FilePath.
func (l *Loader) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(raw))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.path = path
	l.mu.Unlock()

	return nil
}

// Reload re-reads the file path passed to the last successful Load. It
// returns an error if Load has never been called.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.path
	l.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("config: Reload called before Load")
	}
	return l.Load(path)
}

// Get returns the currently loaded Config. Safe for concurrent use with
// Load/Reload.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the last successfully loaded file, or the
// empty string if none has been loaded yet.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

// Watch starts an fsnotify watcher on the loaded config file's directory
// and calls onReload after each successful Reload triggered by a write to
// that file. It watches the directory rather than the file itself so that
// editor rename-and-replace saves are still picked up.
func (l *Loader) Watch(logger *slog.Logger, onReload func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}

	l.mu.Lock()
	path := l.path
	if l.watcher != nil {
		l.stopWatchLocked()
	}
	l.mu.Unlock()

	if path == "" {
		return fmt.Errorf("config: Watch called before Load")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: resolve path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(absPath)); err != nil {
		_ = w.Close()
		return fmt.Errorf("config: watch directory: %w", err)
	}

	l.mu.Lock()
	l.watcher = w
	l.watchDone = make(chan struct{})
	l.mu.Unlock()

	go l.watchLoop(absPath, logger, onReload)

	logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(targetPath string, logger *slog.Logger, onReload func(*Config)) {
	defer close(l.watchDone)

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := l.Reload(); err != nil {
				logger.Error("config reload failed", "path", targetPath, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", targetPath)
			if onReload != nil {
				onReload(l.Get())
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the config file watcher, if running.
func (l *Loader) StopWatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		if l.watchDone != nil {
			<-l.watchDone
		}
		l.watcher = nil
		l.watchDone = nil
	}
}

// GenerateDefault writes DefaultConfig, marshaled as YAML, to path. Used by
// the CLI's init command to scaffold a starter config file.
func GenerateDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("config: marshal default: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
