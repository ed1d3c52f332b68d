package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/magiconair/properties"
	"github.com/polisai/polis-pdti/pkg/domain"
)

// PropertySourceOptions configures a PropertySource.
type PropertySourceOptions struct {
	// Path is the .properties file holding the federation settings.
	Path string
	// Property is the key to read. Empty selects DefaultFederationProperty.
	Property string
	// RefreshInterval forces a reread once a cached value is older than this.
	// Zero keeps the value until the file changes.
	RefreshInterval time.Duration
	// Watch invalidates the cached value when the file changes on disk.
	Watch  bool
	Logger *slog.Logger
	Now    func() time.Time
}

// PropertySource resolves the federation organization id from a properties
// file. It implements domain.OrgIDSource. Lookups are lazy and the last good
// value is cached until the file changes or the refresh interval elapses.
type PropertySource struct {
	path    string
	key     string
	refresh time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.RWMutex
	value    string
	loadedAt time.Time
	valid    bool
	// generation advances on every Invalidate; a read started under an
	// older generation is returned but not cached.
	generation uint64
	load       func() (string, error)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// NewPropertySource creates a source reading opts.Property from opts.Path.
func NewPropertySource(opts PropertySourceOptions) (*PropertySource, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("%w: properties file path is required", domain.ErrConfigInvalid)
	}
	absPath, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	s := &PropertySource{
		path:    absPath,
		key:     opts.Property,
		refresh: opts.RefreshInterval,
		now:     opts.Now,
		logger:  opts.Logger,
	}
	if s.key == "" {
		s.key = DefaultFederationProperty
	}
	s.load = s.read
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "property_source", "path", absPath)

	if !opts.Watch {
		return s, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.watcher = watcher
	s.cancel = cancel
	go s.watchLoop(ctx)

	return s, nil
}

// Value returns the configured property, reading the file when no fresh value
// is cached. Failures are wrapped with domain.ErrConfigLookupFailed and are
// not cached.
func (s *PropertySource) Value(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	if s.valid && (s.refresh <= 0 || s.now().Sub(s.loadedAt) < s.refresh) {
		value := s.value
		s.mu.RUnlock()
		return value, nil
	}
	generation := s.generation
	s.mu.RUnlock()

	value, err := s.load()
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrConfigLookupFailed, err)
	}

	s.mu.Lock()
	if s.generation == generation {
		s.value = value
		s.loadedAt = s.now()
		s.valid = true
	}
	s.mu.Unlock()

	return value, nil
}

// Invalidate drops the cached value so the next lookup rereads the file.
func (s *PropertySource) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.generation++
	s.mu.Unlock()
}

// Close stops the file watcher, if any.
func (s *PropertySource) Close() error {
	if s.watcher == nil {
		return nil
	}
	s.cancel()
	return s.watcher.Close()
}

func (s *PropertySource) read() (string, error) {
	props, err := properties.LoadFile(s.path, properties.UTF8)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", s.path, err)
	}
	value, ok := props.Get(s.key)
	if !ok {
		return "", fmt.Errorf("property %q not found in %s", s.key, s.path)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("property %q is empty in %s", s.key, s.path)
	}
	return value, nil
}

func (s *PropertySource) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.Invalidate()
				s.logger.Debug("properties file changed, cached value dropped", "op", event.Op.String())
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("properties watcher error", "error", err)
		}
	}
}
