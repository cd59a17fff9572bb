package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadObserver is told about every reload attempt.
type ReloadObserver interface {
	ObserveConfigReload(err error)
}

// Holder provides thread-safe access to configuration with hot reload support.
type Holder struct {
	mu       sync.RWMutex
	config   *Config
	path     string
	logger   zerolog.Logger
	observer ReloadObserver
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHolder creates a new config holder and loads the initial configuration.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	return &Holder{
		config: cfg,
		path:   absPath,
		logger: logger.With().Str("component", "config").Logger(),
		stopCh: make(chan struct{}),
	}, nil
}

// SetObserver registers the reload observer (typically the metrics collector).
func (h *Holder) SetObserver(o ReloadObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observer = o
}

// Get returns the current configuration (thread-safe).
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Path returns the absolute path of the watched file.
func (h *Holder) Path() string {
	return h.path
}

// Reload reloads the configuration from disk.
// Returns error if loading fails (keeps old config).
func (h *Holder) Reload() error {
	h.logger.Info().Str("path", h.path).Msg("reloading configuration")

	newCfg, err := Load(h.path)

	h.mu.Lock()
	observer := h.observer
	if err != nil {
		h.mu.Unlock()
		if observer != nil {
			observer.ObserveConfigReload(err)
		}
		h.logger.Error().Err(err).Msg("config reload failed, keeping old config")
		return fmt.Errorf("reload config: %w", err)
	}
	oldCfg := h.config
	h.config = newCfg
	listeners := append([]func(*Config){}, h.onChange...)
	h.mu.Unlock()

	if observer != nil {
		observer.ObserveConfigReload(nil)
	}
	h.logChanges(oldCfg, newCfg)

	for _, fn := range listeners {
		fn(newCfg)
	}

	h.logger.Info().Msg("configuration reloaded successfully")
	return nil
}

// OnChange registers a callback to be called when config changes.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// WatchFile starts watching the config file for changes.
func (h *Holder) WatchFile() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory: editors save atomically by renaming over the file.
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	h.watcher = watcher

	go h.watchLoop(watcher)

	h.logger.Info().Str("path", h.path).Msg("watching config file for changes")
	return nil
}

// WatchSignals starts listening for SIGHUP to trigger reload.
func (h *Holder) WatchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-sigCh:
				h.logger.Info().Msg("received SIGHUP, reloading config")
				if err := h.Reload(); err != nil {
					h.logger.Error().Err(err).Msg("SIGHUP reload failed")
				}
			case <-h.stopCh:
				signal.Stop(sigCh)
				return
			}
		}
	}()

	h.logger.Info().Msg("listening for SIGHUP to reload config")
}

// Stop stops watching for file changes and signals. It is safe to call
// more than once.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		if h.watcher != nil {
			h.watcher.Close()
		}
	})
}

func (h *Holder) watchLoop(watcher *fsnotify.Watcher) {
	filename := filepath.Base(h.path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			h.logger.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("config file changed")

			if err := h.Reload(); err != nil {
				h.logger.Error().Err(err).Msg("file watch reload failed")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("file watcher error")

		case <-h.stopCh:
			return
		}
	}
}

func (h *Holder) logChanges(old, new *Config) {
	if old.Logging.Level != new.Logging.Level {
		h.logger.Info().
			Str("old", old.Logging.Level).
			Str("new", new.Logging.Level).
			Msg("log level changed")
	}

	if len(old.Plans) != len(new.Plans) {
		h.logger.Info().
			Int("old", len(old.Plans)).
			Int("new", len(new.Plans)).
			Msg("plans count changed")
	}

	if old.Admin.TokenHash != new.Admin.TokenHash {
		h.logger.Info().Msg("admin token rotated")
	}

	for _, f := range NonReloadableFields() {
		if changed(old, new, f) {
			h.logger.Warn().Str("field", f).Msg("field changed but requires a restart")
		}
	}
}

func changed(old, new *Config, field string) bool {
	switch field {
	case "server.host":
		return old.Server.Host != new.Server.Host
	case "server.port":
		return old.Server.Port != new.Server.Port
	case "upstream.url":
		return old.Upstream.URL != new.Upstream.URL
	case "store.driver":
		return old.Store.Driver != new.Store.Driver
	case "redis.addr":
		return old.Redis.Addr != new.Redis.Addr
	case "database.dsn":
		return old.Database.DSN != new.Database.DSN
	case "rate_limit.failure_mode":
		return old.RateLimit.FailureMode != new.RateLimit.FailureMode
	case "scheduler":
		return old.Scheduler != new.Scheduler
	}
	return false
}

// ReloadableFields returns which fields can be changed without restart.
func ReloadableFields() []string {
	return []string{
		"plans",
		"admin.token_hash",
		"logging.level",
	}
}

// NonReloadableFields returns which fields require a restart.
func NonReloadableFields() []string {
	return []string{
		"server.host",
		"server.port",
		"upstream.url",
		"store.driver",
		"redis.addr",
		"database.dsn",
		"rate_limit.failure_mode",
		"scheduler",
	}
}
