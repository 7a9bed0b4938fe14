package config

import (
	"context"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"lifeline/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// Setting names a reloadable part of the configuration.
type Setting string

const (
	SettingLogLevel          Setting = "log_level"
	SettingQueueRetention    Setting = "queue.retention_days"
	SettingConflictRetention Setting = "conflict_retention_days"
	SettingSessionIdle       Setting = "session.inactive_after_hours"
)

// hotSettings take effect on a running daemon. Everything else is read once
// while the engine is opened.
var hotSettings = []struct {
	name    Setting
	changed func(a, b *models.Config) bool
}{
	{SettingLogLevel, func(a, b *models.Config) bool { return a.LogLevel != b.LogLevel }},
	{SettingQueueRetention, func(a, b *models.Config) bool { return a.Queue.RetentionDays != b.Queue.RetentionDays }},
	{SettingConflictRetention, func(a, b *models.Config) bool { return a.ConflictRetentionDays != b.ConflictRetentionDays }},
	{SettingSessionIdle, func(a, b *models.Config) bool { return a.Session.InactiveAfterHours != b.Session.InactiveAfterHours }},
}

// Change is one accepted reload. Applied lists the hot settings that moved;
// RestartRequired lists the sections that changed but only apply after a
// restart.
type Change struct {
	Previous        *models.Config
	Current         *models.Config
	Applied         []Setting
	RestartRequired []string
}

// Has reports whether s is among the applied settings.
func (c Change) Has(s Setting) bool {
	for _, a := range c.Applied {
		if a == s {
			return true
		}
	}
	return false
}

// Diff compares two configurations.
func Diff(prev, next *models.Config) Change {
	change := Change{Previous: prev, Current: next}
	for _, s := range hotSettings {
		if s.changed(prev, next) {
			change.Applied = append(change.Applied, s.name)
		}
	}

	a, b := coldView(prev), coldView(next)
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	for i := 0; i < va.NumField(); i++ {
		if !reflect.DeepEqual(va.Field(i).Interface(), vb.Field(i).Interface()) {
			change.RestartRequired = append(change.RestartRequired, jsonName(va.Type().Field(i)))
		}
	}
	return change
}

// coldView is cfg with the hot settings zeroed.
func coldView(cfg *models.Config) models.Config {
	c := *cfg
	c.LogLevel = ""
	c.ConflictRetentionDays = 0
	c.Queue.RetentionDays = 0
	c.Session.InactiveAfterHours = 0
	return c
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

// Watcher polls the configuration file and hands validated changes to its
// subscribers. A rewrite with identical content is not a change; a file that
// fails to load or validate is reported and the running configuration kept.
type Watcher struct {
	path     string
	logger   *logrus.Logger
	interval time.Duration

	mu       sync.RWMutex
	current  *models.Config
	digest   [32]byte
	handlers []func(Change)
}

// NewWatcher watches path, starting from the configuration the process is
// already running with.
func NewWatcher(path string, current *models.Config, logger *logrus.Logger) *Watcher {
	w := &Watcher{
		path:     path,
		logger:   logger,
		interval: 5 * time.Second,
		current:  current,
	}
	if raw, err := os.ReadFile(path); err == nil {
		w.digest = blake3.Sum256(raw)
	}
	return w
}

// Current returns the configuration last accepted.
func (w *Watcher) Current() *models.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers fn for every accepted change.
func (w *Watcher) OnChange(fn func(Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Run checks the file every poll interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := os.Stat(w.path); err != nil {
		return err
	}
	w.logger.WithFields(logrus.Fields{
		"path":     w.path,
		"interval": w.interval,
	}).Info("Watching configuration")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := w.Check(); err != nil {
				w.logger.WithError(err).Warn("Configuration reload rejected, keeping running configuration")
			}
		}
	}
}

// Check reloads the file when its content changed. changed is false when
// the content is as last seen.
func (w *Watcher) Check() (change Change, changed bool, err error) {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return Change{}, false, err
	}
	digest := blake3.Sum256(raw)

	w.mu.RLock()
	same := digest == w.digest
	prev := w.current
	w.mu.RUnlock()
	if same {
		return Change{}, false, nil
	}

	next, err := LoadConfig(w.path)
	if err != nil {
		return Change{}, false, err
	}
	if prev == nil {
		prev = next
	}
	change = Diff(prev, next)

	w.mu.Lock()
	w.digest = digest
	w.current = next
	handlers := append(([]func(Change))(nil), w.handlers...)
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"applied":          change.Applied,
		"restart_required": change.RestartRequired,
	}).Info("Configuration reloaded")
	if len(change.RestartRequired) > 0 {
		w.logger.WithField("sections", change.RestartRequired).Warn("Some configuration changes take effect after a restart")
	}

	for _, fn := range handlers {
		w.notify(fn, change)
	}
	return change, true, nil
}

func (w *Watcher) notify(fn func(Change), change Change) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Error("Configuration change handler panicked")
		}
	}()
	fn(change)
}
