package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the bursts of events editors emit on save.
const DefaultDebounce = 500 * time.Millisecond

// Watch reloads the configuration at path whenever the file is written or
// replaced and passes it to apply. Files that fail to load or carry
// validation errors are logged and skipped, so apply only sees usable
// configurations. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, debounce time.Duration, apply func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	defer w.Close()
	// The directory is watched so atomic renames over the file are seen.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	log.Printf("config: watching %s", abs)

	var (
		timer  *time.Timer
		reload = make(chan struct{}, 1)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if name, _ := filepath.Abs(ev.Name); name != abs {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if cfg, ok := reloadFile(abs); ok {
				apply(cfg)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("config: watcher error: %v", err)
		}
	}
}

func reloadFile(path string) (*Config, bool) {
	cfg, err := Load(path)
	if err != nil {
		log.Printf("config: reload skipped: %v", err)
		return nil, false
	}
	issues := Validate(cfg)
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			log.Printf("config: reload skipped: %s", iss)
		}
	}
	if HasErrors(issues) {
		return nil, false
	}
	log.Printf("config: reloaded %s sources=%d datasets=%d", path, len(cfg.Sources), len(cfg.Datasets))
	return cfg, true
}
