package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// CronSeed is one entry in the seed file, declaring a cron to upsert at
// startup and on every subsequent reload.
type CronSeed struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Timezone string `yaml:"timezone"`
	ChatID   string `yaml:"chat_id"`
	Prompt   string `yaml:"prompt"`
}

type seedFile struct {
	Crons []CronSeed `yaml:"crons"`
}

// LoadCronSeeds reads and parses the cron seed file. A missing file is not
// an error — the kernel runs fine with no seeded crons.
func LoadCronSeeds(path string) ([]CronSeed, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cron seed file %s: %w", path, err)
	}
	var parsed seedFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse cron seed file %s: %w", path, err)
	}
	for i, c := range parsed.Crons {
		if c.Name == "" || c.Schedule == "" || c.ChatID == "" {
			return nil, fmt.Errorf("cron seed entry %d missing required field (name/schedule/chat_id)", i)
		}
		if c.Timezone == "" {
			parsed.Crons[i].Timezone = "UTC"
		}
	}
	return parsed.Crons, nil
}

// SeedWatcher watches the cron seed file and emits its parsed contents on
// every write, so Clock can re-upsert without a restart.
type SeedWatcher struct {
	path   string
	logger *slog.Logger
	events chan []CronSeed
}

func NewSeedWatcher(path string, logger *slog.Logger) *SeedWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SeedWatcher{
		path:   path,
		logger: logger,
		events: make(chan []CronSeed, 4),
	}
}

func (w *SeedWatcher) Events() <-chan []CronSeed {
	return w.events
}

// Start watches w.path for writes, parsing and emitting on each one. Parse
// errors are logged and skipped rather than propagated, since a bad edit
// to the seed file shouldn't take down an already-running kernel.
func (w *SeedWatcher) Start(ctx context.Context) error {
	if w.path == "" {
		close(w.events)
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create seed watcher: %w", err)
	}
	if err := fsw.Add(w.path); err != nil {
		w.logger.Warn("cron seed file not found yet, watching parent for create", "path", w.path, "error", err)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				seeds, err := LoadCronSeeds(w.path)
				if err != nil {
					w.logger.Error("reload cron seed file failed", "path", w.path, "error", err)
					continue
				}
				select {
				case w.events <- seeds:
				default:
				}
				w.logger.Info("cron seed file reloaded", "path", w.path, "count", len(seeds))
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("seed watcher error", "error", err)
			}
		}
	}()
	return nil
}
