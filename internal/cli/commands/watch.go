package commands

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapsync/internal/cli/output"
	"github.com/leapstack-labs/leapsync/internal/mapping"
)

const watchDebounce = 100 * time.Millisecond

// NewWatchCommand creates the watch command.
func NewWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Re-validate mapping files as they change",
		Long: `Watch the mapping directory and, whenever a mapping file is written,
validate it against the live schemas of every table that uses it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r := cc.Renderer
			r.Println(r.Styles().Muted.Render("watching " + cc.Cfg.MappingDirectory))
			return watchMappings(ctx, cc.Cfg.MappingDirectory, cc.Logger, func(path string) {
				issues, err := cc.Engine.MappingIssues(ctx, path)
				if err != nil {
					r.Error(filepath.Base(path) + ": " + err.Error())
					return
				}
				renderMappingIssues(r, filepath.Base(path), issues)
			})
		},
	}
}

func renderMappingIssues(r *output.Renderer, file string, issues map[string][]string) {
	if r.EffectiveMode() == output.ModeJSON {
		_ = r.JSON(map[string]any{"file": file, "tables": issues})
		return
	}
	s := r.Styles()
	if len(issues) == 0 {
		r.Println(s.Muted.Render(file + ": no table uses this mapping"))
		return
	}
	tables := make([]string, 0, len(issues))
	for t := range issues {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		if len(issues[t]) == 0 {
			r.Println(s.Success.Render("✓ ") + file + " → " + s.Bold.Render(t))
			continue
		}
		r.Println(s.Error.Render("✗ ") + file + " → " + s.Bold.Render(t))
		for _, issue := range issues[t] {
			r.Println("    " + s.Muted.Render(issue))
		}
	}
}

// watchMappings calls check with the path of each mapping file written
// under dir, debounced per file, until ctx is cancelled.
func watchMappings(ctx context.Context, dir string, logger *slog.Logger, check func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watchDirRecursive(watcher, dir); err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		timers = make(map[string]*time.Timer)
	)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watchDirRecursive(watcher, event.Name)
					continue
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if _, ok := mapping.FormatOf(event.Name); !ok {
				continue
			}

			path := event.Name
			mu.Lock()
			if t, ok := timers[path]; ok {
				t.Stop()
			}
			timers[path] = time.AfterFunc(watchDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				logger.Debug("mapping changed, validating", "file", path)
				check(path)
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher error", "error", err)
		}
	}
}

// watchDirRecursive adds a directory and all subdirectories to the watcher.
func watchDirRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
