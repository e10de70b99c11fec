package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis"
	"go.uber.org/zap"
)

// watchAndAnalyze runs one batch, then another after every settled change to the archive,
// until ctx is cancelled.
func (a *app) watchAndAnalyze(ctx context.Context, gw analysis.Gateway, o analyzeOptions) error {
	if _, err := a.analyze(ctx, gw, o); err != nil {
		return err
	}
	return watchArchive(ctx, a.cfg.Input, o.debounce, a.log, func(ctx context.Context) {
		if _, err := a.analyze(ctx, gw, o); err != nil {
			a.log.Warn("watch: run failed", zap.Error(err))
		}
	})
}

// watchArchive calls onChange once per burst of writes to the archive at input. input may be a
// directory (conversations.json / shared_conversations.json inside it) or a single file.
func watchArchive(ctx context.Context, input string, debounce time.Duration, log *zap.Logger, onChange func(context.Context)) error {
	fi, err := os.Stat(input)
	if err != nil {
		return fmt.Errorf("watch: stat input: %w", err)
	}
	dir := input
	if !fi.IsDir() {
		dir = filepath.Dir(input)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create watcher: %w", err)
	}
	defer w.Close()
	// Watch the parent so atomic replace (rename over the file) is still observed.
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch: add %s: %w", dir, err)
	}
	log.Info("watch: waiting for archive changes", zap.String("dir", dir), zap.Duration("debounce", debounce))

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isArchiveEvent(input, fi.IsDir(), ev) {
				continue
			}
			log.Debug("watch: archive event", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch: watcher error", zap.Error(err))
		case <-timer.C:
			onChange(ctx)
		}
	}
}

func isArchiveEvent(input string, inputIsDir bool, ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(ev.Name)
	if !inputIsDir {
		return name == filepath.Clean(input)
	}
	base := filepath.Base(name)
	return base == analysis.ConversationsFile || base == analysis.SharedConversationsFile
}
