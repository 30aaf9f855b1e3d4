// Package watcher reports file activity under the engine's data directory
// as FileChangeEvents on the event bus.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentrelay/internal/domain"
)

// Watcher recursively watches a root directory.
type Watcher struct {
	root   string
	bus    domain.EventBus
	logger *slog.Logger
	now    func() time.Time

	fsw      *fsnotify.Watcher
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a watcher over root. Call Start to begin watching.
func New(root string, bus domain.EventBus, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("watcher: resolve %s: %w", root, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	return &Watcher{
		root:   abs,
		bus:    bus,
		logger: logger.With("component", "watcher"),
		now:    time.Now,
		fsw:    fsw,
	}, nil
}

// Root returns the absolute watched directory.
func (w *Watcher) Root() string { return w.root }

// Start adds the directory tree and begins delivering events until ctx is
// done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	info, err := os.Stat(w.root)
	if err != nil {
		return domain.NewSubSystemError("watcher", "Watcher.Start", domain.ErrNotFound, err.Error())
	}
	if !info.IsDir() {
		return domain.NewSubSystemError("watcher", "Watcher.Start", domain.ErrInvalidInput, w.root+" is not a directory")
	}
	if err := w.addTree(w.root); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("watching", "root", w.root, "dirs", len(w.fsw.WatchList()))
	return nil
}

// Stop releases the OS watches and waits for the loop to exit. Safe to call
// more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			w.fsw.Close()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	change, ok := changeType(ev.Op)
	if !ok {
		return
	}

	if change == domain.ChangeCreate {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("watch new directory failed", "path", ev.Name, "error", err)
			}
			return
		}
	}

	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)

	w.bus.Emit(ctx, domain.FileChangeEvent{
		Path:         ev.Name,
		RelativePath: rel,
		ChangeType:   change,
		FileType:     Classify(rel),
		Timestamp:    w.now(),
	})
}

// addTree watches dir and every directory below it. Directories that vanish
// mid-walk are skipped.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return fmt.Errorf("watcher: add %s: %w", p, err)
		}
		return nil
	})
}

func changeType(op fsnotify.Op) (domain.ChangeType, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return domain.ChangeCreate, true
	case op.Has(fsnotify.Write):
		return domain.ChangeModify, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return domain.ChangeDelete, true
	}
	return "", false
}

// Classify reports the file type of a slash-separated path relative to the
// watched root.
func Classify(rel string) domain.FileType {
	if !strings.HasPrefix(rel, "projects/") {
		return domain.FileTypeOther
	}
	base := filepath.Base(rel)
	ext := filepath.Ext(base)
	if ext != ".jsonl" && ext != ".json" {
		return domain.FileTypeOther
	}
	if strings.HasPrefix(base, "agent-") {
		return domain.FileTypeAgentSession
	}
	return domain.FileTypeSession
}
