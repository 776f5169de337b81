// Package filewatch implements the file-watch trigger kind (spec.md §4.6):
// raw fsnotify events filtered by event type and glob pattern, debounced
// per workflow so a burst of writes to the same path collapses into one
// firing carrying the final event. Grounded on compozy-compozy's dev
// watcher (cli/cmd/dev/watcher.go)'s restartDebouncer: a per-subject timer
// that AfterFunc-resets on every new event and only fires once quiescent.
package filewatch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event is the `_file_event` value spec.md §4.6 injects into a fired
// workflow's inputs.
type Event struct {
	Type        string    `json:"type"`
	Path        string    `json:"path"`
	IsDirectory bool      `json:"is_directory"`
	Timestamp   time.Time `json:"timestamp"`
}

// Fire is invoked once per debounced firing, carrying the final event that
// closed the debounce window.
type Fire func(ctx context.Context, workflowName, workflowPath string, event Event)

var opNames = map[fsnotify.Op]string{
	fsnotify.Create: "create",
	fsnotify.Write:  "write",
	fsnotify.Remove: "delete",
	fsnotify.Rename: "rename",
	fsnotify.Chmod:  "chmod",
}

// watch is one registered file-watch trigger.
type watch struct {
	workflowName string
	workflowPath string
	root         string
	events       map[string]bool // empty means "all"
	pattern      string
	debounce     time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending *Event
}

// Service owns a single fsnotify.Watcher shared across every registered
// workflow, the same "one watcher, many subjects" shape the teacher's dev
// watcher uses for a single subject.
type Service struct {
	watcher *fsnotify.Watcher
	fire    Fire

	mu      sync.Mutex
	watches map[string]*watch // keyed by workflow name
}

func New(fire Fire) (*Service, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Service{watcher: w, fire: fire, watches: make(map[string]*watch)}, nil
}

// Register starts watching path for workflowName. events is the allowed
// subset of create/write/delete/rename/chmod ("" or empty means all);
// pattern, if set, is matched against filepath.Base of the changed path via
// path/filepath's glob syntax.
func (s *Service) Register(workflowName, workflowPath, path string, events []string, pattern string, debounce time.Duration) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if debounce <= 0 {
		debounce = time.Second
	}

	s.Unregister(workflowName)

	if err := s.watcher.Add(abs); err != nil {
		return err
	}

	set := make(map[string]bool, len(events))
	for _, e := range events {
		set[e] = true
	}

	s.mu.Lock()
	s.watches[workflowName] = &watch{
		workflowName: workflowName,
		workflowPath: workflowPath,
		root:         abs,
		events:       set,
		pattern:      pattern,
		debounce:     debounce,
	}
	s.mu.Unlock()
	return nil
}

// Unregister stops watching on workflowName's behalf. The underlying path
// stays watched if another workflow still references it.
func (s *Service) Unregister(workflowName string) {
	s.mu.Lock()
	w, ok := s.watches[workflowName]
	if ok {
		delete(s.watches, workflowName)
	}
	stillWatched := false
	for _, other := range s.watches {
		if ok && other.root == w.root {
			stillWatched = true
		}
	}
	s.mu.Unlock()

	if ok {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		if !stillWatched {
			_ = s.watcher.Remove(w.root)
		}
	}
}

// Run drains fsnotify events until ctx is cancelled or the watcher closes.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = s.watcher.Close()
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(ev)
		case <-s.watcher.Errors:
			// a failed individual watch is not fatal to the others
		}
	}
}

func (s *Service) handle(ev fsnotify.Event) {
	opName, ok := opNames[firstOp(ev.Op)]
	if !ok {
		return
	}

	s.mu.Lock()
	matches := make([]*watch, 0, 1)
	for _, w := range s.watches {
		if w.root == ev.Name || strings.HasPrefix(ev.Name, w.root+string(filepath.Separator)) {
			matches = append(matches, w)
		}
	}
	s.mu.Unlock()

	for _, w := range matches {
		if len(w.events) > 0 && !w.events[opName] {
			continue
		}
		if w.pattern != "" {
			if ok, _ := filepath.Match(w.pattern, filepath.Base(ev.Name)); !ok {
				continue
			}
		}
		event := Event{Type: opName, Path: ev.Name, Timestamp: time.Now().UTC()}
		w.schedule(event, s.fire)
	}
}

// firstOp collapses a combined fsnotify.Op bitmask (rare, but fsnotify
// allows it) down to the single op opNames can classify.
func firstOp(op fsnotify.Op) fsnotify.Op {
	for _, candidate := range []fsnotify.Op{fsnotify.Create, fsnotify.Write, fsnotify.Remove, fsnotify.Rename, fsnotify.Chmod} {
		if op&candidate != 0 {
			return candidate
		}
	}
	return op
}

// schedule resets w's debounce timer, so a burst of events against the
// same watch only fires once it goes quiet for w.debounce, carrying the
// most recent event — the same stop-and-restart AfterFunc pattern the
// teacher's restartDebouncer uses.
func (w *watch) schedule(event Event, fire Fire) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = &event
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		final := w.pending
		w.pending = nil
		w.mu.Unlock()
		if final != nil {
			fire(context.Background(), w.workflowName, w.workflowPath, *final)
		}
	})
}
