package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp is the kind of change seen on the config file.
type EventOp int

const (
	// OpWrite covers creation, writes and atomic replacement.
	OpWrite EventOp = iota
	// OpRemove means the file is gone.
	OpRemove
)

func (op EventOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// FileEvent is a change to the watched file.
type FileEvent struct {
	Path string
	Op   EventOp
}

// ConfigWatcher watches one file. It watches the parent directory so that
// editors that replace the file are seen too.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool
	path    string
}

// NewConfigWatcher creates a watcher. Call Start to begin emitting events.
func NewConfigWatcher() (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &ConfigWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 16),
		errors:  make(chan error, 4),
		done:    make(chan struct{}),
	}, nil
}

// Start watches path.
func (cw *ConfigWatcher) Start(path string) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.running || cw.stopped {
		return fmt.Errorf("watcher already started")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if err := cw.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	cw.path = abs
	cw.running = true
	cw.wg.Add(1)
	go cw.processEvents()
	return nil
}

// Stop ends watching and closes the event channels.
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.stopped {
		cw.mu.Unlock()
		return nil
	}
	cw.stopped = true
	cw.running = false
	cw.mu.Unlock()

	close(cw.done)
	if err := cw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	cw.wg.Wait()

	close(cw.events)
	close(cw.errors)
	return nil
}

// Events is closed when the watcher stops.
func (cw *ConfigWatcher) Events() <-chan FileEvent {
	return cw.events
}

// Errors is closed when the watcher stops.
func (cw *ConfigWatcher) Errors() <-chan error {
	return cw.errors
}

func (cw *ConfigWatcher) IsRunning() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.running
}

func (cw *ConfigWatcher) processEvents() {
	defer cw.wg.Done()

	for {
		select {
		case <-cw.done:
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if fe, ok := cw.convertEvent(event); ok {
				select {
				case cw.events <- fe:
				case <-cw.done:
					return
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case cw.errors <- err:
			case <-cw.done:
				return
			}
		}
	}
}

// convertEvent keeps events on the watched file and drops chmod.
func (cw *ConfigWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	abs, err := filepath.Abs(event.Name)
	if err != nil || abs != cw.path {
		return FileEvent{}, false
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		return FileEvent{Path: abs, Op: OpWrite}, true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return FileEvent{Path: abs, Op: OpRemove}, true
	default:
		return FileEvent{}, false
	}
}
