package am

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teranos/bibexport/errors"
	"github.com/teranos/bibexport/logger"
)

// ChangeCallback is called once per debounced burst of writes to a watched file.
type ChangeCallback func(path string)

// Watcher watches files for changes and calls back after a quiet period.
// Used for config reloads and for re-running auto-exports when the library
// snapshot is rewritten.
type Watcher struct {
	watcher        *fsnotify.Watcher
	callbacks      []ChangeCallback
	mu             sync.Mutex
	timers         map[string]*time.Timer
	debouncePeriod time.Duration
	ownWrite       bool
	done           chan struct{}
}

var (
	globalWatcher   *Watcher
	globalWatcherMu sync.Mutex
)

// NewWatcher creates a watcher on the given files.
func NewWatcher(debounce time.Duration, paths ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	for _, p := range paths {
		// Watch the directory: editors replace files by rename, which drops a file watch
		if err := fw.Add(filepath.Dir(p)); err != nil {
			fw.Close()
			return nil, errors.Wrapf(err, "failed to watch %s", p)
		}
	}

	w := &Watcher{
		watcher:        fw,
		timers:         make(map[string]*time.Timer),
		debouncePeriod: debounce,
		done:           make(chan struct{}),
	}
	w.mu.Lock()
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		w.timers[abs] = nil
	}
	w.mu.Unlock()

	return w, nil
}

// OnChange registers a callback
func (w *Watcher) OnChange(cb ChangeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// MarkOwnWrite makes the watcher skip the next write event
func (w *Watcher) MarkOwnWrite() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ownWrite = true
}

// Start begins watching in the background
func (w *Watcher) Start() {
	go w.loop()
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if isBackupFile(event.Name) {
				continue
			}
			w.schedule(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("File watcher error", "error", err)
		}
	}
}

// schedule debounces events for one watched path
func (w *Watcher) schedule(name string) {
	abs, err := filepath.Abs(name)
	if err != nil {
		abs = name
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	timer, watched := w.timers[abs]
	if !watched {
		return
	}
	if w.ownWrite {
		w.ownWrite = false
		logger.Debugw("Watcher ignoring own write", "file", abs)
		return
	}
	if timer != nil {
		timer.Stop()
	}
	w.timers[abs] = time.AfterFunc(w.debouncePeriod, func() { w.fire(abs) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	callbacks := make([]ChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logger.Infow("Watched file changed", "file", path)
	for _, cb := range callbacks {
		cb(path)
	}
}

// WatchConfig reloads the configuration whenever configPath changes and hands
// the new config to onReload. The watcher is registered globally so Save calls
// don't trigger a reload of our own write.
func WatchConfig(configPath string, onReload func(*Config)) (*Watcher, error) {
	w, err := NewWatcher(500*time.Millisecond, configPath)
	if err != nil {
		return nil, err
	}
	w.OnChange(func(string) {
		Reset()
		cfg, err := Load()
		if err != nil {
			logger.Errorw("Config reload failed", "error", err)
			return
		}
		onReload(cfg)
	})

	globalWatcherMu.Lock()
	globalWatcher = w
	globalWatcherMu.Unlock()

	w.Start()
	return w, nil
}

// isBackupFile checks if the file is a rotated config backup
func isBackupFile(path string) bool {
	ext := filepath.Ext(filepath.Base(path))
	return ext == ".back1" || ext == ".back2" || ext == ".back3"
}
