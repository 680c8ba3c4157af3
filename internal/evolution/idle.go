package evolution

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// IdleDetector watches a SQLite database file's directory for write
// activity (journal/WAL churn) and signals once no activity has been seen
// for the configured threshold. Grounded on the same fsnotify watcher
// pattern used elsewhere in this codebase to watch a directory for file
// events, repointed here at write-activity detection instead of consuming
// one-shot event files.
type IdleDetector struct {
	threshold time.Duration
	watcher   *fsnotify.Watcher
	idleCh    chan struct{}
	done      chan struct{}

	mu           sync.Mutex
	lastActivity time.Time
}

// NewIdleDetector creates a detector watching the directory containing
// dbPath. threshold <= 0 defaults to 60 seconds, per section 4.5's default.
func NewIdleDetector(dbPath string, threshold time.Duration) (*IdleDetector, error) {
	if threshold <= 0 {
		threshold = 60 * time.Second
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(dbPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}

	d := &IdleDetector{
		threshold:    threshold,
		watcher:      w,
		idleCh:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
	go d.loop()
	return d, nil
}

// Idle returns a channel that receives a value each time the store has been
// quiet for the configured threshold. Sends are non-blocking: a pending
// idle signal is not duplicated while the consumer is still catching up.
func (d *IdleDetector) Idle() <-chan struct{} {
	return d.idleCh
}

// Stop releases the underlying filesystem watcher.
func (d *IdleDetector) Stop() {
	_ = d.watcher.Close()
	<-d.done
}

func (d *IdleDetector) loop() {
	defer close(d.done)
	ticker := time.NewTicker(d.threshold / 4)
	defer ticker.Stop()

	firedSinceActivity := false
	for {
		select {
		case evt, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			_ = evt
			d.mu.Lock()
			d.lastActivity = time.Now()
			d.mu.Unlock()
			firedSinceActivity = false

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[evolution] idle detector watcher error: %v", err)

		case <-ticker.C:
			d.mu.Lock()
			quiet := time.Since(d.lastActivity)
			d.mu.Unlock()
			if quiet >= d.threshold && !firedSinceActivity {
				firedSinceActivity = true
				select {
				case d.idleCh <- struct{}{}:
				default:
				}
			}
		}
	}
}
