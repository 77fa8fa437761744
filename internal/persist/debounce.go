package persist

import (
	"sync"
	"time"
)

// debouncer holds at most one pending call; scheduling again replaces it.
type debouncer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func (d *debouncer) schedule(delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(delay, fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
