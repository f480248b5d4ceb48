package worker

import (
	"fmt"
	"sync"
	"time"
)

// deadline is the per-request wall-clock limit. Expiry is fatal: the
// fire function terminates the whole worker process, and the
// dispatcher observes the death and fails the open response. The page
// may move the deadline exactly once, discarding the original timer.
type deadline struct {
	mu      sync.Mutex
	timer   *time.Timer
	fire    func()
	reset   bool
	stopped bool
}

func startDeadline(d time.Duration, fire func()) *deadline {
	dl := &deadline{fire: fire}
	dl.timer = time.AfterFunc(d, fire)
	return dl
}

// Reset replaces the running timer with a new duration. Only one
// reset per request is allowed.
func (d *deadline) Reset(dur time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil
	}
	if d.reset {
		return fmt.Errorf("deadline may only be reset once per request")
	}
	d.reset = true
	d.timer.Stop()
	d.timer = time.AfterFunc(dur, d.fire)
	return nil
}

// Stop cancels the timer when the request settles
func (d *deadline) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.timer.Stop()
}
