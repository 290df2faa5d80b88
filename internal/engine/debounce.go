package engine

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// debounceWindow is how long rapid repeat toggles coalesce before the single
// surviving intent is written remotely.
const debounceWindow = 300 * time.Millisecond

// debouncer delays fn until the window elapses without another Trigger.
// Last write wins: every Trigger resets the window.
type debouncer struct {
	clock clockwork.Clock
	fn    func()

	mu    sync.Mutex
	timer clockwork.Timer
}

func newDebouncer(clock clockwork.Clock, fn func()) *debouncer {
	return &debouncer{clock: clock, fn: fn}
}

// Trigger (re)starts the window.
func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(debounceWindow, d.fn)
}

// Stop cancels a pending fire, if any.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
