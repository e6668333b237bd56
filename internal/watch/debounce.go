package watch

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kitbash/meshview/internal/logging"
	"github.com/kitbash/meshview/internal/metrics"
)

// DefaultQuietPeriod is how long a file must stay unchanged before its
// coalesced change is forwarded. Editors and exporters often write a
// file several times in quick succession.
const DefaultQuietPeriod = 100 * time.Millisecond

// Settled is one coalesced change, with metadata observed at quiet-
// period expiry rather than at first notification. Exists=false means
// the file is gone; a create-then-delete burst therefore settles to a
// removal of a file the registry never saw, which the sequencer drops.
type Settled struct {
	Name   string
	Exists bool
	MTime  time.Time
	Size   int64
}

// Debouncer coalesces raw notifications per file name. Each name has
// its own quiet-period timer; distinct names settle independently.
type Debouncer struct {
	dir   string
	quiet time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	out     chan Settled
	done    chan struct{}
	stopped bool
}

// NewDebouncer creates a debouncer statting files under dir. A zero
// quiet period uses DefaultQuietPeriod.
func NewDebouncer(dir string, quiet time.Duration) *Debouncer {
	if quiet == 0 {
		quiet = DefaultQuietPeriod
	}
	return &Debouncer{
		dir:    dir,
		quiet:  quiet,
		timers: make(map[string]*time.Timer),
		out:    make(chan Settled, 64),
		done:   make(chan struct{}),
	}
}

// Notify records raw activity for name, (re)starting its quiet-period
// timer.
func (d *Debouncer) Notify(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if t, ok := d.timers[name]; ok {
		t.Reset(d.quiet)
		metrics.RecordCoalescedNotification()
		return
	}
	d.timers[name] = time.AfterFunc(d.quiet, func() {
		d.settle(name)
	})
}

func (d *Debouncer) settle(name string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.timers, name)
	d.mu.Unlock()

	s := Settled{Name: name}
	info, err := os.Stat(filepath.Join(d.dir, name))
	switch {
	case err == nil:
		if info.IsDir() {
			return
		}
		s.Exists = true
		s.MTime = info.ModTime()
		s.Size = info.Size()
	case os.IsNotExist(err):
		// Exists stays false.
	default:
		// Transient stat failure. The next raw event for this name
		// restarts the cycle.
		logging.L().Debug("stat failed, skipping settled change",
			zap.String("name", name), zap.Error(err))
		return
	}

	select {
	case d.out <- s:
	case <-d.done:
	}
}

// Output returns the channel of settled changes. The channel is never
// closed; consumers stop via their own context.
func (d *Debouncer) Output() <-chan Settled {
	return d.out
}

// Stop cancels pending timers and unblocks in-flight settles. Safe to
// call more than once.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	for name, t := range d.timers {
		t.Stop()
		delete(d.timers, name)
	}
	close(d.done)
}
