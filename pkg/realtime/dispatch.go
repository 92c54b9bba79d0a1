package realtime

import "sync"

// dispatcher runs callbacks one at a time, in the order they were pushed, on
// a single goroutine. The queue is unbounded so a callback may push (for
// example by calling Close) without deadlocking.
type dispatcher struct {
	once sync.Once
	wake chan struct{}

	mu      sync.Mutex
	queue   []func()
	stopped bool
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		wake: make(chan struct{}, 1),
	}
}

func (d *dispatcher) push(fn func()) {
	d.once.Do(func() { go d.run() })

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// stop lets queued callbacks drain, then ends the goroutine.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				stopped := d.stopped
				d.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			fn := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()

			fn()
		}
	}
}
