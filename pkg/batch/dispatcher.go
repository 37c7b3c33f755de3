package batch

import (
	"sync"
)

// Dispatcher runs queued functions one at a time, in submission order, on a
// single goroutine. Queued functions may enqueue more work.
type Dispatcher struct {
	mu        sync.Mutex
	pending   []func()
	flushChan chan struct{}
	stopChan  chan struct{}
	doneChan  chan struct{}
	stopOnce  sync.Once
	onPanic   func(recovered any)
}

// NewDispatcher starts a dispatcher. onPanic may be nil.
func NewDispatcher(onPanic func(recovered any)) *Dispatcher {
	d := &Dispatcher{
		flushChan: make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
		onPanic:   onPanic,
	}

	go d.run()

	return d
}

// Add queues fn. It never blocks.
func (d *Dispatcher) Add(fn func()) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, fn)
	d.mu.Unlock()

	select {
	case d.flushChan <- struct{}{}:
	default:
	}
}

// Wait blocks until everything queued before the call has run. It must not
// be called from a queued function.
func (d *Dispatcher) Wait() {
	done := make(chan struct{})
	d.Add(func() { close(done) })
	select {
	case <-done:
	case <-d.doneChan:
	}
}

// PendingCount returns the number of queued functions
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop runs what is already queued and stops the worker.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
	<-d.doneChan
}

func (d *Dispatcher) run() {
	defer close(d.doneChan)

	for {
		select {
		case <-d.flushChan:
			d.flush()
		case <-d.stopChan:
			// Final flush on stop
			d.flush()
			return
		}
	}
}

func (d *Dispatcher) flush() {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return
		}
		ops := d.pending
		d.pending = nil
		d.mu.Unlock()

		for _, fn := range ops {
			d.call(fn)
		}
	}
}

func (d *Dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil && d.onPanic != nil {
			d.onPanic(r)
		}
	}()
	fn()
}
