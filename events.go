package causalkv

import "sync"

// ChangeType is the kind of a ChangeEvent.
type ChangeType string

const (
	ChangePut ChangeType = "put"
	ChangeDel ChangeType = "del"
)

// ChangeEvent reports that the visible value of a key changed, either by a
// local mutation or by a remote write winning a merge. Value is the zero
// value for deletions.
type ChangeEvent[K ~string, V any] struct {
	Type  ChangeType
	Key   K
	Value V
}

// dispatcher runs observer callbacks on one goroutine in posting order, so
// slow observers never stall the log. Callbacks posted before start are
// held until it is called.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func newDispatcher() *dispatcher {
	return &dispatcher{wake: make(chan struct{}, 1)}
}

func (d *dispatcher) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	d.wg.Add(1)
	go d.run()
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	if d.closed {
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

func (d *dispatcher) run() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range queue {
			fn()
		}
		if len(queue) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

// close delivers what was already posted and stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	d.wg.Wait()
}

// observers holds registered callbacks.
type observers[K ~string, V any] struct {
	mu        sync.RWMutex
	onChange  []func(ChangeEvent[K, V])
	onError   []func(error)
	onNewHead []func(string)
}

func (o *observers[K, V]) changeHandlers() []func(ChangeEvent[K, V]) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.onChange
}

func (o *observers[K, V]) errorHandlers() []func(error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.onError
}

func (o *observers[K, V]) headHandlers() []func(string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.onNewHead
}
