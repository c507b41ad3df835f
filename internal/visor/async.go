package visor

import (
	"sync"
	"sync/atomic"

	"doodle-forge/internal/model"
)

// AsyncSink forwards events to another sink from its own goroutine. When
// the queue is full the event is dropped so the caller never waits.
type AsyncSink struct {
	next    Sink
	events  chan func(Sink)
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Async starts forwarding to next through a queue of n events.
func Async(next Sink, n int) *AsyncSink {
	if n <= 0 {
		n = 64
	}
	a := &AsyncSink{next: next, events: make(chan func(Sink), n), done: make(chan struct{})}
	go a.run()
	return a
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for fn := range a.events {
		fn(a.next)
	}
}

func (a *AsyncSink) enqueue(fn func(Sink)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.events <- fn:
	default:
		a.dropped.Add(1)
	}
}

// Dropped is the number of events discarded so far.
func (a *AsyncSink) Dropped() int64 { return a.dropped.Load() }

// Close delivers the queued events and stops the goroutine.
func (a *AsyncSink) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncSink) TrainBegin(info model.RunInfo) {
	a.enqueue(func(s Sink) { s.TrainBegin(info) })
}

func (a *AsyncSink) BatchEnd(logs model.BatchLogs) {
	a.enqueue(func(s Sink) { s.BatchEnd(logs) })
}

func (a *AsyncSink) EpochEnd(logs model.EpochLogs) {
	a.enqueue(func(s Sink) { s.EpochEnd(logs) })
}

func (a *AsyncSink) TrainEnd(eval model.Evaluation) {
	a.enqueue(func(s Sink) { s.TrainEnd(eval) })
}
