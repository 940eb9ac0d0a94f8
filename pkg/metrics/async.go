package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver decouples event producers from a slow inner observer by
// buffering events on a channel and forwarding them from a single
// goroutine. When the buffer is full the event is dropped rather than
// blocking the pipeline; Dropped reports how many.
type AsyncObserver struct {
	inner Observer
	ch    chan MetricsEvent

	mu      sync.RWMutex
	closed  bool
	drained chan struct{}
	dropped atomic.Int64
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner:   inner,
		ch:      make(chan MetricsEvent, buffer),
		drained: make(chan struct{}),
	}
	go a.loop()
	return a
}

// RecordEvent enqueues ev for the forwarding goroutine. After Close it
// is a no-op. The read lock is held across the send so Close cannot
// close the channel between the closed check and the send.
func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the buffer
// was full.
func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops intake and blocks until every buffered event has been
// forwarded to the inner observer. Idempotent.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.drained
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()
	<-a.drained
}

func (a *AsyncObserver) loop() {
	for ev := range a.ch {
		a.inner.RecordEvent(ev)
	}
	close(a.drained)
}
