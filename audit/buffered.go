package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Buffered decorates a sink with its own delivery goroutine and a bounded
// buffer. Emit never blocks: when the buffer is full the event is dropped
// and counted. Delivery retries transient sink errors on an exponential
// backoff schedule before counting a failure.
type Buffered struct {
	inner Sink
	ch    chan Event

	dropped  atomic.Uint64
	failures atomic.Uint64

	maxRetries uint64
	closeOnce  sync.Once
	done       chan struct{}
}

// NewBuffered wraps inner with a buffer of the given size (default 1024).
func NewBuffered(inner Sink, size int) *Buffered {
	if size <= 0 {
		size = 1024
	}
	b := &Buffered{inner: inner, ch: make(chan Event, size), maxRetries: 4, done: make(chan struct{})}
	go b.run()
	return b
}

func (b *Buffered) Emit(ev Event) error {
	select {
	case b.ch <- ev:
	default:
		b.dropped.Add(1)
	}
	return nil
}

// Dropped reports events discarded because the buffer was full.
func (b *Buffered) Dropped() uint64 { return b.dropped.Load() }

// Failures reports events the inner sink refused after retries.
func (b *Buffered) Failures() uint64 { return b.failures.Load() }

// Close stops accepting events and drains the buffer.
func (b *Buffered) Close() error {
	b.closeOnce.Do(func() { close(b.ch) })
	<-b.done
	return nil
}

func (b *Buffered) run() {
	defer close(b.done)
	for ev := range b.ch {
		b.deliver(ev)
	}
}

func (b *Buffered) deliver(ev Event) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	op := func() error { return b.inner.Emit(ev) }
	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, b.maxRetries)); err != nil {
		b.failures.Add(1)
	}
}
