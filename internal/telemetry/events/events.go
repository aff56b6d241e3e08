// Package events implements the internal lifecycle event bus. Publishing
// never blocks: slow subscribers drop events and the drops are counted.
package events

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webqx/triage-engine/internal/telemetry/metrics"
	"github.com/webqx/triage-engine/internal/telemetry/tracing"
)

const (
	CategoryTriage = "triage"
	CategoryHealth = "health"
	CategoryConfig = "config_change"
	CategoryError  = "error"
)

type Event struct {
	Time     time.Time              `json:"time"`
	Category string                 `json:"category"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	SpanID   string                 `json:"span_id,omitempty"`
	Labels   map[string]string      `json:"labels,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

type Subscription interface {
	C() <-chan Event
	Close() error
	ID() int64
}

type BusStats struct {
	Subscribers int64
	Published   uint64
	Dropped     uint64
}

type Bus interface {
	Publish(ev Event) error
	PublishCtx(ctx context.Context, ev Event) error
	Subscribe(buffer int) (Subscription, error)
	Unsubscribe(sub Subscription) error
	Stats() BusStats
}

// NewBus constructs a bus; provider may be nil (no instrument wiring).
func NewBus(provider metrics.Provider) Bus {
	b := &eventBus{subs: make(map[int64]*subscriber)}
	if provider != nil {
		b.mPublished = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "triage", Subsystem: "events", Name: "published_total", Help: "Total events published"}})
		b.mDropped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "triage", Subsystem: "events", Name: "dropped_total",
			Help: "Total events dropped due to backpressure", Labels: []string{"subscriber"}}})
	}
	return b
}

type eventBus struct {
	mu        sync.RWMutex
	subs      map[int64]*subscriber
	nextID    int64
	published atomic.Uint64
	dropped   atomic.Uint64

	mPublished metrics.Counter
	mDropped   metrics.Counter
}

func (b *eventBus) Publish(ev Event) error {
	if ev.Category == "" {
		return errors.New("event missing category")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	b.published.Add(1)
	if b.mPublished != nil {
		b.mPublished.Inc(1)
	}
	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			if b.mDropped != nil {
				b.mDropped.Inc(1, s.idLabel)
			}
		}
	}
	return nil
}

func (b *eventBus) PublishCtx(ctx context.Context, ev Event) error {
	if ev.TraceID == "" && ev.SpanID == "" {
		ev.TraceID, ev.SpanID = tracing.ExtractIDs(ctx)
	}
	return b.Publish(ev)
}

func (b *eventBus) Subscribe(buffer int) (Subscription, error) {
	if buffer <= 0 {
		buffer = 64
	}
	id := atomic.AddInt64(&b.nextID, 1)
	sub := &subscriber{id: id, ch: make(chan Event, buffer), bus: b, idLabel: strconv.FormatInt(id, 10)}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return sub, nil
}

func (b *eventBus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	b.mu.Lock()
	s := b.subs[sub.ID()]
	delete(b.subs, sub.ID())
	b.mu.Unlock()
	if s != nil {
		close(s.ch)
	}
	return nil
}

func (b *eventBus) Stats() BusStats {
	b.mu.RLock()
	n := int64(len(b.subs))
	b.mu.RUnlock()
	return BusStats{Subscribers: n, Published: b.published.Load(), Dropped: b.dropped.Load()}
}

type subscriber struct {
	id      int64
	ch      chan Event
	bus     *eventBus
	idLabel string
}

func (s *subscriber) C() <-chan Event { return s.ch }
func (s *subscriber) ID() int64       { return s.id }
func (s *subscriber) Close() error    { return s.bus.Unsubscribe(s) }
