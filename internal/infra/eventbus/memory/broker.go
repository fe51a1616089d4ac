// Package memory provides the in-process scan event broker. Every scan gets
// its own stream with a bounded replay buffer so late subscribers see the
// events they missed. Delivery never blocks the publishing scan: a
// subscriber whose buffer is full loses the event.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahrav/riskscan/internal/domain/events"
	"github.com/ahrav/riskscan/pkg/common/logger"
	"github.com/ahrav/riskscan/pkg/common/timeutil"
)

var (
	_ events.Publisher  = (*Broker)(nil)
	_ events.Subscriber = (*Broker)(nil)
)

const (
	defaultReplayLimit = 256
	defaultBufferSize  = 64
	defaultRetention   = 5 * time.Minute
	defaultIdleTTL     = 15 * time.Minute
	relayQueueSize     = 1024
)

type handler[T any] struct{ fn func(T) error }

type handlerList[T any] []*handler[T]

type subscription struct {
	ch     chan events.ScanEvent
	closed bool
}

type stream struct {
	seq       uint64
	history   []events.ScanEvent
	subs      map[uint64]*subscription
	done      bool
	updatedAt time.Time
}

// Broker fans scan events out to per-scan subscribers and to wildcard
// handlers such as external relays.
type Broker struct {
	mu      sync.Mutex
	streams map[string]*stream
	nextSub uint64

	handlersMu sync.RWMutex
	handlers   handlerList[events.ScanEvent]
	queue      chan events.ScanEvent

	replayLimit int
	bufferSize  int
	retention   time.Duration
	idleTTL     time.Duration

	dropped atomic.Uint64

	clock  timeutil.Provider
	logger *logger.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithReplayLimit bounds the number of events kept per scan.
func WithReplayLimit(n int) Option { return func(b *Broker) { b.replayLimit = n } }

// WithBufferSize sets the channel capacity of each subscription beyond the
// replayed history.
func WithBufferSize(n int) Option { return func(b *Broker) { b.bufferSize = n } }

// WithRetention sets how long a finished scan's stream stays replayable.
func WithRetention(d time.Duration) Option { return func(b *Broker) { b.retention = d } }

// WithClock overrides the time source.
func WithClock(c timeutil.Provider) Option { return func(b *Broker) { b.clock = c } }

// NewBroker creates a Broker.
func NewBroker(log *logger.Logger, opts ...Option) *Broker {
	b := &Broker{
		streams:     make(map[string]*stream),
		queue:       make(chan events.ScanEvent, relayQueueSize),
		replayLimit: defaultReplayLimit,
		bufferSize:  defaultBufferSize,
		retention:   defaultRetention,
		idleTTL:     defaultIdleTTL,
		clock:       timeutil.Default(),
		logger:      log.With("component", "event_broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stamps the event with the next sequence number of its scan and
// delivers it to current subscribers. Events published after a terminal
// event are discarded.
func (b *Broker) Publish(ctx context.Context, evt events.ScanEvent) {
	if evt.ScanID == "" {
		return
	}
	now := b.clock.Now()

	b.mu.Lock()
	s := b.streamLocked(evt.ScanID, now)
	if s.done {
		b.mu.Unlock()
		return
	}
	s.seq++
	evt.Sequence = s.seq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = now
	}
	s.updatedAt = now

	s.history = append(s.history, evt)
	if over := len(s.history) - b.replayLimit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}

	for _, sub := range s.subs {
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}

	if evt.Type.IsTerminal() {
		s.done = true
		for id, sub := range s.subs {
			sub.closed = true
			close(sub.ch)
			delete(s.subs, id)
		}
	}
	b.mu.Unlock()

	select {
	case b.queue <- evt:
	default:
		b.dropped.Add(1)
		b.logger.Debug(ctx, "relay queue full, dropping event", "scan_id", evt.ScanID, "seq", evt.Sequence)
	}
}

func (b *Broker) streamLocked(scanID string, now time.Time) *stream {
	s, ok := b.streams[scanID]
	if !ok {
		s = &stream{subs: make(map[uint64]*subscription), updatedAt: now}
		b.streams[scanID] = s
	}
	return s
}

// Subscribe implements events.Subscriber. A scan that has not started yet
// can be subscribed to; its events are delivered once published.
func (b *Broker) Subscribe(ctx context.Context, scanID string) (<-chan events.ScanEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if scanID == "" {
		return nil, nil, errors.New("scan id cannot be empty")
	}

	b.mu.Lock()
	s := b.streamLocked(scanID, b.clock.Now())
	sub := &subscription{ch: make(chan events.ScanEvent, len(s.history)+b.bufferSize)}
	for _, evt := range s.history {
		sub.ch <- evt
	}
	if s.done {
		sub.closed = true
		close(sub.ch)
		b.mu.Unlock()
		return sub.ch, func() {}, nil
	}
	b.nextSub++
	id := b.nextSub
	s.subs[id] = sub
	b.mu.Unlock()

	released := make(chan struct{})
	var once sync.Once
	release := func() {
		once.Do(func() {
			close(released)
			b.mu.Lock()
			defer b.mu.Unlock()
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			if cur, ok := b.streams[scanID]; ok {
				delete(cur.subs, id)
			}
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			release()
		case <-released:
		}
	}()

	return sub.ch, release, nil
}

// SubscribeAll registers a handler that receives every event of every scan
// on the dispatch goroutine started by Run. The handler is removed when ctx
// is done.
func (b *Broker) SubscribeAll(ctx context.Context, fn func(events.ScanEvent) error) error {
	return subscribe(ctx, &b.handlersMu, &b.handlers, fn)
}

// AddRelay forwards every event to r until ctx is done.
func (b *Broker) AddRelay(ctx context.Context, r events.Relay) error {
	return b.SubscribeAll(ctx, func(evt events.ScanEvent) error {
		return r.Forward(ctx, evt)
	})
}

// subscribe is a generic helper for registering handlers.
func subscribe[T any](ctx context.Context, mu *sync.RWMutex, handlers *handlerList[T], fn func(T) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fn == nil {
		return errors.New("handler cannot be nil")
	}

	h := &handler[T]{fn: fn}
	mu.Lock()
	*handlers = append(*handlers, h)
	mu.Unlock()

	go func() {
		<-ctx.Done()
		mu.Lock()
		defer mu.Unlock()
		for i, cur := range *handlers {
			if cur == h {
				*handlers = append((*handlers)[:i:i], (*handlers)[i+1:]...)
				return
			}
		}
	}()
	return nil
}

// dispatch is a generic helper that runs msg through a copy of handlers,
// returning every handler error.
func dispatch[T any](mu *sync.RWMutex, handlers *handlerList[T], msg T) error {
	mu.RLock()
	// Copy to avoid holding the lock while executing handlers.
	handlersCopy := make(handlerList[T], len(*handlers))
	copy(handlersCopy, *handlers)
	mu.RUnlock()

	var errs []error
	for _, h := range handlersCopy {
		if err := h.fn(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run delivers queued events to wildcard handlers and evicts finished or
// idle streams until ctx is done.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.queue:
			if err := dispatch(&b.handlersMu, &b.handlers, evt); err != nil {
				b.logger.Warn(ctx, "event relay failed", "scan_id", evt.ScanID, "type", evt.Type.String(), "error", err)
			}
		case <-ticker.C:
			if n := b.Evict(); n > 0 {
				b.logger.Debug(ctx, "evicted event streams", "count", n)
			}
		}
	}
}

// Evict removes streams that finished longer than the retention period ago
// and streams without subscribers that have been idle past the idle TTL. It
// returns the number of streams removed.
func (b *Broker) Evict() int {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, s := range b.streams {
		age := now.Sub(s.updatedAt)
		if (s.done && age >= b.retention) || (len(s.subs) == 0 && age >= b.idleTTL) {
			for _, sub := range s.subs {
				if !sub.closed {
					sub.closed = true
					close(sub.ch)
				}
			}
			delete(b.streams, id)
			n++
		}
	}
	return n
}

// Streams returns the number of tracked scans.
func (b *Broker) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// Dropped returns the number of deliveries lost to full buffers.
func (b *Broker) Dropped() uint64 { return b.dropped.Load() }
