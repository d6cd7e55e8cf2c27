// Package progress implements the per-session progress bus: an append-only,
// gap-free event log per session with publish/subscribe fan-out.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"go.uber.org/zap"
)

var (
	// ErrUnknownSession is returned for sessions that were never opened or were forgotten.
	ErrUnknownSession = errors.New("progress: unknown session")
	// ErrSessionExists is returned by Open for a session id already in use.
	ErrSessionExists = errors.New("progress: session already open")
)

// Sink receives every published event, in per-session sequence order.
type Sink interface {
	Consume(ctx context.Context, ev Event) error
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(sessionID string, kind Kind, payload any) (Event, error)
}

type stream struct {
	mu     sync.Mutex
	seq    uint64
	log    []Event
	subs   map[*Subscription]struct{}
	closed bool
}

// Bus fans events out to subscribers and sinks. It is safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	sessions map[string]*stream

	subBuffer int
	log       *zap.Logger

	sinks      []Sink
	sinkMu     sync.RWMutex
	sinkQueue  chan Event
	sinkClosed bool
	sinkDone   chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithSubscriberBuffer sets the per-subscriber channel size; a subscriber
// that falls this far behind is dropped.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.subBuffer = n
		}
	}
}

// WithSink adds a sink. Sinks are fed by a single goroutine in publish order.
func WithSink(s Sink) Option {
	return func(b *Bus) {
		if s != nil {
			b.sinks = append(b.sinks, s)
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l.Named("progress")
		}
	}
}

// NewBus returns an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		sessions:  make(map[string]*stream),
		subBuffer: 256,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	if len(b.sinks) > 0 {
		b.sinkQueue = make(chan Event, 4096)
		b.sinkDone = make(chan struct{})
		go b.drain()
	}
	return b
}

// Open registers a session so events can be published for it.
func (b *Bus) Open(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[sessionID]; ok {
		return ErrSessionExists
	}
	b.sessions[sessionID] = &stream{subs: make(map[*Subscription]struct{})}
	return nil
}

func (b *Bus) stream(sessionID string) (*stream, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return s, nil
}

// Publish stamps the next sequence number and delivers the event. Sequence
// numbers start at 1 and have no gaps. Events published after Close are
// logged but have no live subscribers.
func (b *Bus) Publish(sessionID string, kind Kind, payload any) (Event, error) {
	s, err := b.stream(sessionID)
	if err != nil {
		return Event{}, err
	}
	var raw json.RawMessage
	if payload != nil {
		if raw, err = json.Marshal(payload); err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
	}

	s.mu.Lock()
	s.seq++
	ev := Event{ID: uuid.NewString(), SessionID: sessionID, Seq: s.seq, Kind: kind, Payload: raw, Time: time.Now().UTC()}
	s.log = append(s.log, ev)
	if s.closed {
		b.log.Debug("late event", zap.String("session", sessionID), zap.String("kind", string(kind)), zap.Uint64("seq", ev.Seq))
	}
	for sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(s.subs, sub)
			sub.drop()
			b.log.Warn("dropping slow subscriber", zap.String("session", sessionID))
		}
	}
	b.sinkMu.RLock()
	if b.sinkQueue != nil && !b.sinkClosed {
		select {
		case b.sinkQueue <- ev:
		default:
			b.log.Warn("sink queue full, event not persisted", zap.String("session", sessionID), zap.Uint64("seq", ev.Seq))
		}
	}
	b.sinkMu.RUnlock()
	s.mu.Unlock()

	telemetry.EventPublished(context.Background(), string(kind))
	return ev, nil
}

// Subscribe attaches a listener from the current point forward.
func (b *Bus) Subscribe(sessionID string) (*Subscription, error) {
	s, err := b.stream(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return b.attach(s, nil), nil
}

// SubscribeFrom replays the logged events with seq > afterSeq, then
// continues live. Replay and attach happen atomically, so nothing is missed
// or duplicated.
func (b *Bus) SubscribeFrom(sessionID string, afterSeq uint64) (*Subscription, error) {
	s, err := b.stream(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return b.attach(s, after(s.log, afterSeq)), nil
}

func (b *Bus) attach(s *stream, backlog []Event) *Subscription {
	size := b.subBuffer
	if len(backlog) > size {
		size = len(backlog) + b.subBuffer
	}
	sub := &Subscription{ch: make(chan Event, size)}
	sub.remove = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			sub.drop()
		}
	}
	for _, ev := range backlog {
		sub.ch <- ev
	}
	if s.closed {
		sub.drop()
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

// Events returns a copy of the logged events with seq > afterSeq.
func (b *Bus) Events(sessionID string, afterSeq uint64) ([]Event, error) {
	s, err := b.stream(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), after(s.log, afterSeq)...), nil
}

// LastSeq returns the highest sequence number issued for the session.
func (b *Bus) LastSeq(sessionID string) (uint64, error) {
	s, err := b.stream(sessionID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, nil
}

// Close ends every subscription of the session. The log is kept until Forget.
func (b *Bus) Close(sessionID string) {
	s, err := b.stream(sessionID)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for sub := range s.subs {
		delete(s.subs, sub)
		sub.drop()
	}
}

// Forget closes the session and releases its log.
func (b *Bus) Forget(sessionID string) {
	b.Close(sessionID)
	b.mu.Lock()
	delete(b.sessions, sessionID)
	b.mu.Unlock()
}

// Shutdown stops sink delivery after draining queued events or until ctx ends.
func (b *Bus) Shutdown(ctx context.Context) error {
	if b.sinkQueue == nil {
		return nil
	}
	b.sinkMu.Lock()
	if !b.sinkClosed {
		b.sinkClosed = true
		close(b.sinkQueue)
	}
	b.sinkMu.Unlock()
	select {
	case <-b.sinkDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) drain() {
	defer close(b.sinkDone)
	for ev := range b.sinkQueue {
		for _, s := range b.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Consume(ctx, ev); err != nil {
				b.log.Warn("sink failed", zap.String("session", ev.SessionID), zap.Uint64("seq", ev.Seq), zap.Error(err))
			}
			cancel()
		}
	}
}

func after(log []Event, seq uint64) []Event {
	// log[i].Seq == i+1
	if seq >= uint64(len(log)) {
		return nil
	}
	return log[seq:]
}

// Subscription is a live listener. C is closed when the session closes,
// the subscriber is dropped for falling behind, or Close is called.
type Subscription struct {
	ch     chan Event
	once   sync.Once
	remove func()
}

// C returns the event channel.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) drop() {
	s.once.Do(func() { close(s.ch) })
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	if s.remove != nil {
		s.remove()
	}
}
