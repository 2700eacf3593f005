// Package audit records collaboration events such as sessions opening and
// closing, participants joining and leaving, conflicts being resolved and
// locks being released. Emission is best-effort and never fails the
// operation that produced the event.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EventSessionCreated     = "session.created"
	EventSessionCompleted   = "session.completed"
	EventParticipantAdded   = "participant.added"
	EventParticipantRemoved = "participant.removed"
	EventConflictResolved   = "conflict.resolved"
	EventLockReleased       = "lock.released"
)

type Event struct {
	Name       string
	SessionID  string
	AgentID    string
	Attributes map[string]any
	Timestamp  time.Time
}

type Sink interface {
	Emit(ctx context.Context, evt Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// SlogSink writes each event as one structured log line.
type SlogSink struct {
	logger *slog.Logger
	clock  func() time.Time
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger, clock: time.Now}
}

func (s *SlogSink) Emit(ctx context.Context, evt Event) {
	if s == nil || s.logger == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock().UTC()
	}

	attrs := []slog.Attr{
		slog.String("event", evt.Name),
		slog.Time("at", evt.Timestamp),
	}
	if evt.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", evt.SessionID))
	}
	if evt.AgentID != "" {
		attrs = append(attrs, slog.String("agent_id", evt.AgentID))
	}
	for key, value := range evt.Attributes {
		attrs = append(attrs, slog.Any(key, value))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

// AsyncSink hands events to a background goroutine through a bounded
// buffer. When the buffer is full the event is dropped and counted.
type AsyncSink struct {
	next    Sink
	events  chan Event
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

func NewAsyncSink(next Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 1
	}
	s := &AsyncSink{
		next:   next,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for evt := range s.events {
		s.next.Emit(context.Background(), evt)
	}
}

func (s *AsyncSink) Emit(_ context.Context, evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case s.events <- evt:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting events and waits for buffered ones to be delivered
// or for ctx to end.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
