// Package collab coordinates agents editing a shared canvas: it owns the
// session lifecycle, participant membership and roles, permission checks,
// conflict detection and resolution, and activity and lock tracking.
//
// The Coordinator holds no session state of its own. Everything lives in the
// injected Store so several coordinators can serve the same sessions.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"canvascollab/internal/audit"
	"canvascollab/internal/lock"
	"canvascollab/internal/logging"
	"canvascollab/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultSequentialWindow = 5 * time.Second

type Store interface {
	CreateSession(context.Context, store.Session) error
	GetSession(context.Context, string) (store.Session, error)
	DeleteSession(context.Context, string) error
	CompleteSession(context.Context, string, time.Time) error
	InsertParticipant(context.Context, store.Participant) error
	GetParticipant(context.Context, string, string) (store.Participant, error)
	ListParticipants(context.Context, string) ([]store.Participant, error)
	UpdateParticipant(context.Context, string, string, func(*store.Participant) error) (store.Participant, error)
	InsertConflict(context.Context, store.Conflict) error
	ResolveConflict(context.Context, string, store.ConflictResolution) error
	GetConflict(context.Context, string) (store.Conflict, error)
	ListConflicts(context.Context, string) ([]store.Conflict, error)
	CountConflicts(context.Context, string) (int, error)
}

// AgentRegistry validates that an agent exists before it joins a session.
// Implementations return store.ErrNotFound for unknown agents.
type AgentRegistry interface {
	ResolveAgent(ctx context.Context, agentID string) (store.Agent, error)
}

// StaticAgents is a fixed in-memory AgentRegistry keyed by agent id.
type StaticAgents map[string]store.Agent

func (a StaticAgents) ResolveAgent(_ context.Context, agentID string) (store.Agent, error) {
	agent, ok := a[agentID]
	if !ok {
		return store.Agent{}, store.ErrNotFound
	}
	return agent, nil
}

type Coordinator struct {
	store  Store
	agents AgentRegistry
	logger *slog.Logger
	clock  func() time.Time
	sink   audit.Sink
	merger Merger
	locker lock.Locker
	window time.Duration
	tracer trace.Tracer
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithSink(sink audit.Sink) Option {
	return func(c *Coordinator) {
		if sink != nil {
			c.sink = sink
		}
	}
}

func WithMerger(merger Merger) Option {
	return func(c *Coordinator) {
		if merger != nil {
			c.merger = merger
		}
	}
}

// WithLocker sets the locker used for session mutations and WithLock.
// Defaults to an in-process lock.Local.
func WithLocker(locker lock.Locker) Option {
	return func(c *Coordinator) {
		if locker != nil {
			c.locker = locker
		}
	}
}

// WithSequentialWindow sets how recent another participant's activity must
// be to conflict in sequential mode.
func WithSequentialWindow(window time.Duration) Option {
	return func(c *Coordinator) {
		if window > 0 {
			c.window = window
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

func New(st Store, agents AgentRegistry, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  st,
		agents: agents,
		logger: logging.Discard(),
		clock:  time.Now,
		sink:   audit.Nop{},
		merger: DefaultMerger{},
		locker: lock.NewLocal(),
		window: DefaultSequentialWindow,
		tracer: otel.Tracer("canvascollab/collab"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) now() time.Time {
	return c.clock().UTC()
}

func (c *Coordinator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "collab."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		if KindOf(err) == "" {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// acquire takes a locker key and returns a release that ignores
// cancellation of ctx.
func (c *Coordinator) acquire(ctx context.Context, key string) (func(), error) {
	release, err := c.locker.Acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("release lock failed", "key", key, "error", err)
		}
	}, nil
}

func (c *Coordinator) emit(ctx context.Context, name, sessionID, agentID string, attrs map[string]any) {
	c.sink.Emit(ctx, audit.Event{
		Name:       name,
		SessionID:  sessionID,
		AgentID:    agentID,
		Attributes: attrs,
		Timestamp:  c.now(),
	})
}

func (c *Coordinator) loadSession(ctx context.Context, sessionID string) (store.Session, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, newError(KindNotFound, "session not found", map[string]any{"session_id": sessionID})
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return session, nil
}

func participantNotFound(sessionID, agentID string) *Error {
	return newError(KindNotFound, "participant not found", map[string]any{
		"session_id": sessionID,
		"agent_id":   agentID,
	})
}
