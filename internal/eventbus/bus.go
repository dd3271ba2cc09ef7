package eventbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perf/internal/clock"
	"github.com/kubilitics/kubilitics-perf/internal/metrics"
	"github.com/kubilitics/kubilitics-perf/internal/ringbuffer"
)

// Package eventbus is the in-process publish/subscribe hub of a monitored
// session. Producers and consumers only know event type names.
//
// Delivery is synchronous and in subscription order: Emit returns after every
// listener registered for the type at the moment of the call has run. A
// failing listener (error or panic) is logged and skipped; the caller of Emit
// never sees it.
//
// Re-entrant Emit from a listener is allowed up to a fixed depth. The depth
// travels in the context handed to listeners, so listeners must pass that
// context on when they emit.

// Well-known event types.
const (
	TypeMetric        = "metric"
	TypeAnomaly       = "anomaly"
	TypeBaselineReady = "baseline.ready"
)

const (
	// DefaultHistorySize is how many envelopes History retains.
	DefaultHistorySize = 1000

	// DefaultMaxDepth bounds nested Emit calls made from listeners.
	DefaultMaxDepth = 16
)

var (
	// ErrMaxDepth is returned by Emit when the nesting bound is exceeded.
	ErrMaxDepth = errors.New("event bus: maximum emit depth exceeded")

	// ErrClosed is returned by Emit after Close.
	ErrClosed = errors.New("event bus: closed")
)

// Envelope wraps every value flowing through the bus.
type Envelope struct {
	Type        string      `json:"type"`
	Timestamp   float64     `json:"timestamp"` // monotonic ms
	WallTime    int64       `json:"wall_time"` // unix ms
	Source      string      `json:"source"`
	Payload     interface{} `json:"payload"`
	SessionID   string      `json:"session_id"`
	PageContext string      `json:"page_context,omitempty"`
}

// Listener receives envelopes for the types it is subscribed to.
type Listener interface {
	HandleEvent(ctx context.Context, env Envelope) error
}

// ListenerFunc adapts a function to Listener. Function values are not
// comparable, so every registration of a ListenerFunc is distinct; use a
// pointer-typed Listener where repeated registration must be a no-op.
type ListenerFunc func(ctx context.Context, env Envelope) error

func (f ListenerFunc) HandleEvent(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// Subscription identifies one registration. The zero value is inert.
type Subscription struct {
	id        uint64
	eventType string
}

// ID returns the numeric handle of the subscription.
func (s Subscription) ID() uint64 { return s.id }

// Type returns the event type the subscription is bound to.
func (s Subscription) Type() string { return s.eventType }

type subscriber struct {
	sub      Subscription
	listener Listener
	once     bool
	active   bool // guarded by Bus.mu
}

// Bus is safe for concurrent use. Its lock is never held while a listener runs.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]*subscriber
	nextID      uint64
	history     *ringbuffer.Buffer[Envelope]
	closed      bool

	clock       clock.Clock
	logger      *zap.Logger
	sessionID   string
	pageContext string
	maxDepth    int
	historySize int
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock sets the time source for envelope timestamps.
func WithClock(c clock.Clock) Option {
	return func(b *Bus) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithHistorySize sets the history capacity.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.historySize = n
		}
	}
}

// WithMaxDepth sets the nesting bound for re-entrant emits.
func WithMaxDepth(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxDepth = n
		}
	}
}

// WithSessionID fixes the session id stamped on envelopes.
func WithSessionID(id string) Option {
	return func(b *Bus) {
		if id != "" {
			b.sessionID = id
		}
	}
}

// WithPageContext sets the page/context identifier stamped on envelopes.
func WithPageContext(pc string) Option {
	return func(b *Bus) { b.pageContext = pc }
}

// New creates a bus. Without WithSessionID a random session id is generated.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[string][]*subscriber),
		clock:       clock.New(),
		logger:      zap.NewNop(),
		maxDepth:    DefaultMaxDepth,
		historySize: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sessionID == "" {
		b.sessionID = uuid.NewString()
	}
	b.history = ringbuffer.New[Envelope](b.historySize)
	return b
}

// SessionID returns the id stamped on every envelope.
func (b *Bus) SessionID() string { return b.sessionID }

// On registers l for eventType. Registering the same comparable listener
// twice for one type returns the existing subscription, and an earlier Once
// registration of it becomes persistent.
//
// ListenerFunc values are never deduplicated. Callers that need idempotent
// registration must pass a pointer-typed Listener.
func (b *Bus) On(eventType string, l Listener) Subscription {
	return b.subscribe(eventType, l, false)
}

// Once registers l for a single delivery. The subscription is revoked before
// l runs, so an emit from inside l cannot reach it again. Once on a listener
// already registered with On returns the persistent subscription unchanged.
func (b *Bus) Once(eventType string, l Listener) Subscription {
	return b.subscribe(eventType, l, true)
}

func (b *Bus) subscribe(eventType string, l Listener, once bool) Subscription {
	if l == nil {
		return Subscription{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Subscription{}
	}

	if isComparable(l) {
		for _, s := range b.subscribers[eventType] {
			if sameListener(s.listener, l) {
				if !once {
					s.once = false
				}
				return s.sub
			}
		}
	}

	b.nextID++
	s := &subscriber{
		sub:      Subscription{id: b.nextID, eventType: eventType},
		listener: l,
		once:     once,
		active:   true,
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], s)
	return s.sub
}

// Off revokes a subscription. Unknown or already revoked handles are ignored.
// A delivery already running for the subscription is not interrupted.
func (b *Bus) Off(sub Subscription) {
	if sub.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

// Emit publishes payload on eventType. The envelope is appended to history
// and delivered to every listener registered when Emit was called.
//
// Listener failures never surface here. Emit only fails when the bus is
// closed or the nesting bound is exceeded; the envelope is then discarded.
func (b *Bus) Emit(ctx context.Context, eventType, source string, payload interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}

	depth := depthFrom(ctx)
	if depth >= b.maxDepth {
		metrics.BusDropped.WithLabelValues("max_depth").Inc()
		b.logger.Warn("re-entrant emit dropped",
			zap.String("event_type", eventType),
			zap.String("source", source),
			zap.Int("depth", depth),
			zap.Int("max_depth", b.maxDepth),
		)
		return fmt.Errorf("%w: depth %d, type %q", ErrMaxDepth, depth, eventType)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		metrics.BusDropped.WithLabelValues("closed").Inc()
		return ErrClosed
	}
	env := Envelope{
		Type:        eventType,
		Timestamp:   b.clock.NowMonotonic(),
		WallTime:    b.clock.NowWall(),
		Source:      source,
		Payload:     payload,
		SessionID:   b.sessionID,
		PageContext: b.pageContext,
	}
	b.history.Push(env)
	targets := make([]*subscriber, len(b.subscribers[eventType]))
	copy(targets, b.subscribers[eventType])
	b.mu.Unlock()

	metrics.BusEvents.WithLabelValues(eventType).Inc()

	inner := withDepth(ctx, depth+1)
	for _, s := range targets {
		if !b.claim(s) {
			continue
		}
		b.deliver(inner, s, env)
	}
	return nil
}

// History returns the retained envelopes, oldest first.
func (b *Bus) History() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.Values()
}

// HistoryLen returns how many envelopes are retained.
func (b *Bus) HistoryLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.Len()
}

// ListenerCount returns the number of live subscriptions for eventType.
func (b *Bus) ListenerCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[eventType])
}

// Close drops every subscription. Later emits return ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subscribers {
		for _, s := range subs {
			s.active = false
		}
	}
	b.subscribers = make(map[string][]*subscriber)
	b.closed = true
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// claim reports whether s should still receive the in-flight envelope and, for
// once-subscriptions, revokes it before delivery.
func (b *Bus) claim(s *subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !s.active {
		return false
	}
	if s.once {
		b.removeLocked(s.sub)
	}
	return true
}

func (b *Bus) deliver(ctx context.Context, s *subscriber, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BusListenerFailures.WithLabelValues(env.Type).Inc()
			b.logger.Warn("event listener panicked",
				zap.String("event_type", env.Type),
				zap.Uint64("subscription", s.sub.id),
				zap.Any("panic", r),
			)
		}
	}()

	if err := s.listener.HandleEvent(ctx, env); err != nil {
		metrics.BusListenerFailures.WithLabelValues(env.Type).Inc()
		b.logger.Warn("event listener failed",
			zap.String("event_type", env.Type),
			zap.Uint64("subscription", s.sub.id),
			zap.Error(err),
		)
	}
}

func (b *Bus) removeLocked(sub Subscription) {
	subs := b.subscribers[sub.eventType]
	for i, s := range subs {
		if s.sub.id != sub.id {
			continue
		}
		s.active = false
		// Copy instead of shifting in place; in-flight dispatches hold the old slice.
		next := make([]*subscriber, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.subscribers, sub.eventType)
		} else {
			b.subscribers[sub.eventType] = next
		}
		return
	}
}

func isComparable(l Listener) bool {
	return reflect.TypeOf(l).Comparable()
}

// sameListener compares two listeners by identity. A comparable struct can
// still hold an incomparable value in an interface field, so == may panic.
func sameListener(a, b Listener) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return isComparable(a) && a == b
}

type depthKey struct{}

func depthFrom(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}

func withDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}
