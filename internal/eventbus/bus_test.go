package eventbus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kubilitics/kubilitics-perf/internal/clock"
)

// counter is a comparable listener.
type counter struct {
	name string
	log  *[]string
}

func (c *counter) HandleEvent(_ context.Context, _ Envelope) error {
	*c.log = append(*c.log, c.name)
	return nil
}

func newTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	c, _ := clock.NewMock()
	return New(append([]Option{WithClock(c), WithSessionID("sess-1")}, opts...)...)
}

func TestEnvelopeFields(t *testing.T) {
	m := bclock.NewMock()
	m.Set(time.UnixMilli(1_700_000_000_000))
	b := New(WithClock(clock.FromSource(m)), WithSessionID("sess-42"), WithPageContext("/checkout"))
	m.Add(250 * time.Millisecond)

	var got Envelope
	b.On("metric", ListenerFunc(func(_ context.Context, env Envelope) error {
		got = env
		return nil
	}))
	require.NoError(t, b.Emit(context.Background(), "metric", "collector.fps", 59.9))

	assert.Equal(t, "metric", got.Type)
	assert.Equal(t, "collector.fps", got.Source)
	assert.Equal(t, 59.9, got.Payload)
	assert.Equal(t, "sess-42", got.SessionID)
	assert.Equal(t, "/checkout", got.PageContext)
	assert.Equal(t, 250.0, got.Timestamp)
	assert.Equal(t, int64(1_700_000_000_250), got.WallTime)
}

func TestGeneratedSessionID(t *testing.T) {
	a, b := New(), New()
	assert.NotEmpty(t, a.SessionID())
	assert.NotEqual(t, a.SessionID(), b.SessionID())
}

func TestDeliveryInSubscriptionOrder(t *testing.T) {
	b := newTestBus(t)
	var trace []string

	b.On("T", ListenerFunc(func(_ context.Context, _ Envelope) error {
		trace = append(trace, "L1 start")
		time.Sleep(5 * time.Millisecond)
		trace = append(trace, "L1 end")
		return nil
	}))
	b.On("T", ListenerFunc(func(_ context.Context, _ Envelope) error {
		trace = append(trace, "L2")
		return nil
	}))

	require.NoError(t, b.Emit(context.Background(), "T", "test", nil))
	assert.Equal(t, []string{"L1 start", "L1 end", "L2"}, trace)
}

func TestOnlyMatchingTypeIsDelivered(t *testing.T) {
	b := newTestBus(t)
	var log []string
	b.On("a", &counter{name: "a", log: &log})
	b.On("b", &counter{name: "b", log: &log})

	require.NoError(t, b.Emit(context.Background(), "a", "test", nil))
	require.NoError(t, b.Emit(context.Background(), "c", "test", nil))
	assert.Equal(t, []string{"a"}, log)
}

func TestIdempotentRegistration(t *testing.T) {
	b := newTestBus(t)
	var log []string
	l := &counter{name: "x", log: &log}

	s1 := b.On("T", l)
	s2 := b.On("T", l)
	assert.Equal(t, s1, s2)
	assert.Equal(t, 1, b.ListenerCount("T"))

	require.NoError(t, b.Emit(context.Background(), "T", "test", nil))
	assert.Equal(t, []string{"x"}, log)

	// Same listener on another type is a separate registration.
	s3 := b.On("U", l)
	assert.NotEqual(t, s1.ID(), s3.ID())
}

func TestOnAfterOncePromotesToPersistent(t *testing.T) {
	b := newTestBus(t)
	var log []string
	l := &counter{name: "x", log: &log}

	s1 := b.Once("T", l)
	s2 := b.On("T", l)
	assert.Equal(t, s1, s2)
	assert.Equal(t, 1, b.ListenerCount("T"))

	ctx := context.Background()
	require.NoError(t, b.Emit(ctx, "T", "test", nil))
	require.NoError(t, b.Emit(ctx, "T", "test", nil))
	assert.Equal(t, []string{"x", "x"}, log)
}

func TestOnceAfterOnStaysPersistent(t *testing.T) {
	b := newTestBus(t)
	var log []string
	l := &counter{name: "x", log: &log}

	b.On("T", l)
	b.Once("T", l)

	ctx := context.Background()
	require.NoError(t, b.Emit(ctx, "T", "test", nil))
	require.NoError(t, b.Emit(ctx, "T", "test", nil))
	assert.Equal(t, []string{"x", "x"}, log)
}

func TestListenerFuncRegistrationsAreDistinct(t *testing.T) {
	b := newTestBus(t)
	calls := 0
	fn := ListenerFunc(func(_ context.Context, _ Envelope) error {
		calls++
		return nil
	})

	s1 := b.On("T", fn)
	s2 := b.On("T", fn)
	assert.NotEqual(t, s1.ID(), s2.ID())

	b.Off(s1)
	require.NoError(t, b.Emit(context.Background(), "T", "test", nil))
	assert.Equal(t, 1, calls)
}

func TestOff(t *testing.T) {
	b := newTestBus(t)
	var log []string
	sub := b.On("T", &counter{name: "x", log: &log})

	b.Off(sub)
	b.Off(sub)
	b.Off(Subscription{})
	require.NoError(t, b.Emit(context.Background(), "T", "test", nil))

	assert.Empty(t, log)
	assert.Equal(t, 0, b.ListenerCount("T"))
}

func TestOnceFiresOnceEvenWhenReentrant(t *testing.T) {
	b := newTestBus(t)
	calls := 0

	b.Once("T", ListenerFunc(func(ctx context.Context, _ Envelope) error {
		calls++
		return b.Emit(ctx, "T", "nested", nil)
	}))

	require.NoError(t, b.Emit(context.Background(), "T", "test", nil))
	require.NoError(t, b.Emit(context.Background(), "T", "test", nil))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.ListenerCount("T"))
	assert.Equal(t, 3, b.HistoryLen())
}

func TestListenerFailuresAreIsolated(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	b := newTestBus(t, WithLogger(zap.New(core)))
	var reached []string

	b.On("T", ListenerFunc(func(_ context.Context, _ Envelope) error {
		panic("boom")
	}))
	b.On("T", ListenerFunc(func(_ context.Context, _ Envelope) error {
		return errors.New("listener refused")
	}))
	b.On("T", ListenerFunc(func(_ context.Context, _ Envelope) error {
		reached = append(reached, "third")
		return nil
	}))

	assert.NotPanics(t, func() {
		require.NoError(t, b.Emit(context.Background(), "T", "test", nil))
	})
	assert.Equal(t, []string{"third"}, reached)
	assert.Equal(t, 1, logs.FilterMessage("event listener panicked").Len())
	assert.Equal(t, 1, logs.FilterMessage("event listener failed").Len())
}

func TestHistoryBound(t *testing.T) {
	b := newTestBus(t)
	for i := 0; i < 1001; i++ {
		require.NoError(t, b.Emit(context.Background(), "T", "test", i))
	}

	h := b.History()
	require.Len(t, h, 1000)
	assert.Equal(t, 1000, b.HistoryLen())
	assert.Equal(t, 1, h[0].Payload, "oldest entry evicted first")
	assert.Equal(t, 1000, h[999].Payload)
}

func TestHistoryRecordsEmitsWithoutListeners(t *testing.T) {
	b := newTestBus(t, WithHistorySize(3))
	for _, typ := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Emit(context.Background(), typ, "test", nil))
	}

	var types []string
	for _, env := range b.History() {
		types = append(types, env.Type)
	}
	assert.Equal(t, []string{"b", "c", "d"}, types)
}

func TestReentrantEmitIsBounded(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	b := newTestBus(t, WithMaxDepth(3), WithLogger(zap.New(core)))

	depth := 0
	var errs []error
	b.On("loop", ListenerFunc(func(ctx context.Context, _ Envelope) error {
		depth++
		errs = append(errs, b.Emit(ctx, "loop", "self", nil))
		return nil
	}))

	require.NoError(t, b.Emit(context.Background(), "loop", "test", nil))

	assert.Equal(t, 3, depth)
	require.Len(t, errs, 3)
	assert.True(t, errors.Is(errs[0], ErrMaxDepth), "innermost emit is dropped")
	assert.NoError(t, errs[1])
	assert.NoError(t, errs[2])
	assert.Equal(t, 3, b.HistoryLen(), "dropped emit is not recorded")
	assert.Equal(t, 1, logs.FilterMessage("re-entrant emit dropped").Len())
}

func TestReentrantEmitWithinBoundDelivers(t *testing.T) {
	b := newTestBus(t)
	var seen []string

	b.On("outer", ListenerFunc(func(ctx context.Context, _ Envelope) error {
		seen = append(seen, "outer")
		return b.Emit(ctx, "inner", "outer-listener", nil)
	}))
	b.On("inner", ListenerFunc(func(_ context.Context, _ Envelope) error {
		seen = append(seen, "inner")
		return nil
	}))
	b.On("outer", ListenerFunc(func(_ context.Context, _ Envelope) error {
		seen = append(seen, "outer-2")
		return nil
	}))

	require.NoError(t, b.Emit(context.Background(), "outer", "test", nil))
	assert.Equal(t, []string{"outer", "inner", "outer-2"}, seen)
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	b := newTestBus(t)
	var seen []string
	var second Subscription

	b.On("T", ListenerFunc(func(_ context.Context, _ Envelope) error {
		seen = append(seen, "first")
		b.Off(second)
		return nil
	}))
	second = b.On("T", ListenerFunc(func(_ context.Context, _ Envelope) error {
		seen = append(seen, "second")
		return nil
	}))
	b.On("T", ListenerFunc(func(_ context.Context, _ Envelope) error {
		seen = append(seen, "third")
		return nil
	}))

	assert.NotPanics(t, func() {
		require.NoError(t, b.Emit(context.Background(), "T", "test", nil))
	})
	assert.Equal(t, []string{"first", "third"}, seen)
	assert.Equal(t, 2, b.ListenerCount("T"))
}

func TestSubscribeDuringDispatchWaitsForNextEmit(t *testing.T) {
	b := newTestBus(t)
	late := 0

	b.Once("T", ListenerFunc(func(_ context.Context, _ Envelope) error {
		b.On("T", ListenerFunc(func(_ context.Context, _ Envelope) error {
			late++
			return nil
		}))
		return nil
	}))

	require.NoError(t, b.Emit(context.Background(), "T", "test", nil))
	assert.Equal(t, 0, late)
	require.NoError(t, b.Emit(context.Background(), "T", "test", nil))
	assert.Equal(t, 1, late)
}

func TestClose(t *testing.T) {
	b := newTestBus(t)
	var log []string
	b.On("T", &counter{name: "x", log: &log})

	b.Close()
	err := b.Emit(context.Background(), "T", "test", nil)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Empty(t, log)
	assert.Equal(t, Subscription{}, b.On("T", &counter{name: "y", log: &log}))
}

func TestConcurrentEmitters(t *testing.T) {
	b := newTestBus(t)
	received := make(chan int, 400)
	b.On("T", ListenerFunc(func(_ context.Context, env Envelope) error {
		received <- env.Payload.(int)
		return nil
	}))

	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			for i := 0; i < 100; i++ {
				_ = b.Emit(context.Background(), "T", fmt.Sprintf("g%d", g), i)
			}
			done <- struct{}{}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}
	assert.Len(t, received, 400)
	assert.Equal(t, 400, b.HistoryLen())
}
