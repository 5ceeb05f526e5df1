package drain_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/froppa/leadballoon/kits/drain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

// recorder captures lifecycle events in delivery order.
type recorder struct {
	mu       sync.Mutex
	events   []string
	outcomes []drain.Outcome
}

func record(c *drain.Controller) *recorder {
	r := &recorder{}
	c.OnClosing(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, "closing")
	})
	c.OnClose(func(o drain.Outcome) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, "close")
		r.outcomes = append(r.outcomes, o)
	})
	return r
}

func (r *recorder) snapshot() ([]string, []drain.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]drain.Outcome(nil), r.outcomes...)
}

func waitDone(t *testing.T, c *drain.Controller, within time.Duration) drain.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	o, err := c.Wait(ctx)
	require.NoError(t, err, "controller did not close in time")
	return o
}

func TestNewController_Defaults(t *testing.T) {
	t.Parallel()

	c := drain.NewController(drain.Config{})
	require.Equal(t, drain.DefaultGracefulTimeout, c.Timeout())
	require.Equal(t, drain.Serving, c.State())
	require.Zero(t, c.Pending())

	_, closed := c.Outcome()
	require.False(t, closed)
}

func TestInitiate_NothingPendingClosesImmediately(t *testing.T) {
	t.Parallel()

	var stops atomic.Int32
	c := drain.NewController(drain.Config{GracefulTimeout: time.Hour},
		drain.WithTransport(drain.TransportFunc(func() error {
			stops.Add(1)
			return nil
		})),
	)
	rec := record(c)

	c.Initiate()

	events, outcomes := rec.snapshot()
	require.Equal(t, []string{"closing", "close"}, events)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Clean())
	require.NoError(t, outcomes[0].Err)
	require.Equal(t, drain.Closed, c.State())
	require.Equal(t, int32(1), stops.Load())

	select {
	case <-c.Done():
	default:
		t.Fatal("done must be closed after a synchronous clean close")
	}
}

func TestInitiate_WaitsForPendingWork(t *testing.T) {
	t.Parallel()

	c := drain.NewController(drain.Config{GracefulTimeout: 5 * time.Second})
	rec := record(c)

	slots := make([]*drain.Slot, 3)
	for i := range slots {
		s, ok := c.Acquire()
		require.True(t, ok)
		slots[i] = s
	}

	c.Initiate()
	require.Equal(t, drain.Draining, c.State())

	for _, s := range slots[:2] {
		s.Release()
		require.Equal(t, drain.Draining, c.State(), "must not close while work is pending")
	}

	slots[2].Release()
	o := waitDone(t, c, time.Second)
	require.True(t, o.Clean())
	require.Zero(t, o.Pending)

	events, _ := rec.snapshot()
	require.Equal(t, []string{"closing", "close"}, events)
}

func TestInitiate_DeadlineForcesClose(t *testing.T) {
	t.Parallel()

	timeout := 50 * time.Millisecond
	c := drain.NewController(drain.Config{GracefulTimeout: timeout})
	rec := record(c)

	slot, ok := c.Acquire()
	require.True(t, ok)

	start := time.Now()
	c.Initiate()
	o := waitDone(t, c, time.Second)

	require.GreaterOrEqual(t, time.Since(start), timeout)
	require.True(t, o.Forced)
	require.Equal(t, int64(1), o.Pending)
	require.ErrorIs(t, o.Err, drain.ErrForcedClose)

	var fce *drain.ForcedCloseError
	require.True(t, errors.As(o.Err, &fce))
	require.Equal(t, timeout, fce.Timeout)
	require.Contains(t, fce.Error(), drain.ForcedReason)

	// The in-flight request is not severed; its late completion is a no-op.
	require.Equal(t, int64(1), c.Pending())
	slot.Release()
	require.Zero(t, c.Pending())

	events, outcomes := rec.snapshot()
	require.Equal(t, []string{"closing", "close"}, events)
	require.Len(t, outcomes, 1)
}

func TestInitiate_ConcurrentTriggersEmitOnce(t *testing.T) {
	t.Parallel()

	var stops atomic.Int32
	c := drain.NewController(drain.Config{GracefulTimeout: time.Second},
		drain.WithTransport(drain.TransportFunc(func() error {
			stops.Add(1)
			return nil
		})),
	)
	rec := record(c)

	slot, ok := c.Acquire()
	require.True(t, ok)

	var g errgroup.Group
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			c.Initiate()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	events, _ := rec.snapshot()
	require.Equal(t, []string{"closing"}, events)

	slot.Release()
	o := waitDone(t, c, time.Second)
	require.True(t, o.Clean())

	events, _ = rec.snapshot()
	require.Equal(t, []string{"closing", "close"}, events)
	require.Equal(t, int32(1), stops.Load())
}

func TestCompletionRacingDeadline_SingleClose(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		c := drain.NewController(drain.Config{GracefulTimeout: time.Millisecond})
		rec := record(c)

		slot, ok := c.Acquire()
		require.True(t, ok)
		c.Initiate()

		time.Sleep(time.Millisecond)
		slot.Release()

		waitDone(t, c, time.Second)
		events, outcomes := rec.snapshot()
		require.Equal(t, []string{"closing", "close"}, events)
		require.Len(t, outcomes, 1)
		require.Zero(t, c.Pending())
	}
}

func TestAcquire_RejectedAfterInitiate(t *testing.T) {
	t.Parallel()

	c := drain.NewController(drain.Config{GracefulTimeout: time.Second})
	held, ok := c.Acquire()
	require.True(t, ok)

	c.Initiate()

	slot, ok := c.Acquire()
	require.False(t, ok)
	require.Nil(t, slot)
	require.Equal(t, int64(1), c.Pending(), "rejected requests must not touch the count")

	held.Release()
	waitDone(t, c, time.Second)

	_, ok = c.Acquire()
	require.False(t, ok, "closed controller must keep rejecting")
}

func TestSlot_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	c := drain.NewController(drain.Config{})
	a, _ := c.Acquire()
	b, _ := c.Acquire()

	a.Release()
	a.Release()
	require.Equal(t, int64(1), c.Pending())

	b.Release()
	require.Zero(t, c.Pending())

	var nilSlot *drain.Slot
	require.NotPanics(t, nilSlot.Release)
}

func TestListenersMayReenterController(t *testing.T) {
	t.Parallel()

	c := drain.NewController(drain.Config{GracefulTimeout: time.Second})

	var stateInClosing, stateInClose drain.State
	c.OnClosing(func() {
		stateInClosing = c.State()
		c.Initiate()
	})
	c.OnClose(func(drain.Outcome) {
		stateInClose = c.State()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Initiate()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("re-entrant listener deadlocked the controller")
	}

	// Nothing was pending, so the state is already Closed while the closing
	// listener runs; delivery order is still closing then close.
	assert.NotEqual(t, drain.Serving, stateInClosing)
	assert.Equal(t, drain.Closed, stateInClose)
}

func TestWait_ContextEndsFirst(t *testing.T) {
	t.Parallel()

	c := drain.NewController(drain.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, drain.Serving, c.State(), "Wait must not initiate")
}

func TestPanickingListenerDoesNotBlockClose(t *testing.T) {
	t.Parallel()

	var stops atomic.Int32
	c := drain.NewController(drain.Config{},
		drain.WithTransport(drain.TransportFunc(func() error { stops.Add(1); return nil })),
	)
	c.OnClosing(func() { panic("closing listener") })
	c.OnClose(func(drain.Outcome) { panic("close listener") })
	r := record(c)

	require.PanicsWithValue(t, "closing listener", c.Initiate, "the first listener panic is re-raised")

	o := waitDone(t, c, time.Second)
	require.True(t, o.Clean())
	require.Equal(t, drain.Closed, c.State())
	require.EqualValues(t, 1, stops.Load())

	events, _ := r.snapshot()
	require.Equal(t, []string{"closing", "close"}, events, "other listeners still see both events")
}

func TestTransportErrorIsLoggedNotFatal(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	c := drain.NewController(drain.Config{},
		drain.WithLogger(zap.New(core)),
		drain.WithTransport(drain.TransportFunc(func() error { return errors.New("boom") })),
	)

	c.Initiate()
	o := waitDone(t, c, time.Second)

	require.True(t, o.Clean())
	require.Equal(t, 1, logs.FilterMessage("drain.stop_accepting_failed").Len())
	require.Equal(t, 1, logs.FilterMessage("drain.closing").Len())
	require.Equal(t, 1, logs.FilterMessage("drain.closed").Len())
}

func TestMetricsRecorded(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	c := drain.NewController(drain.Config{GracefulTimeout: time.Second},
		drain.WithMeter(mp.Meter("test")))

	slot, ok := c.Acquire()
	require.True(t, ok)
	c.Initiate()
	_, ok = c.Acquire()
	require.False(t, ok)
	slot.Release()
	waitDone(t, c, time.Second)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	pending := findSum(t, rm, drain.MetricPending)
	require.Len(t, pending.DataPoints, 1)
	require.Zero(t, pending.DataPoints[0].Value)

	rejected := findSum(t, rm, drain.MetricRejected)
	require.Len(t, rejected.DataPoints, 1)
	require.Equal(t, int64(1), rejected.DataPoints[0].Value)
	state, _ := rejected.DataPoints[0].Attributes.Value(attribute.Key("state"))
	require.Equal(t, "draining", state.AsString())

	shutdowns := findSum(t, rm, drain.MetricShutdowns)
	require.Len(t, shutdowns.DataPoints, 1)
	outcome, _ := shutdowns.DataPoints[0].Attributes.Value(attribute.Key("outcome"))
	require.Equal(t, "clean", outcome.AsString())
}

func findSum(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Sum[int64] {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.Truef(t, ok, "metric %s is %T", name, m.Data)
			return sum
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return metricdata.Sum[int64]{}
}
