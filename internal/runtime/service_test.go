package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/recordflow/internal/runtime/config"
	"github.com/drblury/recordflow/internal/runtime/engine"
	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	"github.com/drblury/recordflow/transport"
)

func TestTryNewManagerValidatesInputs(t *testing.T) {
	logger := newRecordingLogger()

	_, err := TryNewManager(nil, logger, ManagerDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = TryNewManager(&config.Config{BrokerSystem: "memory"}, nil, ManagerDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = TryNewManager(&config.Config{BrokerSystem: "kafka"}, logger, ManagerDependencies{})
	var cfgErr errspkg.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "config", cfgErr.Field)

	_, err = TryNewManager(&config.Config{BrokerSystem: "carrier-pigeon"}, logger, ManagerDependencies{})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "broker_system", cfgErr.Field)
}

func TestNewManagerPanicsOnError(t *testing.T) {
	assert.Panics(t, func() {
		NewManager(nil, newRecordingLogger(), ManagerDependencies{})
	})
}

func TestProcessorConsumesEveryPartition(t *testing.T) {
	env := newTestEnv(t, "orders", 2)
	env.produce(t, "orders", 0, "a", "b", "c", "d", "e")
	env.produce(t, "orders", 1, "f", "g", "h")
	m := env.manager(t, ManagerDependencies{})

	var mu sync.Mutex
	seen := make(map[int32][]string)
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{
		Name:  "p1",
		Topic: stringTopic("orders"),
		Handler: func(_ context.Context, r Record[string, string]) error {
			mu.Lock()
			seen[r.Partition] = append(seen[r.Partition], r.Value)
			mu.Unlock()
			return nil
		},
	}))
	startAll(t, m)

	env.waitCommitted(t, "p1", "orders", 0, 4)
	env.waitCommitted(t, "p1", "orders", 1, 2)

	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, seen[0])
	assert.Equal(t, []string{"f", "g", "h"}, seen[1])
	mu.Unlock()

	report := m.ProbeHealth()
	assert.Equal(t, HealthUp, report.Status)
	assert.Equal(t, HealthUp, report.Processors["p1"].Status)

	info, ok := m.Processor("p1")
	require.True(t, ok)
	assert.Equal(t, ModeSingle, info.Mode)
	assert.Equal(t, "orders", info.Topic)
	require.Eventually(t, func() bool {
		off, ok := info.Stats.Committed(0)
		return ok && off == 4
	}, waitTimeout, 5*time.Millisecond)
}

func TestCommittedOffsetsNeverRegress(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	env.set("p1", config.KeyRetryInitialDelayMs, "5")
	env.set("p1", config.KeyRetryMaxDelayMs, "5")
	env.produce(t, "orders", 0, "1", "2", "3", "4", "5", "6")
	m := env.manager(t, ManagerDependencies{})

	var failures atomic.Int32
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{
		Name:  "p1",
		Topic: stringTopic("orders"),
		Handler: func(_ context.Context, r Record[string, string]) error {
			if r.Value == "3" && failures.Add(1) <= 2 {
				return errors.New("flaky")
			}
			return nil
		},
	}))
	startAll(t, m)
	env.waitCommitted(t, "p1", "orders", 0, 5)

	last := int64(-1)
	for _, c := range env.broker.Commits("p1") {
		assert.GreaterOrEqual(t, c.Offset, last)
		last = c.Offset
	}
}

func TestRetryDelaysFollowPolicy(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	env.set("p1", config.KeyRetryInitialDelayMs, "100")
	env.set("p1", config.KeyRetryMultiplier, "2")
	env.set("p1", config.KeyRetryRandomizationFactor, "0")
	env.produce(t, "orders", 0, "only")

	var mu sync.Mutex
	var delays []time.Duration
	var attempts []uint
	m := env.manager(t, ManagerDependencies{
		Hooks: RecordHooks{
			OnRetryScheduled: func(ctx RecordContext, delay time.Duration, _ error) {
				mu.Lock()
				delays = append(delays, delay)
				attempts = append(attempts, ctx.Attempt)
				mu.Unlock()
			},
		},
	})

	var calls atomic.Int32
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{
		Name:  "p1",
		Topic: stringTopic("orders"),
		Handler: func(context.Context, Record[string, string]) error {
			if calls.Add(1) <= 2 {
				return errors.New("not yet")
			}
			return nil
		},
	}))
	startAll(t, m)
	env.waitCommitted(t, "p1", "orders", 0, 0)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
	assert.Equal(t, []uint{1, 2}, attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCloseWaitsForInFlightRecord(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	env.produce(t, "orders", 0, "slow")
	m := env.manager(t, ManagerDependencies{})

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{
		Name:  "p1",
		Topic: stringTopic("orders"),
		Handler: func(context.Context, Record[string, string]) error {
			close(started)
			<-release
			finished.Store(true)
			return nil
		},
	}))
	startAll(t, m)

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("handler never started")
	}

	closed := make(chan error, 1)
	go func() { closed <- m.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Close never returned")
	}
	assert.True(t, finished.Load())
	off, ok := env.broker.Committed("p1", "orders", 0)
	require.True(t, ok)
	assert.Equal(t, int64(0), off)

	info, _ := m.Processor("p1")
	assert.Equal(t, engine.StateClosed, info.Snapshot.State)
	assert.Equal(t, HealthDown, m.ProbeHealth().Status)
}

func TestCloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	m := env.manager(t, ManagerDependencies{})
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{
		Name:    "p1",
		Topic:   stringTopic("orders"),
		Handler: func(context.Context, Record[string, string]) error { return nil },
	}))
	startAll(t, m)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.StartAll(context.Background()), errspkg.ErrManagerClosed)
}

func TestShutdownTimeoutReportsUndrainedProcessor(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	env.produce(t, "orders", 0, "stuck")
	m := env.manager(t, ManagerDependencies{})

	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{
		Name:  "p1",
		Topic: stringTopic("orders"),
		Handler: func(context.Context, Record[string, string]) error {
			close(started)
			<-release
			return nil
		},
	}))
	startAll(t, m)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Shutdown(ctx)
	var timeout *errspkg.ShutdownTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "p1", timeout.Processor)

	_, ok := env.broker.Committed("p1", "orders", 0)
	assert.False(t, ok)
}

func TestStartAllTwice(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	m := env.manager(t, ManagerDependencies{})
	startAll(t, m)
	assert.ErrorIs(t, m.StartAll(context.Background()), errspkg.ErrManagerStarted)
}

func TestStartFailureMarksProcessorDown(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	m := env.manager(t, ManagerDependencies{})
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{
		Name:    "p1",
		Topic:   stringTopic("missing"),
		Handler: func(context.Context, Record[string, string]) error { return nil },
	}))
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{
		Name:    "p2",
		Topic:   stringTopic("orders"),
		Handler: func(context.Context, Record[string, string]) error { return nil },
	}))

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `processor "p1"`)

	report := m.ProbeHealth()
	assert.Equal(t, HealthDown, report.Status)
	assert.Equal(t, HealthDown, report.Processors["p1"].Status)
	assert.Equal(t, engine.StateFailed, report.Processors["p1"].State)
	assert.Equal(t, HealthUp, report.Processors["p2"].Status)
}

func TestRunClosesOnContextCancel(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	env.produce(t, "orders", 0, "x")
	m := env.manager(t, ManagerDependencies{})

	handled := make(chan struct{}, 1)
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{
		Name:  "p1",
		Topic: stringTopic("orders"),
		Handler: func(context.Context, Record[string, string]) error {
			handled <- struct{}{}
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	<-handled
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}
	env.waitCommitted(t, "p1", "orders", 0, 0)
}

func TestProcessorsListedInRegistrationOrder(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	m := env.manager(t, ManagerDependencies{})
	for _, name := range []string{"b", "a", "c"} {
		require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{
			Name:    name,
			Topic:   stringTopic("orders"),
			Handler: func(context.Context, Record[string, string]) error { return nil },
		}))
	}

	infos := m.Processors()
	require.Len(t, infos, 3)
	assert.Equal(t, "b", infos[0].Name)
	assert.Equal(t, "a", infos[1].Name)
	assert.Equal(t, "c", infos[2].Name)

	_, ok := m.Processor("missing")
	assert.False(t, ok)
}

type countingReporter struct {
	engine.Reporter
	polled atomic.Int64
}

func (r *countingReporter) RecordsPolled(_, _ string, n int) { r.polled.Add(int64(n)) }

func TestCustomReporterReceivesEvents(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	env.produce(t, "orders", 0, "a", "b")
	reporter := &countingReporter{Reporter: engine.NopReporter{}}
	m := env.manager(t, ManagerDependencies{Reporter: reporter})

	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{
		Name:    "p1",
		Topic:   stringTopic("orders"),
		Handler: func(context.Context, Record[string, string]) error { return nil },
	}))
	startAll(t, m)
	env.waitCommitted(t, "p1", "orders", 0, 1)
	assert.Equal(t, int64(2), reporter.polled.Load())
}

func TestBuilderReceivesProcessorIdentity(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	env.set("p1", config.ConsumerPrefix+"fetch.max.bytes", "1024")

	var got transport.Config
	builder := env.broker.Builder()
	m := env.manager(t, ManagerDependencies{
		Transport: func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Client, error) {
			got = cfg
			return builder(ctx, cfg, logger)
		},
	})
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{
		Name:    "p1",
		Topic:   stringTopic("orders"),
		Handler: func(context.Context, Record[string, string]) error { return nil },
	}))

	require.NotNil(t, got)
	assert.Equal(t, "p1", got.GetGroupID())
	assert.Equal(t, "p1-consumer", got.GetClientID())
	assert.Equal(t, map[string]string{"fetch.max.bytes": "1024"}, got.GetConsumerProperties())
}
