package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/drblury/recordflow/internal/runtime/config"
	"github.com/drblury/recordflow/internal/runtime/engine"
	"github.com/drblury/recordflow/transport"
)

type fakeKgo struct {
	mu         sync.Mutex
	topics     []string
	fetches    []kgo.Fetches
	commits    []map[string]map[int32]kgo.EpochOffset
	commitResp *kmsg.OffsetCommitResponse
	commitErr  error
	closed     bool
}

func (f *fakeKgo) AddConsumeTopics(topics ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topics...)
}

func (f *fakeKgo) PollRecords(ctx context.Context, max int) kgo.Fetches {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return kgo.Fetches{{Topics: []kgo.FetchTopic{{Partitions: []kgo.FetchPartition{{Partition: -1, Err: kgo.ErrClientClosed}}}}}}
	}
	if len(f.fetches) == 0 {
		return nil
	}
	next := f.fetches[0]
	f.fetches = f.fetches[1:]
	return next
}

func (f *fakeKgo) CommitOffsetsSync(ctx context.Context, uncommitted map[string]map[int32]kgo.EpochOffset, onDone func(*kgo.Client, *kmsg.OffsetCommitRequest, *kmsg.OffsetCommitResponse, error)) {
	f.mu.Lock()
	f.commits = append(f.commits, uncommitted)
	resp, err := f.commitResp, f.commitErr
	f.mu.Unlock()
	if onDone != nil {
		onDone(nil, kmsg.NewPtrOffsetCommitRequest(), resp, err)
	}
}

func (f *fakeKgo) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func fetchOf(topic string, partition int32, records ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      topic,
		Partitions: []kgo.FetchPartition{{Partition: partition, Records: records}},
	}}}}
}

func newTestClient(fake *fakeKgo) *Client {
	return &Client{
		client:  fake,
		logger:  watermill.NopLogger{},
		health:  newBrokerHealth(),
		epochs:  make(map[string]map[int32]int32),
		revoked: make(map[string]map[int32]bool),
	}
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
	assert.Equal(t, "kafka", transport.GetCapabilities(TransportName).Name)
}

func TestBuild(t *testing.T) {
	t.Run("creates client with processor identity", func(t *testing.T) {
		original := ClientFactory
		defer func() { ClientFactory = original }()

		fake := &fakeKgo{}
		var gotOpts int
		ClientFactory = func(opts ...kgo.Opt) (kgoClient, error) {
			gotOpts = len(opts)
			return fake, nil
		}

		cfg := (&config.Config{KafkaBrokers: []string{"localhost:9092"}}).
			ForProcessor("p1", map[string]string{"session.timeout.ms": "10000", "unknown.property": "x"})
		client, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		require.NotNil(t, client)
		assert.Equal(t, 11, gotOpts, "ten base options plus one translated property")

		require.NoError(t, client.Subscribe(context.Background(), "orders"))
		assert.Equal(t, []string{"orders"}, fake.topics)
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), (&config.Config{}).ForProcessor("p1", nil), nil)
		assert.Error(t, err)
	})

	t.Run("rejects invalid consumer properties", func(t *testing.T) {
		cfg := (&config.Config{KafkaBrokers: []string{"b:9092"}}).
			ForProcessor("p1", map[string]string{"fetch.max.bytes": "-1"})
		_, err := Build(context.Background(), cfg, nil)
		assert.ErrorContains(t, err, "fetch.max.bytes")
	})

	t.Run("returns error when factory fails", func(t *testing.T) {
		original := ClientFactory
		defer func() { ClientFactory = original }()
		ClientFactory = func(opts ...kgo.Opt) (kgoClient, error) {
			return nil, errors.New("dial error")
		}

		cfg := (&config.Config{KafkaBrokers: []string{"b:9092"}}).ForProcessor("p1", nil)
		_, err := Build(context.Background(), cfg, nil)
		assert.ErrorContains(t, err, "dial error")
	})
}

func TestPollConvertsRecords(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	fake := &fakeKgo{fetches: []kgo.Fetches{fetchOf("orders", 2,
		&kgo.Record{Topic: "orders", Partition: 2, Offset: 7, Key: []byte("k"), Value: []byte("v"), LeaderEpoch: 3, Timestamp: ts,
			Headers: []kgo.RecordHeader{{Key: "type", Value: []byte("a")}, {Key: "type", Value: []byte("b")}}},
	)}}
	c := newTestClient(fake)

	records, err := c.Poll(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, "orders", r.Topic)
	assert.Equal(t, int32(2), r.Partition)
	assert.Equal(t, int64(7), r.Offset)
	assert.Equal(t, "k", string(r.Key))
	assert.Equal(t, "b", r.Headers.Value("type"), "last header wins")
	assert.Equal(t, ts, r.Timestamp)

	empty, err := c.Poll(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPollErrors(t *testing.T) {
	boom := errors.New("leader not available")
	fake := &fakeKgo{fetches: []kgo.Fetches{
		{{Topics: []kgo.FetchTopic{{Topic: "orders", Partitions: []kgo.FetchPartition{{Partition: 0, Err: boom}}}}}},
		{{Topics: []kgo.FetchTopic{{Topic: "", Partitions: []kgo.FetchPartition{{Partition: -1, Err: context.DeadlineExceeded}}}}}},
	}}
	c := newTestClient(fake)

	_, err := c.Poll(context.Background(), 1)
	assert.ErrorIs(t, err, boom)

	records, err := c.Poll(context.Background(), 1)
	assert.NoError(t, err, "deadline errors mean an empty poll")
	assert.Empty(t, records)
}

func TestCommitUsesNextOffsetAndEpoch(t *testing.T) {
	fake := &fakeKgo{fetches: []kgo.Fetches{fetchOf("orders", 0, &kgo.Record{Topic: "orders", Partition: 0, Offset: 4, LeaderEpoch: 9})}}
	c := newTestClient(fake)
	_, err := c.Poll(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, c.Commit(context.Background(), "orders", map[int32]int64{0: 4, 1: 10}))
	require.Len(t, fake.commits, 1)
	assert.Equal(t, kgo.EpochOffset{Epoch: 9, Offset: 5}, fake.commits[0]["orders"][0])
	assert.Equal(t, kgo.EpochOffset{Epoch: -1, Offset: 11}, fake.commits[0]["orders"][1])

	require.NoError(t, c.Commit(context.Background(), "orders", nil))
	assert.Len(t, fake.commits, 1, "empty commits are skipped")
}

func TestCommitErrors(t *testing.T) {
	t.Run("request error", func(t *testing.T) {
		boom := errors.New("coordinator unavailable")
		c := newTestClient(&fakeKgo{commitErr: boom})
		assert.ErrorIs(t, c.Commit(context.Background(), "t", map[int32]int64{0: 1}), boom)
	})

	t.Run("partition error", func(t *testing.T) {
		resp := kmsg.NewPtrOffsetCommitResponse()
		resp.Topics = []kmsg.OffsetCommitResponseTopic{{
			Topic:      "t",
			Partitions: []kmsg.OffsetCommitResponseTopicPartition{{Partition: 0, ErrorCode: kerr.RebalanceInProgress.Code}},
		}}
		c := newTestClient(&fakeKgo{commitResp: resp})
		assert.ErrorIs(t, c.Commit(context.Background(), "t", map[int32]int64{0: 1}), kerr.RebalanceInProgress)
	})
}

func TestClose(t *testing.T) {
	fake := &fakeKgo{}
	c := newTestClient(fake)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, fake.closed)

	_, err := c.Poll(context.Background(), 1)
	assert.ErrorIs(t, err, transport.ErrClientClosed)
	assert.ErrorIs(t, c.Commit(context.Background(), "t", map[int32]int64{0: 1}), transport.ErrClientClosed)
	assert.ErrorIs(t, c.Subscribe(context.Background(), "t"), transport.ErrClientClosed)

	// A client closed underneath reports the closure from the fetch.
	fake2 := &fakeKgo{closed: true}
	_, err = newTestClient(fake2).Poll(context.Background(), 1)
	assert.ErrorIs(t, err, transport.ErrClientClosed)
}

func TestPollReportsUnreachableBrokers(t *testing.T) {
	c := newTestClient(&fakeKgo{})
	refused := errors.New("connection refused")

	records, err := c.Poll(context.Background(), 10)
	require.NoError(t, err, "no dial attempted yet")
	assert.Empty(t, records)

	c.health.OnBrokerConnect(kgo.BrokerMetadata{NodeID: -1, Host: "127.0.0.1", Port: 1}, time.Millisecond, nil, refused)
	_, err = c.Poll(context.Background(), 10)
	assert.ErrorIs(t, err, refused)
	assert.ErrorContains(t, err, "no broker reachable")
	assert.ErrorContains(t, err, "127.0.0.1:1")

	t.Run("one reachable broker is enough", func(t *testing.T) {
		c.health.OnBrokerConnect(kgo.BrokerMetadata{NodeID: 2, Host: "b2", Port: 9092}, time.Millisecond, nil, nil)
		_, err := c.Poll(context.Background(), 10)
		assert.NoError(t, err)
	})
}

func TestEngineReportsUnreachableBrokers(t *testing.T) {
	c := newTestClient(&fakeKgo{})
	e, err := engine.New(engine.Options{
		Name:        "payments",
		Topic:       "payments",
		Client:      c,
		PollTimeout: 10 * time.Millisecond,
		Strategy: engine.StrategyFunc(func(_ context.Context, items []engine.Item) []engine.Outcome {
			return make([]engine.Outcome, len(items))
		}),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Close(ctx)
	}()

	seed := kgo.BrokerMetadata{NodeID: -1, Host: "127.0.0.1", Port: 1}
	c.health.OnBrokerConnect(seed, time.Millisecond, nil, errors.New("connection refused"))
	require.Eventually(t, func() bool { return !e.Healthy() }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, e.Snapshot().LastPollError, "no broker reachable")

	c.health.OnBrokerConnect(seed, time.Millisecond, nil, nil)
	require.Eventually(t, e.Healthy, 2*time.Second, 5*time.Millisecond)
}

func TestCommitSkipsRevokedPartitions(t *testing.T) {
	fake := &fakeKgo{}
	c := newTestClient(fake)

	c.onRevoked(context.Background(), nil, map[string][]int32{"orders": {1}})
	require.NoError(t, c.Commit(context.Background(), "orders", map[int32]int64{1: 9}))
	assert.Empty(t, fake.commits, "only revoked partitions, nothing to send")

	require.NoError(t, c.Commit(context.Background(), "orders", map[int32]int64{0: 4, 1: 9}))
	require.Len(t, fake.commits, 1)
	assert.Equal(t, map[int32]kgo.EpochOffset{0: {Epoch: -1, Offset: 5}}, fake.commits[0]["orders"])

	c.onAssigned(context.Background(), nil, map[string][]int32{"orders": {1}})
	require.NoError(t, c.Commit(context.Background(), "orders", map[int32]int64{1: 9}))
	require.Len(t, fake.commits, 2)
	assert.Equal(t, int64(10), fake.commits[1]["orders"][1].Offset)
}
