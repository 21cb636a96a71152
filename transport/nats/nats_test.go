package nats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/recordflow/internal/runtime/config"
	"github.com/drblury/recordflow/transport"
	"github.com/drblury/recordflow/transport/bridge"
)

type fakeMsg struct {
	seq        uint64
	data       string
	header     natsgo.Header
	acked      bool
	nacked     bool
	inProgress int
}

func (m *fakeMsg) Data() []byte          { return []byte(m.data) }
func (m *fakeMsg) Header() natsgo.Header { return m.header }
func (m *fakeMsg) Metadata() (*natsgo.MsgMetadata, error) {
	return &natsgo.MsgMetadata{Sequence: natsgo.SequencePair{Stream: m.seq}, Timestamp: time.Unix(1700000000, 0)}, nil
}
func (m *fakeMsg) Ack() error        { m.acked = true; return nil }
func (m *fakeMsg) Nak() error        { m.nacked = true; return nil }
func (m *fakeMsg) InProgress() error { m.inProgress++; return nil }

type fakeFetcher struct {
	mu           sync.Mutex
	batches      [][]jsMessage
	unsubscribed bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, batch int) ([]jsMessage, error) {
	f.mu.Lock()
	if len(f.batches) > 0 {
		next := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return next, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeFetcher) Unsubscribe() error {
	f.unsubscribed = true
	return nil
}

type fakeConn struct {
	subs     map[string]*fakeFetcher
	durables []string
	closed   bool
}

func (c *fakeConn) PullSubscribe(topic, durable string) (fetcher, error) {
	c.durables = append(c.durables, durable)
	f, ok := c.subs[topic]
	if !ok {
		return nil, errors.New("no stream for " + topic)
	}
	return f, nil
}

func (c *fakeConn) Close() { c.closed = true }

func withFakeJetStream(t *testing.T, conn *fakeConn) {
	t.Helper()
	original := JetStreamFactory
	t.Cleanup(func() { JetStreamFactory = original })
	JetStreamFactory = func(cfg JetStreamConfig, logger watermill.LoggerAdapter) (jetStreamConn, error) {
		return conn, nil
	}
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
}

func TestBuildCore(t *testing.T) {
	original := SubscriberFactory
	defer func() { SubscriberFactory = original }()

	var got wmnats.SubscriberConfig
	SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		got = cfg
		return &stubSubscriber{}, nil
	}

	cfg := (&config.Config{NATSURL: "nats://localhost:4222"}).ForProcessor("orders-processor", nil)
	client, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	assert.IsType(t, &bridge.Client{}, client)
	assert.Equal(t, "nats://localhost:4222", got.URL)
	assert.Equal(t, "orders-processor", got.QueueGroupPrefix)
	assert.True(t, got.JetStream.Disabled)
	assert.Len(t, got.NatsOptions, 3)
	require.NoError(t, client.Close())
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(context.Background(), (&config.Config{}).ForProcessor("p", nil), nil)
	assert.ErrorContains(t, err, "URL is required")

	original := SubscriberFactory
	defer func() { SubscriberFactory = original }()
	SubscriberFactory = func(wmnats.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("connection refused")
	}
	_, err = Build(context.Background(), (&config.Config{NATSURL: "nats://x"}).ForProcessor("p", nil), nil)
	assert.ErrorContains(t, err, "connection refused")
}

func TestBuildJetStream(t *testing.T) {
	conn := &fakeConn{subs: map[string]*fakeFetcher{"orders.created": {}}}
	withFakeJetStream(t, conn)

	cfg := (&config.Config{NATSURL: "nats://x", NATSJetStream: true}).ForProcessor("billing", nil)
	client, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	js, ok := client.(*JetStreamClient)
	require.True(t, ok)
	assert.Equal(t, DefaultStreamName, js.cfg.StreamName)
	assert.Equal(t, DefaultAckWait, js.cfg.AckWait)

	require.NoError(t, client.Subscribe(context.Background(), "orders.created"))
	assert.Equal(t, []string{"billing_orders_created"}, conn.durables)
	assert.Equal(t, transport.NATSJetStreamCapabilities, js.Capabilities())
}

func TestJetStreamPollAndCommit(t *testing.T) {
	m1 := &fakeMsg{seq: 4, data: "a", header: natsgo.Header{HeaderKey: []string{"k1"}, "type": []string{"created"}}}
	m2 := &fakeMsg{seq: 9, data: "b", header: natsgo.Header{}}
	fetch := &fakeFetcher{batches: [][]jsMessage{{m1, m2}}}
	conn := &fakeConn{subs: map[string]*fakeFetcher{"orders": fetch}}
	withFakeJetStream(t, conn)

	c, err := NewJetStreamClient(JetStreamConfig{}, "g", nil)
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(context.Background(), "orders"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	records, err := c.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(4), records[0].Offset)
	assert.Equal(t, int32(0), records[0].Partition)
	assert.Equal(t, "k1", string(records[0].Key))
	assert.Equal(t, "created", records[0].Headers.Value("type"))
	_, hasKey := records[0].Headers.Get(HeaderKey)
	assert.False(t, hasKey)
	assert.Equal(t, int64(9), records[1].Offset)

	require.NoError(t, c.Commit(context.Background(), "orders", map[int32]int64{0: 4}))
	assert.True(t, m1.acked)
	assert.False(t, m2.acked)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, m2.nacked)
	assert.True(t, fetch.unsubscribed)
	assert.True(t, conn.closed)

	_, err = c.Poll(context.Background(), 1)
	assert.ErrorIs(t, err, transport.ErrClientClosed)
}

func TestJetStreamPollTimeout(t *testing.T) {
	conn := &fakeConn{subs: map[string]*fakeFetcher{"a": {}, "b": {}}}
	withFakeJetStream(t, conn)

	c, err := NewJetStreamClient(JetStreamConfig{}, "g", nil)
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(context.Background(), "a", "b"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	records, err := c.Poll(ctx, 5)
	assert.NoError(t, err)
	assert.Empty(t, records)
}

func TestJetStreamExtendsAckDeadline(t *testing.T) {
	m := &fakeMsg{seq: 1, header: natsgo.Header{}}
	conn := &fakeConn{subs: map[string]*fakeFetcher{"t": {batches: [][]jsMessage{{m}}}}}
	withFakeJetStream(t, conn)

	c, err := NewJetStreamClient(JetStreamConfig{AckWait: 20 * time.Millisecond}, "g", nil)
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(context.Background(), "t"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	records, err := c.Poll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)

	time.Sleep(15 * time.Millisecond)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel2()
	_, err = c.Poll(ctx2, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, m.inProgress)
}

func TestNewJetStreamClientRequiresGroup(t *testing.T) {
	_, err := NewJetStreamClient(JetStreamConfig{}, "", nil)
	assert.Error(t, err)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "RECORDFLOW.orders", Subject("", "orders"))
	assert.Equal(t, "S.orders", Subject("S", "orders"))
}

type stubSubscriber struct{}

func (s *stubSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}

func (s *stubSubscriber) Close() error { return nil }
