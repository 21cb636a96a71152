// Package kafka provides the franz-go broker client for recordflow.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/drblury/recordflow/internal/runtime/metadata"
	"github.com/drblury/recordflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// kgoClient is the subset of *kgo.Client used by Client.
type kgoClient interface {
	AddConsumeTopics(topics ...string)
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitOffsetsSync(ctx context.Context, uncommitted map[string]map[int32]kgo.EpochOffset, onDone func(*kgo.Client, *kmsg.OffsetCommitRequest, *kmsg.OffsetCommitResponse, error))
	Close()
}

// ClientFactory allows overriding the franz-go client creation for testing.
var ClientFactory = func(opts ...kgo.Opt) (kgoClient, error) {
	return kgo.NewClient(opts...)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a consumer-group member with auto-commit disabled. The group
// id and client id come from the processor identity; consumer properties use
// the Java client names and are translated to franz-go options.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Client, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return nil, errors.New("kafka: brokers are required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	logger = logger.With(watermill.LogFields{"group_id": cfg.GetGroupID(), "client_id": cfg.GetClientID()})

	propOpts, ignored, err := consumerOptions(cfg.GetConsumerProperties())
	if err != nil {
		return nil, err
	}
	for _, key := range ignored {
		logger.Info("Ignoring unsupported consumer property", watermill.LogFields{"property": key, "warning": true})
	}

	tracing := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))))
	health := newBrokerHealth()
	c := &Client{logger: logger, health: health, epochs: make(map[string]map[int32]int32), revoked: make(map[string]map[int32]bool)}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(cfg.GetClientID()),
		kgo.ConsumerGroup(cfg.GetGroupID()),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.WithLogger(newKgoLogger(logger)),
		kgo.WithHooks(append(tracing.Hooks(), health)...),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onRevoked),
	}
	opts = append(opts, propOpts...)

	client, err := ClientFactory(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}
	c.client = client
	return c, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// Client adapts a franz-go consumer to transport.Client.
type Client struct {
	client kgoClient
	logger watermill.LoggerAdapter
	health *brokerHealth

	mu     sync.Mutex
	epochs map[string]map[int32]int32

	// partitions taken from this member and not assigned back
	revoked map[string]map[int32]bool
	closed  bool
}

var _ transport.Client = (*Client)(nil)

// Subscribe adds topics to the group subscription.
func (c *Client) Subscribe(ctx context.Context, topics ...string) error {
	if c.isClosed() {
		return transport.ErrClientClosed
	}
	c.client.AddConsumeTopics(topics...)
	return nil
}

// Poll fetches at most max records. Fetch errors are returned only when no
// record could be read; otherwise they are logged. An empty poll fails while
// no broker can be dialed.
func (c *Client) Poll(ctx context.Context, max int) ([]transport.Record, error) {
	if c.isClosed() {
		return nil, transport.ErrClientClosed
	}
	if max < 1 {
		max = 1
	}

	fetches := c.client.PollRecords(ctx, max)
	if fetches.IsClientClosed() {
		return nil, transport.ErrClientClosed
	}

	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		errs = append(errs, fmt.Errorf("fetch %s[%d]: %w", topic, partition, err))
	})

	records := make([]transport.Record, 0, fetches.NumRecords())
	c.mu.Lock()
	fetches.EachRecord(func(r *kgo.Record) {
		c.rememberEpochLocked(r.Topic, r.Partition, r.LeaderEpoch)
		records = append(records, convertRecord(r))
	})
	c.mu.Unlock()

	if len(records) == 0 && len(errs) == 0 {
		if err := c.health.unreachable(); err != nil {
			return nil, err
		}
	}
	if len(errs) > 0 {
		if len(records) == 0 {
			return nil, errors.Join(errs...)
		}
		for _, err := range errs {
			c.logger.Error("Kafka fetch failed", err, nil)
		}
	}
	return records, nil
}

// Commit synchronously commits offset+1 for each partition, the position of
// the next record to read. Partitions revoked from this member are skipped;
// their new owner resumes from the last committed position.
func (c *Client) Commit(ctx context.Context, topic string, offsets map[int32]int64) error {
	if c.isClosed() {
		return transport.ErrClientClosed
	}

	c.mu.Lock()
	uncommitted := make(map[int32]kgo.EpochOffset, len(offsets))
	for partition, offset := range offsets {
		if c.revoked[topic][partition] {
			continue
		}
		epoch, ok := c.epochs[topic][partition]
		if !ok {
			epoch = -1
		}
		uncommitted[partition] = kgo.EpochOffset{Epoch: epoch, Offset: offset + 1}
	}
	c.mu.Unlock()
	if len(uncommitted) == 0 {
		return nil
	}

	var commitErr error
	c.client.CommitOffsetsSync(ctx, map[string]map[int32]kgo.EpochOffset{topic: uncommitted},
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
			if err != nil {
				commitErr = err
				return
			}
			commitErr = partitionErrors(resp)
		})
	return commitErr
}

// Close leaves the group and releases the client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Close()
	return nil
}

// Capabilities reports the guarantees of Kafka.
func (c *Client) Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, partitions := range assigned {
		for _, p := range partitions {
			delete(c.revoked[topic], p)
		}
	}
}

func (c *Client) onRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, partitions := range revoked {
		parts, ok := c.revoked[topic]
		if !ok {
			parts = make(map[int32]bool)
			c.revoked[topic] = parts
		}
		for _, p := range partitions {
			parts[p] = true
			delete(c.epochs[topic], p)
		}
		c.logger.Info("Partitions revoked", watermill.LogFields{"topic": topic, "partitions": partitions})
	}
}

func (c *Client) rememberEpochLocked(topic string, partition, epoch int32) {
	parts, ok := c.epochs[topic]
	if !ok {
		parts = make(map[int32]int32)
		c.epochs[topic] = parts
	}
	parts[partition] = epoch
}

func partitionErrors(resp *kmsg.OffsetCommitResponse) error {
	if resp == nil {
		return nil
	}
	var errs []error
	for _, topic := range resp.Topics {
		for _, p := range topic.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				errs = append(errs, fmt.Errorf("commit %s[%d]: %w", topic.Topic, p.Partition, err))
			}
		}
	}
	return errors.Join(errs...)
}

func convertRecord(r *kgo.Record) transport.Record {
	var headers metadata.Headers
	if len(r.Headers) > 0 {
		headers = make(metadata.Headers, 0, len(r.Headers))
		for _, h := range r.Headers {
			headers = append(headers, metadata.Header{Key: h.Key, Value: string(h.Value)})
		}
	}
	return transport.Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}
