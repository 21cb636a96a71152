package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/recordflow/internal/runtime/metadata"
	"github.com/drblury/recordflow/transport"
)

const (
	// DefaultStreamName is the JetStream stream holding every topic.
	DefaultStreamName = "RECORDFLOW"

	// DefaultAckWait bounds how long a delivered message may stay
	// unacknowledged before the server redelivers it. Pending messages are
	// touched with InProgress at half this interval.
	DefaultAckWait = 5 * time.Minute

	// multiTopicSlice bounds a single fetch when several topics share a poll.
	multiTopicSlice = 100 * time.Millisecond
)

// JetStreamConfig holds the stream layout used by the JetStream client.
type JetStreamConfig struct {
	URL        string
	StreamName string
	AckWait    time.Duration
	Replicas   int
	ClientName string
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Subject returns the subject a producer publishes topic records to.
func Subject(stream, topic string) string {
	if stream == "" {
		stream = DefaultStreamName
	}
	return stream + "." + topic
}

// jsMessage is the part of a JetStream message the client relies on.
type jsMessage interface {
	Data() []byte
	Header() natsgo.Header
	Metadata() (*natsgo.MsgMetadata, error)
	Ack() error
	Nak() error
	InProgress() error
}

// fetcher pulls from one durable consumer.
type fetcher interface {
	Fetch(ctx context.Context, batch int) ([]jsMessage, error)
	Unsubscribe() error
}

// jetStreamConn owns the connection and creates pull subscriptions.
type jetStreamConn interface {
	PullSubscribe(topic, durable string) (fetcher, error)
	Close()
}

// JetStreamFactory allows overriding the JetStream connection for testing.
var JetStreamFactory = func(cfg JetStreamConfig, logger watermill.LoggerAdapter) (jetStreamConn, error) {
	return connectJetStream(cfg, logger)
}

type natsConn struct {
	nc     *natsgo.Conn
	js     natsgo.JetStreamContext
	cfg    JetStreamConfig
	logger watermill.LoggerAdapter
}

func connectJetStream(cfg JetStreamConfig, logger watermill.LoggerAdapter) (*natsConn, error) {
	opts := []natsgo.Option{natsgo.MaxReconnects(-1), natsgo.ReconnectWait(time.Second)}
	if cfg.ClientName != "" {
		opts = append(opts, natsgo.Name(cfg.ClientName))
	}
	nc, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c := &natsConn{nc: nc, js: js, cfg: cfg, logger: logger}
	if err := c.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return c, nil
}

func (c *natsConn) ensureStream() error {
	streamCfg := &natsgo.StreamConfig{
		Name:      c.cfg.StreamName,
		Subjects:  []string{c.cfg.StreamName + ".>"},
		Retention: natsgo.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  c.cfg.Replicas,
	}

	_, err := c.js.AddStream(streamCfg)
	if errors.Is(err, natsgo.ErrStreamNameAlreadyInUse) {
		if _, err = c.js.UpdateStream(streamCfg); err != nil {
			c.logger.Info("JetStream stream exists with different settings", watermill.LogFields{
				"stream": c.cfg.StreamName,
				"err":    err.Error(),
			})
			return nil
		}
	}
	return err
}

func (c *natsConn) PullSubscribe(topic, durable string) (fetcher, error) {
	consumerCfg := &natsgo.ConsumerConfig{
		Durable:       durable,
		FilterSubject: Subject(c.cfg.StreamName, topic),
		AckPolicy:     natsgo.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    -1,
		DeliverPolicy: natsgo.DeliverAllPolicy,
	}
	if _, err := c.js.AddConsumer(c.cfg.StreamName, consumerCfg); err != nil {
		if _, err = c.js.UpdateConsumer(c.cfg.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := c.js.PullSubscribe(consumerCfg.FilterSubject, durable, natsgo.Bind(c.cfg.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return &pullSubscription{sub: sub}, nil
}

func (c *natsConn) Close() {
	c.nc.Close()
}

type pullSubscription struct {
	sub *natsgo.Subscription
}

func (p *pullSubscription) Fetch(ctx context.Context, batch int) ([]jsMessage, error) {
	msgs, err := p.sub.Fetch(batch, natsgo.Context(ctx))
	out := make([]jsMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, natsMessage{m})
	}
	return out, err
}

func (p *pullSubscription) Unsubscribe() error {
	return p.sub.Unsubscribe()
}

type natsMessage struct {
	msg *natsgo.Msg
}

func (m natsMessage) Data() []byte                           { return m.msg.Data }
func (m natsMessage) Header() natsgo.Header                  { return m.msg.Header }
func (m natsMessage) Metadata() (*natsgo.MsgMetadata, error) { return m.msg.Metadata() }
func (m natsMessage) Ack() error                             { return m.msg.Ack() }
func (m natsMessage) Nak() error                             { return m.msg.Nak() }
func (m natsMessage) InProgress() error                      { return m.msg.InProgress() }

type jsPending struct {
	seq     int64
	msg     jsMessage
	touched time.Time
}

// JetStreamClient consumes topics through durable pull consumers named after
// the consumer group. Records are reported on partition 0 with the stream
// sequence as offset.
type JetStreamClient struct {
	conn   jetStreamConn
	cfg    JetStreamConfig
	group  string
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	topics  []string
	subs    map[string]fetcher
	pending map[string][]jsPending
	next    int
	closed  bool
	done    chan struct{}
}

var _ transport.Client = (*JetStreamClient)(nil)

// NewJetStreamClient connects to JetStream and prepares the stream.
func NewJetStreamClient(cfg JetStreamConfig, group string, logger watermill.LoggerAdapter) (*JetStreamClient, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if group == "" {
		return nil, errors.New("nats: consumer group is required")
	}
	cfg = cfg.withDefaults()
	conn, err := JetStreamFactory(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &JetStreamClient{
		conn:    conn,
		cfg:     cfg,
		group:   group,
		logger:  logger,
		subs:    make(map[string]fetcher),
		pending: make(map[string][]jsPending),
		done:    make(chan struct{}),
	}, nil
}

// DurableName returns the durable consumer name of group for topic.
func DurableName(group, topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_", "\\", "_")
	return r.Replace(group + "_" + topic)
}

func (c *JetStreamClient) Subscribe(ctx context.Context, topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClientClosed
	}
	for _, topic := range topics {
		if _, ok := c.subs[topic]; ok {
			continue
		}
		sub, err := c.conn.PullSubscribe(topic, DurableName(c.group, topic))
		if err != nil {
			return err
		}
		c.subs[topic] = sub
		c.topics = append(c.topics, topic)
	}
	return nil
}

func (c *JetStreamClient) Poll(ctx context.Context, max int) ([]transport.Record, error) {
	if max < 1 {
		max = 1
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrClientClosed
	}
	c.touchPendingLocked(time.Now())
	topics := append([]string(nil), c.topics...)
	start := c.next
	c.next++
	c.mu.Unlock()

	if len(topics) == 0 {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-c.done:
			return nil, transport.ErrClientClosed
		}
	}

	for ctx.Err() == nil {
		for i := range topics {
			topic := topics[(start+i)%len(topics)]
			records, err := c.fetch(ctx, topic, max, len(topics) > 1)
			if err != nil || len(records) > 0 {
				return records, err
			}
		}
	}
	return nil, nil
}

func (c *JetStreamClient) fetch(ctx context.Context, topic string, max int, sliced bool) ([]transport.Record, error) {
	c.mu.Lock()
	sub := c.subs[topic]
	c.mu.Unlock()
	if sub == nil {
		return nil, nil
	}

	fetchCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		sliced = true
	}
	if sliced {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, multiTopicSlice)
		defer cancel()
	}

	msgs, err := sub.Fetch(fetchCtx, max)
	if err != nil && len(msgs) == 0 {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, natsgo.ErrTimeout) {
			return nil, nil
		}
		if errors.Is(err, natsgo.ErrConnectionClosed) || errors.Is(err, natsgo.ErrBadSubscription) {
			return nil, transport.ErrClientClosed
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		for _, m := range msgs {
			_ = m.Nak()
		}
		return nil, transport.ErrClientClosed
	}

	now := time.Now()
	records := make([]transport.Record, 0, len(msgs))
	for _, m := range msgs {
		meta, err := m.Metadata()
		if err != nil {
			c.logger.Error("Dropping JetStream message without metadata", err, watermill.LogFields{"topic": topic})
			_ = m.Nak()
			continue
		}
		seq := int64(meta.Sequence.Stream)
		c.pending[topic] = append(c.pending[topic], jsPending{seq: seq, msg: m, touched: now})
		records = append(records, toRecord(topic, seq, meta, m))
	}
	return records, nil
}

func toRecord(topic string, seq int64, meta *natsgo.MsgMetadata, m jsMessage) transport.Record {
	var headers metadata.Headers
	for k, values := range m.Header() {
		if k == HeaderKey {
			continue
		}
		for _, v := range values {
			headers = append(headers, metadata.Header{Key: k, Value: v})
		}
	}
	record := transport.Record{
		Topic:     topic,
		Partition: 0,
		Offset:    seq,
		Value:     m.Data(),
		Headers:   headers,
		Timestamp: meta.Timestamp,
	}
	if key := m.Header().Get(HeaderKey); key != "" {
		record.Key = []byte(key)
	}
	return record
}

func (c *JetStreamClient) touchPendingLocked(now time.Time) {
	threshold := c.cfg.AckWait / 2
	for topic, queue := range c.pending {
		for i := range queue {
			if now.Sub(queue[i].touched) < threshold {
				continue
			}
			if err := queue[i].msg.InProgress(); err != nil {
				c.logger.Debug("Failed to extend ack deadline", watermill.LogFields{"topic": topic, "err": err.Error()})
			}
			queue[i].touched = now
		}
	}
}

// Commit acknowledges every pending message of topic whose stream sequence
// is at or below the partition 0 offset.
func (c *JetStreamClient) Commit(ctx context.Context, topic string, offsets map[int32]int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClientClosed
	}
	offset, ok := offsets[0]
	if !ok {
		return nil
	}

	var errs []error
	queue := c.pending[topic]
	keep := queue[:0]
	for _, p := range queue {
		if p.seq > offset {
			keep = append(keep, p)
			continue
		}
		if err := p.msg.Ack(); err != nil {
			errs = append(errs, fmt.Errorf("ack sequence %d: %w", p.seq, err))
		}
	}
	c.pending[topic] = keep
	return errors.Join(errs...)
}

// Close negatively acknowledges pending messages so the server redelivers
// them, then unsubscribes and closes the connection.
func (c *JetStreamClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	for _, queue := range c.pending {
		for _, p := range queue {
			_ = p.msg.Nak()
		}
	}
	c.pending = nil
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for topic, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug("Failed to unsubscribe", watermill.LogFields{"topic": topic, "err": err.Error()})
		}
	}
	c.conn.Close()
	return nil
}

// Capabilities returns the JetStream transport capabilities.
func (c *JetStreamClient) Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
