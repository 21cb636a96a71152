// Package bridge adapts a Watermill subscriber into a transport.Client so
// every Watermill-supported broker can feed the consumption engine.
//
// Watermill delivers messages one by one with per-message Ack/Nack. The bridge
// assigns each message a position: the partition and offset supplied by the
// subscriber in metadata when available, otherwise partition 0 and an arrival
// sequence number. Commit acknowledges every pending message at or below the
// committed position; Close negatively acknowledges the rest so the broker can
// deliver them again.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/recordflow/internal/runtime/metadata"
	"github.com/drblury/recordflow/transport"
)

// Metadata keys read by the bridge and removed from the record headers.
const (
	MetadataKey       = "recordflow_key"
	MetadataPartition = "recordflow_partition"
	MetadataOffset    = "recordflow_offset"
	MetadataTimestamp = "recordflow_timestamp"
)

// DefaultBufferSize bounds the messages read ahead of Poll.
const DefaultBufferSize = 256

// Options configures a bridged client.
type Options struct {
	Subscriber   message.Subscriber
	Logger       watermill.LoggerAdapter
	Capabilities transport.Capabilities

	// OnSubscribed runs once after the first successful Subscribe, for
	// subscribers that need an explicit start such as an HTTP server.
	OnSubscribed func(ctx context.Context) error

	// Closer replaces Subscriber.Close on Close. Shared subscribers use it to
	// stay open for other clients.
	Closer func() error

	BufferSize int
}

type pendingMessage struct {
	offset int64
	msg    *message.Message
}

type delivered struct {
	topic string
	msg   *message.Message
}

// Client is a transport.Client over a Watermill subscriber.
type Client struct {
	opts   Options
	logger watermill.LoggerAdapter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	incoming chan delivered
	done     chan struct{}

	mu         sync.Mutex
	pending    map[string]map[int32][]pendingMessage
	sequence   map[string]int64
	subscribed map[string]bool
	lost       map[string]bool
	started    bool
	closed     bool
}

var _ transport.Client = (*Client)(nil)

// New creates a bridged client.
func New(opts Options) (*Client, error) {
	if opts.Subscriber == nil {
		return nil, errors.New("bridge: subscriber is required")
	}
	if opts.Logger == nil {
		opts.Logger = watermill.NopLogger{}
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:       opts,
		logger:     opts.Logger,
		ctx:        ctx,
		cancel:     cancel,
		incoming:   make(chan delivered, opts.BufferSize),
		done:       make(chan struct{}),
		pending:    make(map[string]map[int32][]pendingMessage),
		sequence:   make(map[string]int64),
		subscribed: make(map[string]bool),
		lost:       make(map[string]bool),
	}, nil
}

// Subscribe starts forwarding messages of topics. The subscriptions live
// until Close, independently of ctx.
func (c *Client) Subscribe(ctx context.Context, topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClientClosed
	}

	for _, topic := range topics {
		if c.subscribed[topic] {
			continue
		}
		if err := c.subscribeLocked(topic); err != nil {
			return err
		}
	}

	if !c.started && c.opts.OnSubscribed != nil {
		if err := c.opts.OnSubscribed(ctx); err != nil {
			return err
		}
	}
	c.started = true
	return nil
}

func (c *Client) subscribeLocked(topic string) error {
	messages, err := c.opts.Subscriber.Subscribe(c.ctx, topic)
	if err != nil {
		return err
	}
	delete(c.lost, topic)
	c.subscribed[topic] = true
	c.wg.Add(1)
	go c.forward(topic, messages)
	return nil
}

func (c *Client) forward(topic string, messages <-chan *message.Message) {
	defer c.wg.Done()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				c.subscriptionEnded(topic)
				return
			}
			select {
			case c.incoming <- delivered{topic: topic, msg: msg}:
			case <-c.done:
				msg.Nack()
				return
			}
		case <-c.done:
			return
		}
	}
}

// subscriptionEnded marks topic lost when the subscriber closed its channel
// while the client is still open.
func (c *Client) subscriptionEnded(topic string) {
	select {
	case <-c.done:
		return
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	delete(c.subscribed, topic)
	c.lost[topic] = true
	c.logger.Error("Subscription ended unexpectedly", nil, watermill.LogFields{"topic": topic})
}

// resubscribe retries lost subscriptions. It returns an error while any
// topic stays unsubscribed.
func (c *Client) resubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClientClosed
	}
	var errs []error
	for topic := range c.lost {
		if err := c.subscribeLocked(topic); err != nil {
			errs = append(errs, fmt.Errorf("bridge: subscription to %q lost: %w", topic, err))
			continue
		}
		c.logger.Info("Subscription restored", watermill.LogFields{"topic": topic})
	}
	return errors.Join(errs...)
}

// Poll waits for the first message, then drains what is already buffered up
// to max. An idle poll reports subscriptions that ended and could not be
// restored.
func (c *Client) Poll(ctx context.Context, max int) ([]transport.Record, error) {
	if max < 1 {
		max = 1
	}

	var batch []delivered
	select {
	case d := <-c.incoming:
		batch = append(batch, d)
	case <-ctx.Done():
		return nil, c.resubscribe()
	case <-c.done:
		return nil, transport.ErrClientClosed
	}
drain:
	for len(batch) < max {
		select {
		case d := <-c.incoming:
			batch = append(batch, d)
		default:
			break drain
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		for _, d := range batch {
			d.msg.Nack()
		}
		return nil, transport.ErrClientClosed
	}

	records := make([]transport.Record, 0, len(batch))
	for _, d := range batch {
		records = append(records, c.trackLocked(d.topic, d.msg))
	}
	return records, nil
}

func (c *Client) trackLocked(topic string, msg *message.Message) transport.Record {
	partition, offset, ok := positionFromMetadata(msg.Metadata)
	if !ok {
		partition = 0
		offset = c.sequence[topic]
		c.sequence[topic]++
	}

	parts, exists := c.pending[topic]
	if !exists {
		parts = make(map[int32][]pendingMessage)
		c.pending[topic] = parts
	}
	parts[partition] = append(parts[partition], pendingMessage{offset: offset, msg: msg})

	record := transport.Record{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Value:     msg.Payload,
		Timestamp: time.Now(),
	}
	headers := make(message.Metadata, len(msg.Metadata))
	for k, v := range msg.Metadata {
		switch k {
		case MetadataKey:
			record.Key = []byte(v)
		case MetadataTimestamp:
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				record.Timestamp = time.UnixMilli(ms)
			}
		case MetadataPartition, MetadataOffset:
		default:
			headers[k] = v
		}
	}
	record.Headers = metadata.FromWatermill(headers)
	return record
}

func positionFromMetadata(md message.Metadata) (int32, int64, bool) {
	rawPartition, rawOffset := md.Get(MetadataPartition), md.Get(MetadataOffset)
	if rawPartition == "" || rawOffset == "" {
		return 0, 0, false
	}
	partition, err := strconv.ParseInt(rawPartition, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	offset, err := strconv.ParseInt(rawOffset, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return int32(partition), offset, true
}

// Commit acknowledges pending messages up to and including each offset.
func (c *Client) Commit(ctx context.Context, topic string, offsets map[int32]int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClientClosed
	}

	for partition, offset := range offsets {
		queue := c.pending[topic][partition]
		keep := queue[:0]
		for _, p := range queue {
			if p.offset <= offset {
				p.msg.Ack()
				continue
			}
			keep = append(keep, p)
		}
		if len(keep) == 0 {
			delete(c.pending[topic], partition)
			continue
		}
		c.pending[topic][partition] = keep
	}
	return nil
}

// Pending returns the number of delivered but unacknowledged messages.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, parts := range c.pending {
		for _, queue := range parts {
			n += len(queue)
		}
	}
	return n
}

// Close nacks every unacknowledged message, stops the subscriptions and
// closes the subscriber.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)

	topics := make([]string, 0, len(c.pending))
	for topic := range c.pending {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	nacked := 0
	for _, topic := range topics {
		for _, queue := range c.pending[topic] {
			for _, p := range queue {
				p.msg.Nack()
				nacked++
			}
		}
	}
	c.pending = nil
	c.mu.Unlock()

	c.wg.Wait()
	for {
		select {
		case d := <-c.incoming:
			d.msg.Nack()
			nacked++
			continue
		default:
		}
		break
	}
	c.cancel()

	if nacked > 0 {
		c.logger.Debug("Released unacknowledged messages", watermill.LogFields{"count": nacked})
	}

	if c.opts.Closer != nil {
		return c.opts.Closer()
	}
	return c.opts.Subscriber.Close()
}

// Capabilities reports the capabilities of the underlying broker.
func (c *Client) Capabilities() transport.Capabilities {
	return c.opts.Capabilities
}
