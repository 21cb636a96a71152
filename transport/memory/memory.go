// Package memory provides an in-process partitioned log with consumer-group
// offset commits. It is meant for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/recordflow/internal/runtime/metadata"
	"github.com/drblury/recordflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

// DefaultBroker backs clients built through the transport registry.
var DefaultBroker = NewBroker()

func init() {
	transport.RegisterWithCapabilities(TransportName, DefaultBroker.Builder(), transport.MemoryCapabilities)
}

// Commit is one acknowledged position, kept for inspection.
type Commit struct {
	Group     string
	Topic     string
	Partition int32
	Offset    int64
}

// Broker stores topics as per-partition slices of records.
type Broker struct {
	mu        sync.Mutex
	topics    map[string][][]transport.Record
	committed map[string]map[string]map[int32]int64
	history   []Commit
	changed   chan struct{}
	pollErr   error
	commitErr error
	roundRob  map[string]int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics:    make(map[string][][]transport.Record),
		committed: make(map[string]map[string]map[int32]int64),
		changed:   make(chan struct{}),
		roundRob:  make(map[string]int),
	}
}

// CreateTopic creates topic with the given number of partitions. Existing
// topics keep their records; the partition count can only grow.
func (b *Broker) CreateTopic(topic string, partitions int) {
	if partitions < 1 {
		partitions = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.topics[topic]) < partitions {
		b.topics[topic] = append(b.topics[topic], nil)
	}
}

// Produce appends a record to a partition and returns its offset.
func (b *Broker) Produce(topic string, partition int32, key, value []byte, headers ...metadata.Header) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	parts, ok := b.topics[topic]
	if !ok {
		return 0, fmt.Errorf("memory: unknown topic %q", topic)
	}
	if partition < 0 || int(partition) >= len(parts) {
		return 0, fmt.Errorf("memory: topic %q has no partition %d", topic, partition)
	}

	offset := int64(len(parts[partition]))
	parts[partition] = append(parts[partition], transport.Record{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       key,
		Value:     value,
		Headers:   metadata.Headers(headers).Clone(),
		Timestamp: time.Now(),
	})
	b.broadcastLocked()
	return offset, nil
}

// Send picks the partition from the key hash, or round-robin for keyless
// records, and appends the record.
func (b *Broker) Send(topic string, key, value []byte, headers ...metadata.Header) (int32, int64, error) {
	b.mu.Lock()
	n := len(b.topics[topic])
	var partition int32
	switch {
	case n == 0:
		b.mu.Unlock()
		return 0, 0, fmt.Errorf("memory: unknown topic %q", topic)
	case len(key) > 0:
		h := fnv.New32a()
		_, _ = h.Write(key)
		partition = int32(h.Sum32() % uint32(n))
	default:
		partition = int32(b.roundRob[topic] % n)
		b.roundRob[topic]++
	}
	b.mu.Unlock()

	offset, err := b.Produce(topic, partition, key, value, headers...)
	return partition, offset, err
}

// Committed returns the last processed offset the group acknowledged for a
// partition.
func (b *Broker) Committed(group, topic string, partition int32) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	offset, ok := b.committed[group][topic][partition]
	return offset, ok
}

// Commits returns every commit acknowledged for group, in order.
func (b *Broker) Commits(group string) []Commit {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Commit
	for _, c := range b.history {
		if c.Group == group {
			out = append(out, c)
		}
	}
	return out
}

// SetPollError makes every Poll fail with err until reset with nil.
func (b *Broker) SetPollError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollErr = err
	b.broadcastLocked()
}

// SetCommitError makes every Commit fail with err until reset with nil.
func (b *Broker) SetCommitError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commitErr = err
}

// Client returns a new consumer-group member. Each client of a group reads
// every partition; groups are independent.
func (b *Broker) Client(group string) *Client {
	return &Client{broker: b, group: group, done: make(chan struct{})}
}

// Builder returns a transport.Builder producing clients of this broker, one
// consumer group per processor.
func (b *Broker) Builder() transport.Builder {
	return func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Client, error) {
		return b.Client(cfg.GetGroupID()), nil
	}
}

func (b *Broker) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Client reads from a Broker. Poll, Commit and Close may be called
// concurrently.
type Client struct {
	broker *Broker
	group  string

	mu        sync.Mutex
	positions map[string][]int64
	topics    []string
	next      int
	closed    bool
	done      chan struct{}
}

var _ transport.Client = (*Client)(nil)

// Subscribe starts reading topics from the last committed position of the
// group.
func (c *Client) Subscribe(ctx context.Context, topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClientClosed
	}
	if c.positions == nil {
		c.positions = make(map[string][]int64)
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		parts, ok := b.topics[topic]
		if !ok {
			return fmt.Errorf("memory: unknown topic %q", topic)
		}
		pos := make([]int64, len(parts))
		for p := range parts {
			if off, ok := b.committed[c.group][topic][int32(p)]; ok {
				pos[p] = off + 1
			}
		}
		if _, seen := c.positions[topic]; !seen {
			c.topics = append(c.topics, topic)
		}
		c.positions[topic] = pos
	}
	return nil
}

// Poll returns up to max records, blocking until records arrive, the context
// is done, or the client is closed. Partitions are drained round-robin.
func (c *Client) Poll(ctx context.Context, max int) ([]transport.Record, error) {
	if max < 1 {
		max = 1
	}
	for {
		records, wait, err := c.take(max)
		if err != nil || len(records) > 0 {
			return records, err
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-c.done:
			return nil, transport.ErrClientClosed
		case <-wait:
		}
	}
}

func (c *Client) take(max int) ([]transport.Record, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, transport.ErrClientClosed
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pollErr != nil {
		return nil, nil, b.pollErr
	}

	var out []transport.Record
	for _, topic := range c.topics {
		parts := b.topics[topic]
		pos := c.positions[topic]
		for len(pos) < len(parts) {
			pos = append(pos, 0)
		}
		c.positions[topic] = pos

		// One record per partition per pass keeps the partitions fair.
		for progress := true; progress && len(out) < max; {
			progress = false
			for i := range parts {
				p := (c.next + i) % len(parts)
				if pos[p] < int64(len(parts[p])) && len(out) < max {
					out = append(out, parts[p][pos[p]])
					pos[p]++
					progress = true
				}
			}
		}
	}
	c.next++
	return out, b.changed, nil
}

// Commit stores the last processed offset per partition for the group.
func (c *Client) Commit(ctx context.Context, topic string, offsets map[int32]int64) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClientClosed
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.commitErr != nil {
		return b.commitErr
	}
	if b.committed[c.group] == nil {
		b.committed[c.group] = make(map[string]map[int32]int64)
	}
	if b.committed[c.group][topic] == nil {
		b.committed[c.group][topic] = make(map[int32]int64)
	}
	for partition, offset := range offsets {
		b.committed[c.group][topic][partition] = offset
		b.history = append(b.history, Commit{Group: c.group, Topic: topic, Partition: partition, Offset: offset})
	}
	return nil
}

// Close releases the client. Uncommitted records are delivered again to the
// next client of the group.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

// Capabilities reports the guarantees of the in-memory log.
func (c *Client) Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}
