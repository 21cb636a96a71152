// Package io provides a file replay client. Records are stored as JSON lines;
// the offset of a record is its position among the lines of its topic and
// partition. Subscribe reads the file from the start and then follows it.
package io

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/recordflow/internal/runtime/jsoncodec"
	"github.com/drblury/recordflow/transport"
	"github.com/drblury/recordflow/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "io"

// DefaultFilePath is the default file path if none is specified.
const DefaultFilePath = "records.jsonl"

// followInterval is how long the subscriber waits at end of file before
// reading again.
const followInterval = 50 * time.Millisecond

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return NewSubscriber(filePath, logger), nil
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build creates a client replaying the configured file.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Client, error) {
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	subscriber, err := SubscriberFactory(filePath, logger)
	if err != nil {
		return nil, err
	}
	return bridge.New(bridge.Options{
		Subscriber:   subscriber,
		Logger:       logger,
		Capabilities: transport.IOCapabilities,
	})
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// StoredRecord is one line of the file.
type StoredRecord struct {
	Topic     string            `json:"topic"`
	Partition int32             `json:"partition"`
	Key       []byte            `json:"key,omitempty"`
	Value     []byte            `json:"value"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp int64             `json:"timestamp_ms,omitempty"`
}

// Writer appends records to a file.
type Writer struct {
	filePath string
	mu       sync.Mutex
}

// NewWriter returns a Writer appending to filePath.
func NewWriter(filePath string) *Writer {
	return &Writer{filePath: filePath}
}

// Append writes records at the end of the file.
func (w *Writer) Append(records ...StoredRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	for _, rec := range records {
		if rec.Timestamp == 0 {
			rec.Timestamp = time.Now().UnixMilli()
		}
		// Encode terminates each value with a newline.
		if err := jsoncodec.Encode(&buf, rec); err != nil {
			return err
		}
	}
	_, err = f.Write(buf.Bytes())
	return err
}

// Subscriber reads records of one topic from a file.
type Subscriber struct {
	filePath string
	logger   watermill.LoggerAdapter

	mu     sync.Mutex
	cancel []context.CancelFunc
	wg     sync.WaitGroup
}

// NewSubscriber returns a Subscriber reading filePath.
func NewSubscriber(filePath string, logger watermill.LoggerAdapter) *Subscriber {
	return &Subscriber{filePath: filePath, logger: logger}
}

// Subscribe replays the records of topic and follows the file for new ones.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = append(s.cancel, cancel)
	s.mu.Unlock()

	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer f.Close()
		s.follow(ctx, f, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) follow(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	offsets := make(map[int32]int64)
	reader := bufio.NewReader(f)
	var partial []byte

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error("Failed to read file", err, watermill.LogFields{"file": s.filePath})
				return
			}
			// Keep an unterminated tail until the writer finishes the line.
			partial = append(partial, line...)
			select {
			case <-ctx.Done():
				return
			case <-time.After(followInterval):
			}
			continue
		}
		if len(partial) > 0 {
			line = append(partial, line...)
			partial = nil
		}

		msg, ok := s.decode(line, topic, offsets)
		if !ok {
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscriber) decode(line []byte, topic string, offsets map[int32]int64) (*message.Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	var rec StoredRecord
	if err := jsoncodec.Unmarshal(line, &rec); err != nil {
		s.logger.Error("Failed to unmarshal record", err, watermill.LogFields{"file": s.filePath})
		return nil, false
	}
	if rec.Topic != topic {
		return nil, false
	}

	offset := offsets[rec.Partition]
	offsets[rec.Partition] = offset + 1

	msg := message.NewMessage(watermill.NewUUID(), rec.Value)
	for k, v := range rec.Headers {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(bridge.MetadataPartition, strconv.FormatInt(int64(rec.Partition), 10))
	msg.Metadata.Set(bridge.MetadataOffset, strconv.FormatInt(offset, 10))
	if rec.Key != nil {
		msg.Metadata.Set(bridge.MetadataKey, string(rec.Key))
	}
	if rec.Timestamp != 0 {
		msg.Metadata.Set(bridge.MetadataTimestamp, strconv.FormatInt(rec.Timestamp, 10))
	}
	return msg, true
}

// Close stops every subscription and waits for the readers to exit.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	cancels := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
	return nil
}
