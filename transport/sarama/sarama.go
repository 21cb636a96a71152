// Package sarama provides a Kafka transport built on Watermill's Kafka
// subscriber and the Sarama client. It is an alternative to the franz-go
// transport for deployments already standardised on Sarama.
//
// Watermill commits a record's offset when the record is acknowledged; the
// bridge acknowledges on Commit, so committed positions follow the engine.
package sarama

import (
	"context"
	"errors"
	"strconv"

	ibmsarama "github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/recordflow/internal/runtime/logging"
	"github.com/drblury/recordflow/transport"
	"github.com/drblury/recordflow/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "sarama"

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SaramaCapabilities)
}

// Build creates a Sarama consumer-group client for the processor.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Client, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return nil, errors.New("kafka: brokers are required")
	}

	saramaCfg := kafka.DefaultSaramaSubscriberConfig()
	saramaCfg.ClientID = cfg.GetClientID()
	saramaCfg.Consumer.Offsets.Initial = ibmsarama.OffsetOldest
	ignored, err := applyConsumerProperties(saramaCfg, cfg.GetConsumerProperties())
	if err != nil {
		return nil, err
	}
	if len(ignored) > 0 {
		logger.Info("Ignoring unsupported consumer properties", watermill.LogFields{
			"properties":         ignored,
			logging.FieldWarning: true,
		})
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           keyedUnmarshaler{inner: kafka.DefaultMarshaler{}},
			OverwriteSaramaConfig: saramaCfg,
			ConsumerGroup:         cfg.GetGroupID(),
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	return bridge.New(bridge.Options{
		Subscriber:   subscriber,
		Logger:       logger,
		Capabilities: transport.SaramaCapabilities,
	})
}

// keyedUnmarshaler exposes the Kafka position and key of each message to the
// bridge.
type keyedUnmarshaler struct {
	inner kafka.Unmarshaler
}

func (u keyedUnmarshaler) Unmarshal(kafkaMsg *ibmsarama.ConsumerMessage) (*message.Message, error) {
	msg, err := u.inner.Unmarshal(kafkaMsg)
	if err != nil {
		return nil, err
	}
	msg.Metadata.Set(bridge.MetadataPartition, strconv.FormatInt(int64(kafkaMsg.Partition), 10))
	msg.Metadata.Set(bridge.MetadataOffset, strconv.FormatInt(kafkaMsg.Offset, 10))
	if len(kafkaMsg.Key) > 0 {
		msg.Metadata.Set(bridge.MetadataKey, string(kafkaMsg.Key))
	}
	if !kafkaMsg.Timestamp.IsZero() {
		msg.Metadata.Set(bridge.MetadataTimestamp, strconv.FormatInt(kafkaMsg.Timestamp.UnixMilli(), 10))
	}
	return msg, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SaramaCapabilities
}
