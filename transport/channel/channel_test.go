package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/recordflow/internal/runtime/config"
	"github.com/drblury/recordflow/transport"
)

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.False(t, caps.SupportsOrdering)
	assert.False(t, caps.SupportsReliableDelivery())
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuildSharesPubSub(t *testing.T) {
	require.NoError(t, Reset())
	t.Cleanup(func() { _ = Reset() })

	cfg := (&config.Config{BrokerSystem: TransportName}).ForProcessor("p1", nil)
	client, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, client.Subscribe(context.Background(), "greetings"))

	require.NoError(t, PubSub().Publish("greetings", message.NewMessage(watermill.NewUUID(), []byte("hello"))))

	var records []transport.Record
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		records, err = client.Poll(ctx, 10)
		return err == nil && len(records) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello", string(records[0].Value))
	assert.Equal(t, "greetings", records[0].Topic)

	require.NoError(t, client.Commit(context.Background(), "greetings", map[int32]int64{0: records[0].Offset}))
	require.NoError(t, client.Close())

	// The shared pub/sub survives client shutdown.
	assert.NoError(t, PubSub().Publish("greetings", message.NewMessage(watermill.NewUUID(), []byte("again"))))
}

func TestFactoryOverride(t *testing.T) {
	require.NoError(t, Reset())
	original := Factory
	t.Cleanup(func() {
		Factory = original
		_ = Reset()
	})

	calls := 0
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		calls++
		assert.Equal(t, int64(256), cfg.OutputChannelBuffer)
		return original(cfg, logger)
	}

	cfg := (&config.Config{BrokerSystem: TransportName}).ForProcessor("p1", nil)
	_, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	_, err = Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
