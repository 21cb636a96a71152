package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Mock config for testing
type mockConfig struct {
	brokerSystem string
}

func (m *mockConfig) GetBrokerSystem() string                  { return m.brokerSystem }
func (m *mockConfig) GetGroupID() string                       { return "group" }
func (m *mockConfig) GetClientID() string                      { return "group-consumer" }
func (m *mockConfig) GetConsumerProperties() map[string]string { return nil }
func (m *mockConfig) GetKafkaBrokers() []string                { return nil }
func (m *mockConfig) GetRabbitMQURL() string                   { return "" }
func (m *mockConfig) GetNATSURL() string                       { return "" }
func (m *mockConfig) GetNATSJetStream() bool                   { return false }
func (m *mockConfig) GetHTTPServerAddress() string             { return "" }
func (m *mockConfig) GetAWSRegion() string                     { return "" }
func (m *mockConfig) GetAWSAccountID() string                  { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string                { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string            { return "" }
func (m *mockConfig) GetIOFile() string                        { return "" }
func (m *mockConfig) GetAWSEndpoint() string                   { return "" }

type stubClient struct {
	closed bool
}

func (s *stubClient) Subscribe(context.Context, ...string) error { return nil }

func (s *stubClient) Poll(context.Context, int) ([]Record, error) {
	if s.closed {
		return nil, ErrClientClosed
	}
	return nil, nil
}

func (s *stubClient) Commit(context.Context, string, map[int32]int64) error { return nil }

func (s *stubClient) Close() error {
	s.closed = true
	return nil
}

func (s *stubClient) Capabilities() Capabilities { return MemoryCapabilities }

func TestStubClientSatisfiesContracts(t *testing.T) {
	var client Client = &stubClient{}
	provider, ok := client.(CapabilitiesProvider)
	assert.True(t, ok)
	assert.Equal(t, "memory", provider.Capabilities().Name)

	assert.NoError(t, client.Close())
	_, err := client.Poll(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClientClosed)
}
