package kafka

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// brokerHealth remembers the outcome of the latest dial to every broker.
// franz-go retries dials internally, so an unreachable cluster otherwise
// looks like an idle topic.
type brokerHealth struct {
	mu    sync.Mutex
	dials map[int32]error
	last  error
}

var _ kgo.HookBrokerConnect = (*brokerHealth)(nil)

func newBrokerHealth() *brokerHealth {
	return &brokerHealth{dials: make(map[int32]error)}
}

// OnBrokerConnect implements kgo.HookBrokerConnect.
func (h *brokerHealth) OnBrokerConnect(meta kgo.BrokerMetadata, _ time.Duration, _ net.Conn, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dials[meta.NodeID] = err
	if err != nil {
		h.last = fmt.Errorf("dial %s:%d: %w", meta.Host, meta.Port, err)
	}
}

// unreachable returns an error when the latest dial to every known broker
// failed. Before the first dial it returns nil.
func (h *brokerHealth) unreachable() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.dials) == 0 {
		return nil
	}
	for _, err := range h.dials {
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("kafka: no broker reachable: %w", h.last)
}
