package sarama

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	ibmsarama "github.com/IBM/sarama"
)

var reservedProperties = map[string]struct{}{
	"group.id":                {},
	"client.id":               {},
	"enable.auto.commit":      {},
	"auto.commit.interval.ms": {},
	"key.deserializer":        {},
	"value.deserializer":      {},
	"bootstrap.servers":       {},
}

type propertySetter func(cfg *ibmsarama.Config, value string) error

var propertySetters = map[string]propertySetter{
	"session.timeout.ms": durationSetter(func(cfg *ibmsarama.Config, d time.Duration) {
		cfg.Consumer.Group.Session.Timeout = d
	}),
	"heartbeat.interval.ms": durationSetter(func(cfg *ibmsarama.Config, d time.Duration) {
		cfg.Consumer.Group.Heartbeat.Interval = d
	}),
	"max.poll.interval.ms": durationSetter(func(cfg *ibmsarama.Config, d time.Duration) {
		cfg.Consumer.Group.Rebalance.Timeout = d
	}),
	"fetch.max.wait.ms": durationSetter(func(cfg *ibmsarama.Config, d time.Duration) {
		cfg.Consumer.MaxWaitTime = d
	}),
	"fetch.min.bytes": bytesSetter(func(cfg *ibmsarama.Config, n int32) {
		cfg.Consumer.Fetch.Min = n
	}),
	"fetch.max.bytes": bytesSetter(func(cfg *ibmsarama.Config, n int32) {
		cfg.Consumer.Fetch.Max = n
	}),
	"max.partition.fetch.bytes": bytesSetter(func(cfg *ibmsarama.Config, n int32) {
		cfg.Consumer.Fetch.Default = n
	}),
	"auto.offset.reset": func(cfg *ibmsarama.Config, value string) error {
		switch strings.ToLower(value) {
		case "earliest":
			cfg.Consumer.Offsets.Initial = ibmsarama.OffsetOldest
		case "latest":
			cfg.Consumer.Offsets.Initial = ibmsarama.OffsetNewest
		default:
			return fmt.Errorf("unsupported value %q", value)
		}
		return nil
	},
	"isolation.level": func(cfg *ibmsarama.Config, value string) error {
		switch strings.ToLower(value) {
		case "read_committed":
			cfg.Consumer.IsolationLevel = ibmsarama.ReadCommitted
			if !cfg.Version.IsAtLeast(ibmsarama.V0_11_0_0) {
				cfg.Version = ibmsarama.V0_11_0_0
			}
		case "read_uncommitted":
			cfg.Consumer.IsolationLevel = ibmsarama.ReadUncommitted
		default:
			return fmt.Errorf("unsupported value %q", value)
		}
		return nil
	},
	"partition.assignment.strategy": func(cfg *ibmsarama.Config, value string) error {
		var strategies []ibmsarama.BalanceStrategy
		for _, name := range strings.Split(value, ",") {
			name = strings.TrimSpace(name)
			if i := strings.LastIndex(name, "."); i >= 0 {
				name = name[i+1:]
			}
			switch strings.ToLower(strings.TrimSuffix(name, "Assignor")) {
			case "range":
				strategies = append(strategies, ibmsarama.NewBalanceStrategyRange())
			case "roundrobin", "round_robin":
				strategies = append(strategies, ibmsarama.NewBalanceStrategyRoundRobin())
			case "sticky", "cooperativesticky", "cooperative_sticky":
				strategies = append(strategies, ibmsarama.NewBalanceStrategySticky())
			case "":
			default:
				return fmt.Errorf("unsupported assignor %q", name)
			}
		}
		if len(strategies) == 0 {
			return errors.New("no assignors")
		}
		cfg.Consumer.Group.Rebalance.GroupStrategies = strategies
		return nil
	},
	"client.rack": func(cfg *ibmsarama.Config, value string) error {
		cfg.RackID = value
		return nil
	},
	"group.instance.id": func(cfg *ibmsarama.Config, value string) error {
		cfg.Consumer.Group.InstanceId = value
		if !cfg.Version.IsAtLeast(ibmsarama.V2_3_0_0) {
			cfg.Version = ibmsarama.V2_3_0_0
		}
		return nil
	},
}

// applyConsumerProperties copies Java consumer properties onto cfg.
// Properties without a mapping are returned for logging.
func applyConsumerProperties(cfg *ibmsarama.Config, props map[string]string) ([]string, error) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		ignored []string
		errs    []error
	)
	for _, key := range keys {
		if _, reserved := reservedProperties[key]; reserved {
			ignored = append(ignored, key)
			continue
		}
		set, ok := propertySetters[key]
		if !ok {
			ignored = append(ignored, key)
			continue
		}
		if err := set(cfg, strings.TrimSpace(props[key])); err != nil {
			errs = append(errs, fmt.Errorf("kafka: consumer property %s: %w", key, err))
		}
	}
	return ignored, errors.Join(errs...)
}

func durationSetter(apply func(*ibmsarama.Config, time.Duration)) propertySetter {
	return func(cfg *ibmsarama.Config, value string) error {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid milliseconds %q", value)
		}
		if ms < 0 {
			return fmt.Errorf("negative duration %d", ms)
		}
		apply(cfg, time.Duration(ms)*time.Millisecond)
		return nil
	}
}

func bytesSetter(apply func(*ibmsarama.Config, int32)) propertySetter {
	return func(cfg *ibmsarama.Config, value string) error {
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid byte count %q", value)
		}
		apply(cfg, int32(n))
		return nil
	}
}
