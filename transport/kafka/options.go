package kafka

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Consumer properties that conflict with the processor identity or the manual
// commit model. They are ignored.
var reservedProperties = map[string]struct{}{
	"group.id":                {},
	"client.id":               {},
	"enable.auto.commit":      {},
	"auto.commit.interval.ms": {},
	"key.deserializer":        {},
	"value.deserializer":      {},
	"bootstrap.servers":       {},
}

type propertyParser func(value string) (kgo.Opt, error)

var propertyParsers = map[string]propertyParser{
	"session.timeout.ms":    millis(func(d time.Duration) kgo.Opt { return kgo.SessionTimeout(d) }),
	"heartbeat.interval.ms": millis(func(d time.Duration) kgo.Opt { return kgo.HeartbeatInterval(d) }),
	"max.poll.interval.ms":  millis(func(d time.Duration) kgo.Opt { return kgo.RebalanceTimeout(d) }),
	"fetch.max.wait.ms":     millis(func(d time.Duration) kgo.Opt { return kgo.FetchMaxWait(d) }),
	"request.timeout.ms":    millis(func(d time.Duration) kgo.Opt { return kgo.RequestTimeoutOverhead(d) }),
	"metadata.max.age.ms":   millis(func(d time.Duration) kgo.Opt { return kgo.MetadataMaxAge(d) }),
	"connections.max.idle.ms": millis(func(d time.Duration) kgo.Opt {
		return kgo.ConnIdleTimeout(d)
	}),
	"socket.connection.setup.timeout.ms": millis(func(d time.Duration) kgo.Opt { return kgo.DialTimeout(d) }),
	"retry.backoff.ms": millis(func(d time.Duration) kgo.Opt {
		return kgo.RetryBackoffFn(func(int) time.Duration { return d })
	}),
	"fetch.max.bytes":               bytesOpt(func(n int32) kgo.Opt { return kgo.FetchMaxBytes(n) }),
	"fetch.min.bytes":               bytesOpt(func(n int32) kgo.Opt { return kgo.FetchMinBytes(n) }),
	"max.partition.fetch.bytes":     bytesOpt(func(n int32) kgo.Opt { return kgo.FetchMaxPartitionBytes(n) }),
	"auto.offset.reset":             parseOffsetReset,
	"isolation.level":               parseIsolationLevel,
	"partition.assignment.strategy": parseAssignmentStrategy,
	"client.rack": func(value string) (kgo.Opt, error) {
		return kgo.Rack(value), nil
	},
	"group.instance.id": func(value string) (kgo.Opt, error) {
		return kgo.InstanceID(value), nil
	},
}

// consumerOptions translates Java consumer property names into franz-go
// options. Properties without a translation are returned for logging.
func consumerOptions(props map[string]string) ([]kgo.Opt, []string, error) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		opts    []kgo.Opt
		ignored []string
		errs    []error
	)
	for _, key := range keys {
		value := strings.TrimSpace(props[key])
		if _, reserved := reservedProperties[key]; reserved {
			ignored = append(ignored, key)
			continue
		}
		parse, ok := propertyParsers[key]
		if !ok {
			ignored = append(ignored, key)
			continue
		}
		opt, err := parse(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("kafka: consumer property %s: %w", key, err))
			continue
		}
		opts = append(opts, opt)
	}
	return opts, ignored, errors.Join(errs...)
}

func millis(build func(time.Duration) kgo.Opt) propertyParser {
	return func(value string) (kgo.Opt, error) {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, err
		}
		if ms < 0 {
			return nil, fmt.Errorf("cannot be negative, got %d", ms)
		}
		return build(time.Duration(ms) * time.Millisecond), nil
	}
}

func bytesOpt(build func(int32) kgo.Opt) propertyParser {
	return func(value string) (kgo.Opt, error) {
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return nil, err
		}
		if n < 1 {
			return nil, fmt.Errorf("must be positive, got %d", n)
		}
		return build(int32(n)), nil
	}
}

func parseOffsetReset(value string) (kgo.Opt, error) {
	switch strings.ToLower(value) {
	case "earliest":
		return kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()), nil
	case "latest":
		return kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()), nil
	default:
		return nil, fmt.Errorf("unsupported value %q", value)
	}
}

func parseIsolationLevel(value string) (kgo.Opt, error) {
	switch strings.ToLower(value) {
	case "read_committed":
		return kgo.FetchIsolationLevel(kgo.ReadCommitted()), nil
	case "read_uncommitted":
		return kgo.FetchIsolationLevel(kgo.ReadUncommitted()), nil
	default:
		return nil, fmt.Errorf("unsupported value %q", value)
	}
}

// parseAssignmentStrategy accepts franz-go balancer names as well as Java
// assignor class names, in preference order.
func parseAssignmentStrategy(value string) (kgo.Opt, error) {
	var balancers []kgo.GroupBalancer
	for _, name := range strings.Split(value, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		name = strings.TrimSuffix(name, "assignor")
		switch strings.ReplaceAll(name, "-", "") {
		case "cooperativesticky":
			balancers = append(balancers, kgo.CooperativeStickyBalancer())
		case "sticky":
			balancers = append(balancers, kgo.StickyBalancer())
		case "range":
			balancers = append(balancers, kgo.RangeBalancer())
		case "roundrobin":
			balancers = append(balancers, kgo.RoundRobinBalancer())
		default:
			return nil, fmt.Errorf("unsupported assignor %q", name)
		}
	}
	return kgo.Balancers(balancers...), nil
}
