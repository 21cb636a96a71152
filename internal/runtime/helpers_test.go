package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/recordflow/internal/runtime/codec"
	"github.com/drblury/recordflow/internal/runtime/config"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	"github.com/drblury/recordflow/transport/memory"
)

const waitTimeout = 3 * time.Second

type loggedLine struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger keeps every line, including those of derived loggers.
type recordingLogger struct {
	mu     *sync.Mutex
	lines  *[]loggedLine
	fields loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, lines: &[]loggedLine{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := make(loggingpkg.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, lines: l.lines, fields: merged}
}

func (l *recordingLogger) log(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := make(loggingpkg.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	*l.lines = append(*l.lines, loggedLine{level: level, msg: msg, err: err, fields: merged})
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.log("debug", msg, nil, fields)
}
func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.log("info", msg, nil, fields)
}
func (l *recordingLogger) Warn(msg string, fields loggingpkg.LogFields) {
	l.log("warn", msg, nil, fields)
}
func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.log("error", msg, err, fields)
}
func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.log("trace", msg, nil, fields)
}

// find returns the lines of level whose message contains substr.
func (l *recordingLogger) find(level, substr string) []loggedLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []loggedLine
	for _, line := range *l.lines {
		if line.level == level && strings.Contains(line.msg, substr) {
			out = append(out, line)
		}
	}
	return out
}

type testEnv struct {
	broker *memory.Broker
	logger *recordingLogger
	conf   *config.Config
}

func newTestEnv(t *testing.T, topic string, partitions int) *testEnv {
	t.Helper()
	broker := memory.NewBroker()
	broker.CreateTopic(topic, partitions)
	return &testEnv{
		broker: broker,
		logger: newRecordingLogger(),
		conf: &config.Config{
			BrokerSystem:    memory.TransportName,
			Properties:      map[string]string{},
			ShutdownTimeout: waitTimeout,
		},
	}
}

// set stores a kafka.processor.<name>.<key> property.
func (e *testEnv) set(name, key, value string) {
	e.conf.Properties[config.PropertyPrefix+name+"."+key] = value
}

func (e *testEnv) manager(t *testing.T, deps ManagerDependencies) *Manager {
	t.Helper()
	if deps.Transport == nil {
		deps.Transport = e.broker.Builder()
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	m, err := TryNewManager(e.conf, e.logger, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func (e *testEnv) produce(t *testing.T, topic string, partition int32, values ...string) {
	t.Helper()
	for _, v := range values {
		_, err := e.broker.Produce(topic, partition, []byte(fmt.Sprintf("k%d", partition)), []byte(v))
		require.NoError(t, err)
	}
}

func (e *testEnv) waitCommitted(t *testing.T, group, topic string, partition int32, offset int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, ok := e.broker.Committed(group, topic, partition)
		return ok && got == offset
	}, waitTimeout, 5*time.Millisecond, "partition %d never committed offset %d", partition, offset)
}

func stringTopic(name string) Topic[string, string] {
	return MustDescribe(name, codec.String(), codec.String())
}

func startAll(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.StartAll(context.Background()))
}
