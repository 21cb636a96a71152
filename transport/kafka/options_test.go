package kafka

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestConsumerOptions(t *testing.T) {
	opts, ignored, err := consumerOptions(map[string]string{
		"session.timeout.ms":            "10000",
		"heartbeat.interval.ms":         "3000",
		"auto.offset.reset":             "latest",
		"isolation.level":               "read_committed",
		"client.rack":                   "eu-west-1a",
		"partition.assignment.strategy": "org.apache.kafka.clients.consumer.CooperativeStickyAssignor, range",
		"fetch.max.bytes":               "1048576",
		"enable.auto.commit":            "true",
		"group.id":                      "other",
		"interceptor.classes":           "com.example.Interceptor",
	})
	require.NoError(t, err)
	assert.Len(t, opts, 7)
	assert.Equal(t, []string{"enable.auto.commit", "group.id", "interceptor.classes"}, ignored)
}

func TestConsumerOptionsErrors(t *testing.T) {
	tests := map[string]string{
		"session.timeout.ms":            "soon",
		"fetch.min.bytes":               "0",
		"auto.offset.reset":             "none",
		"isolation.level":               "serializable",
		"partition.assignment.strategy": "custom",
		"retry.backoff.ms":              "-5",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			_, _, err := consumerOptions(map[string]string{key: value})
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestConsumerOptionsEmpty(t *testing.T) {
	opts, ignored, err := consumerOptions(nil)
	require.NoError(t, err)
	assert.Empty(t, opts)
	assert.Empty(t, ignored)
}

type recordedLog struct {
	level  string
	msg    string
	err    error
	fields watermill.LogFields
}

type recordingLogger struct {
	logs []recordedLog
}

func (r *recordingLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.logs = append(r.logs, recordedLog{level: "error", msg: msg, err: err, fields: fields})
}

func (r *recordingLogger) Info(msg string, fields watermill.LogFields) {
	r.logs = append(r.logs, recordedLog{level: "info", msg: msg, fields: fields})
}

func (r *recordingLogger) Debug(msg string, fields watermill.LogFields) {
	r.logs = append(r.logs, recordedLog{level: "debug", msg: msg, fields: fields})
}

func (r *recordingLogger) Trace(msg string, fields watermill.LogFields) {
	r.logs = append(r.logs, recordedLog{level: "trace", msg: msg, fields: fields})
}

func (r *recordingLogger) With(fields watermill.LogFields) watermill.LoggerAdapter { return r }

func TestKgoLogger(t *testing.T) {
	rec := &recordingLogger{}
	l := newKgoLogger(rec)
	assert.Equal(t, kgo.LogLevelInfo, l.Level())

	boom := errors.New("conn reset")
	l.Log(kgo.LogLevelError, "fetch failed", "broker", 1, "err", boom)
	l.Log(kgo.LogLevelWarn, "rebalance", "err", boom)
	l.Log(kgo.LogLevelInfo, "joined", "group", "p1")
	l.Log(kgo.LogLevelDebug, "heartbeat")

	require.Len(t, rec.logs, 4)
	assert.Equal(t, "error", rec.logs[0].level)
	assert.Equal(t, boom, rec.logs[0].err)
	assert.Equal(t, 1, rec.logs[0].fields["broker"])

	assert.Equal(t, "info", rec.logs[1].level)
	assert.Equal(t, true, rec.logs[1].fields["warning"])
	assert.Equal(t, "conn reset", rec.logs[1].fields["err"])

	assert.Equal(t, "p1", rec.logs[2].fields["group"])
	assert.Equal(t, "debug", rec.logs[3].level)
}
