package kafka

import (
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kgoLogger forwards franz-go client logs to a Watermill logger.
type kgoLogger struct {
	logger watermill.LoggerAdapter
	level  kgo.LogLevel
}

func newKgoLogger(logger watermill.LoggerAdapter) *kgoLogger {
	return &kgoLogger{logger: logger, level: kgo.LogLevelInfo}
}

func (l *kgoLogger) Level() kgo.LogLevel {
	return l.level
}

func (l *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	fields := make(watermill.LogFields, len(keyvals)/2+1)
	var logErr error
	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if err, ok := keyvals[i+1].(error); ok && key == "err" {
			logErr = err
			continue
		}
		fields[key] = keyvals[i+1]
	}

	switch level {
	case kgo.LogLevelError:
		if logErr == nil {
			logErr = errors.New(msg)
		}
		l.logger.Error(msg, logErr, fields)
	case kgo.LogLevelWarn:
		if logErr != nil {
			fields["err"] = logErr.Error()
		}
		fields["warning"] = true
		l.logger.Info(msg, fields)
	case kgo.LogLevelInfo:
		l.logger.Info(msg, fields)
	default:
		l.logger.Debug(msg, fields)
	}
}
