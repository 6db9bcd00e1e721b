// Package logrus adapts a *logrus.Entry to surfcache.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/surfcache"
)

var _ surfcache.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

// New tags every entry with component=surfcache.
func New(l *logrus.Logger) LogrusLogger {
	return LogrusLogger{E: l.WithField("component", "surfcache")}
}

func (l LogrusLogger) Debug(msg string, f surfcache.Fields) { l.entry(f).Debug(msg) }
func (l LogrusLogger) Info(msg string, f surfcache.Fields)  { l.entry(f).Info(msg) }
func (l LogrusLogger) Warn(msg string, f surfcache.Fields)  { l.entry(f).Warn(msg) }
func (l LogrusLogger) Error(msg string, f surfcache.Fields) { l.entry(f).Error(msg) }

// entry moves an "err" field to logrus' error key.
func (l LogrusLogger) entry(f surfcache.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	e := l.E
	fields := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			e = e.WithError(err)
			continue
		}
		fields[k] = v
	}
	return e.WithFields(fields)
}
