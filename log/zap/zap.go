// Package zap adapts a *zap.Logger to surfcache.Logger.
package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/surfcache"
)

var _ surfcache.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

// New names the logger "surfcache" and skips the adapter frame in caller info.
func New(l *zap.Logger) ZapLogger {
	return ZapLogger{L: l.Named("surfcache").WithOptions(zap.AddCallerSkip(1))}
}

func (z ZapLogger) Debug(msg string, f surfcache.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f surfcache.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f surfcache.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f surfcache.Fields) { z.L.Error(msg, zf(f)...) }

// zf emits fields in key order; error values go through zap.NamedError.
func zf(f surfcache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		switch v := f[k].(type) {
		case error:
			out = append(out, zap.NamedError(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
