package zap

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/surfcache"
)

func TestZapLogger_LevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Debug("task finished", surfcache.Fields{"generation": uint64(3), "elapsed": time.Second})
	l.Warn("content store persistence failed", surfcache.Fields{"op": "write", "err": errors.New("disk full")})
	l.Info("no fields", nil)

	entries := logs.All()
	require.Len(t, entries, 3)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "surfcache", entries[0].LoggerName)
	ctx := entries[0].ContextMap()
	assert.Equal(t, uint64(3), ctx["generation"])
	assert.Equal(t, time.Second, ctx["elapsed"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "disk full", entries[1].ContextMap()["err"])
	assert.Equal(t, "write", entries[1].ContextMap()["op"])

	assert.Empty(t, entries[2].Context)
}
