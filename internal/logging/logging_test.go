package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerValidatesLevel(t *testing.T) {
	_, err := NewLogger(&Config{Level: "loud", Format: "json"})
	assert.Error(t, err)

	l, err := NewLogger(nil)
	require.NoError(t, err)
	assert.NoError(t, l.Sync())
}

func TestContextFields(t *testing.T) {
	ctx := WithTaskID(context.Background(), "t1")
	ctx = WithStage(ctx, "execute")
	ctx = WithPairID(ctx, "t1/security")

	fields := ContextFields(ctx)
	require.Len(t, fields, 3)

	byKey := map[string]string{}
	for _, f := range fields {
		byKey[f.Key] = f.String
	}
	assert.Equal(t, "t1", byKey["task.id"])
	assert.Equal(t, "execute", byKey["task.stage"])
	assert.Equal(t, "t1/security", byKey["pair.id"])

	assert.Empty(t, ContextFields(context.Background()))
}

func TestLoggerAttachesContextFields(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithTaskID(context.Background(), "t1")

	tl.Info(ctx, "stage completed")

	entries := tl.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "t1", entries[0].ContextMap()["task.id"])
	tl.AssertLogged(t, zapcore.InfoLevel, "completed")
}

func TestNamedLogger(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("gate")

	child.Warn(context.Background(), "commit rejected")

	entries := tl.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "gate", entries[0].LoggerName)
}
