package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		" error ": LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestStdLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, LevelWarn)
	ctx := context.Background()

	l.Debug(ctx, "hidden debug")
	l.Info(ctx, "hidden info")
	l.Warn(ctx, "visible warn")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] visible warn")
}

func TestStdLogger_FormatsErrorAndSortedFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, LevelDebug).With("monitor")

	l.Error(context.Background(), errors.New("boom"), "sync failed", map[string]interface{}{
		"tradeID": 7,
		"symbol":  "BTCUSDC",
		"orderID": 42,
	})

	assert.Contains(t, buf.String(), "[ERROR] monitor: sync failed | error: boom | orderID=42 symbol=BTCUSDC tradeID=7")
}
