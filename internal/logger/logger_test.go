package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(Config{Level: LevelDebug, Format: FormatJSON}, &buf)

	log.WithField("task", "momentum").Info("task verified", "round", 2)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "task verified", record["msg"])
	assert.Equal(t, "momentum", record["task"])
	assert.Equal(t, float64(2), record["round"])
}

func TestStructuredLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(Config{Level: LevelInfo, Format: FormatJSON}, &buf)

	ctx := context.WithValue(context.Background(), SessionIDKey, "s-1")
	ctx = context.WithValue(ctx, IterationKey, 3)
	log.WithContext(ctx).Info("step done")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "s-1", record["session_id"])
	assert.Equal(t, float64(3), record["iteration"])
}

func TestSetLevelSharedAcrossChildren(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(Config{Level: LevelInfo, Format: FormatText}, &buf)
	child := log.WithField("component", "sandbox")

	log.SetLevel(LevelError)
	assert.Equal(t, LevelError, child.GetLevel())

	child.Info("suppressed")
	assert.Empty(t, buf.String())
}

func TestAuditLoggerTransition(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(Config{Level: LevelInfo, Format: FormatJSON}, &buf)

	NewAuditLogger(log).LogTransition("alpha_1", "executing", "verified", 1, map[string]interface{}{"outcome": "ok"})

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "verified", record["to"])
	assert.Equal(t, true, record["audit"])
	assert.Equal(t, "ok", record["outcome"])
}
