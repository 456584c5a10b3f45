package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/noticeguard/pkg/contextkeys"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.Debug("debug message")
	assert.Zero(t, buf.Len(), "debug must not be logged at info level")

	logger.Info("info message")
	entry := decodeEntry(t, &buf)
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "info message", entry["msg"])

	buf.Reset()
	logger.Warn("warn message")
	assert.Equal(t, "WARN", decodeEntry(t, &buf)["level"])

	buf.Reset()
	logger.Error("error message")
	assert.Equal(t, "ERROR", decodeEntry(t, &buf)["level"])
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithField("component", "permcache").
		WithFields(map[string]interface{}{"subject_id": "t.wong", "evicted": 3}).
		WithError(errors.New("boom")).
		Infof("evicted %d entries", 3)

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "permcache", entry["component"])
	assert.Equal(t, "t.wong", entry["subject_id"])
	assert.Equal(t, float64(3), entry["evicted"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "evicted 3 entries", entry["msg"])
}

func TestLogger_WithNilError(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})
	assert.Same(t, logger, logger.WithError(nil))
}

func TestNewNopLogger(t *testing.T) {
	logger := NewNopLogger()
	assert.Equal(t, ErrorLevel, logger.Level())
	logger.Error("discarded")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, InfoLevel, ParseLevel("info"))
	assert.Equal(t, InfoLevel, ParseLevel("verbose"))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewLogger(InfoLevel, &buf))
	ctx = WithRequestID(ctx, "req-1")
	ctx = contextkeys.WithSubjectID(ctx, "t.wong")

	assert.Equal(t, "req-1", GetRequestID(ctx))

	FromContext(ctx).Info("hello")
	entry := decodeEntry(t, &buf)
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "t.wong", entry["subject_id"])
}

func TestGetLogger_Default(t *testing.T) {
	assert.NotNil(t, GetLogger(context.Background()))
}

func TestLogLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", DebugLevel.String())
	assert.Equal(t, "INFO", InfoLevel.String())
	assert.Equal(t, "WARN", WarnLevel.String())
	assert.Equal(t, "ERROR", ErrorLevel.String())
}

func TestLogger_RedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(InfoLevel, &buf).
		WithField("Authorization", "Bearer abc.def.ghi").
		WithFields(map[string]interface{}{"token": "abc.def.ghi", "token_id": "jti-1"}).
		Info("credential rejected")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "[REDACTED]", entry["Authorization"])
	assert.Equal(t, "[REDACTED]", entry["token"])
	assert.Equal(t, "jti-1", entry["token_id"])
	assert.NotContains(t, buf.String(), "abc.def.ghi")
}
