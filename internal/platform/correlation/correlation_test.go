package correlation

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_Length(t *testing.T) {
	assert.Len(t, NewID(), 8)
}

func TestNewMessageID_IsUUID(t *testing.T) {
	id := NewMessageID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, NewMessageID())
}

func TestWithID_and_ID_Roundtrip(t *testing.T) {
	ctx := WithID(context.Background(), "abc12345")
	id, ok := ID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "abc12345", id)
}

func TestID_EmptyString(t *testing.T) {
	_, ok := ID(WithID(context.Background(), ""))
	assert.False(t, ok)
}

func TestMessageID_Missing(t *testing.T) {
	_, ok := MessageID(context.Background())
	assert.False(t, ok)
}

func TestHandler_AddsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithMessageID(WithID(context.Background(), "test1234"), "msg-1")
	logger.InfoContext(ctx, "sent", "key", "value")

	output := buf.String()
	assert.Contains(t, output, "correlation_id=test1234")
	assert.Contains(t, output, "message_id=msg-1")
	assert.Contains(t, output, "key=value")
}

func TestHandler_NoIDsWhenMissing(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.NewTextHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain")

	assert.NotContains(t, buf.String(), "correlation_id")
	assert.NotContains(t, buf.String(), "message_id")
}

func TestHandler_WithAttrs_PreservesCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.NewTextHandler(&buf, nil))).With("component", "queue")

	logger.InfoContext(WithID(context.Background(), "attr1234"), "with attrs")

	assert.Contains(t, buf.String(), "correlation_id=attr1234")
	assert.Contains(t, buf.String(), "component=queue")
}
