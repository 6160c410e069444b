package liverc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestionErrorToDict(t *testing.T) {
	err := NewConnectorHTTPError("https://x.liverc.com/results/", 503, errors.New("boom"))

	d := err.ToDict()
	assert.Equal(t, "CONNECTOR_HTTP_ERROR", d["code"])
	assert.Equal(t, "fetch", d["source"])
	assert.Equal(t, "https://x.liverc.com/results/", d["url"])
	assert.Equal(t, 503, d["status"])
}

func TestIngestionErrorWrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewConnectorHTTPError("https://x.liverc.com/", 0, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "CONNECTOR_HTTP_ERROR")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsRaceCondition(t *testing.T) {
	plain := NewConstraintViolationError("upsert driver", "duplicate key", false, errors.New("23505"))
	assert.False(t, IsRaceCondition(plain))

	racy := NewConstraintViolationError("upsert driver", "driver vanished", true, ErrDriverRaceCondition)
	assert.True(t, IsRaceCondition(racy))

	wrapped := fmt.Errorf("ingest event 7: %w", racy)
	assert.True(t, IsRaceCondition(wrapped))
}

func TestAsIngestionError(t *testing.T) {
	inner := NewValidationError("name", "event name is empty", map[string]any{"event_id": "7002"})
	wrapped := fmt.Errorf("outer: %w", inner)

	ie, ok := AsIngestionError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeValidation, ie.Code)
	assert.Equal(t, "name", ie.Details["field"])

	_, ok = AsIngestionError(errors.New("plain"))
	assert.False(t, ok)
}

func TestIngestDepthIsValid(t *testing.T) {
	assert.True(t, DepthNone.IsValid())
	assert.True(t, DepthLapsFull.IsValid())
	assert.False(t, IngestDepth("deep").IsValid())
}
