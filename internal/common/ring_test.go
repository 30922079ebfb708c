package common

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/phuslu/log"
	"github.com/ternarybob/arbor/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEvent(t *testing.T, w *RingWriter, level log.Level, message string) {
	t.Helper()
	data, err := json.Marshal(models.LogEvent{Level: level, Message: message})
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
}

func TestRingWriterDropsOldest(t *testing.T) {
	var flushed []models.LogEvent
	ring := NewRingWriter(2, log.FatalLevel, func(evt models.LogEvent) {
		flushed = append(flushed, evt)
	})

	for i := 0; i < 3; i++ {
		writeEvent(t, ring, log.InfoLevel, fmt.Sprintf("event %d", i))
	}

	assert.Equal(t, 2, ring.Len(), "capacity bounds the buffer")
	assert.Empty(t, flushed)
}

func TestRingWriterFlushesOnFatal(t *testing.T) {
	var flushed []models.LogEvent
	ring := NewRingWriter(10, log.FatalLevel, func(evt models.LogEvent) {
		flushed = append(flushed, evt)
	})

	writeEvent(t, ring, log.InfoLevel, "before 1")
	writeEvent(t, ring, log.DebugLevel, "before 2")
	writeEvent(t, ring, log.FatalLevel, "the crash")

	require.Len(t, flushed, 3, "history plus the trigger")
	assert.Equal(t, "before 1", flushed[0].Message)
	assert.Equal(t, "the crash", flushed[2].Message)
	assert.Equal(t, 0, ring.Len(), "buffer truncated after flush")
}

func TestRingWriterIgnoresGarbage(t *testing.T) {
	ring := NewRingWriter(2, log.FatalLevel, nil)
	n, err := ring.Write([]byte("not json"))
	require.NoError(t, err)
	assert.Equal(t, len("not json"), n)
	assert.Equal(t, 0, ring.Len())
}
