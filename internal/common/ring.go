package common

import (
	"encoding/json"
	"sync"

	"github.com/phuslu/log"
	"github.com/ternarybob/arbor/models"
	"github.com/ternarybob/arbor/writers"
)

// RingSink receives log events flushed from a RingWriter.
type RingSink func(evt models.LogEvent)

// RingWriter is an arbor writer that keeps a fixed-capacity buffer of the
// most recent log events, dropping the oldest when full. When an event at or
// above the flush level arrives, the buffered history plus the triggering
// event are handed to the sink and the buffer is truncated.
type RingWriter struct {
	mu         sync.Mutex
	size       int
	buf        []models.LogEvent
	sink       RingSink
	flushLevel log.Level
}

// NewRingWriter creates a ring of the given capacity flushing to sink on
// events at or above flushLevel.
func NewRingWriter(size int, flushLevel log.Level, sink RingSink) *RingWriter {
	if size <= 0 {
		size = 100
	}
	return &RingWriter{
		size:       size,
		buf:        make([]models.LogEvent, 0, size),
		sink:       sink,
		flushLevel: flushLevel,
	}
}

func (w *RingWriter) Write(p []byte) (int, error) {
	var evt models.LogEvent
	if err := json.Unmarshal(p, &evt); err != nil {
		return len(p), nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if evt.Level < w.flushLevel {
		if len(w.buf) == w.size {
			copy(w.buf, w.buf[1:])
			w.buf = w.buf[:w.size-1]
		}
		w.buf = append(w.buf, evt)
		return len(p), nil
	}

	if w.sink != nil {
		for _, buffered := range w.buf {
			w.sink(buffered)
		}
		w.sink(evt)
	}
	w.buf = w.buf[:0]
	return len(p), nil
}

// SetSink attaches the flush target. Used when the sink (the store's
// log collection) is constructed after the logger.
func (w *RingWriter) SetSink(sink RingSink) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sink = sink
}

func (w *RingWriter) WithLevel(_ log.Level) writers.IWriter { return w }
func (w *RingWriter) GetFilePath() string                   { return "" }
func (w *RingWriter) Close() error                          { return nil }

// Len returns the number of buffered events. Used by tests.
func (w *RingWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}
