package jobs

import (
	"fmt"
	"sync"

	"github.com/bobmcallan/drover/internal/models"
)

// ProgressFunc receives progress reports from running job code. The
// executor behind it throttles persistence to the job's progress
// interval; the final report at termination is always persisted.
type ProgressFunc func(fraction float64, message string)

// Context is the job-side view of a running trial: the job's arguments
// and counters plus the progress and defer channels back to the
// supervisor.
type Context struct {
	JobID    string
	Name     string
	Args     map[string]any
	Trial    int
	Enqueued models.Enqueued

	progress ProgressFunc

	mu       sync.Mutex
	deferred bool
	deferMsg string
}

// NewContext builds the execution context for one trial.
func NewContext(job *models.Job, progress ProgressFunc) *Context {
	return &Context{
		JobID:    job.ID,
		Name:     job.Name,
		Args:     job.Args,
		Trial:    job.Trial,
		Enqueued: job.Enqueued,
		progress: progress,
	}
}

// Progress reports completion as a fraction in [0, 1] with a formatted
// message.
func (c *Context) Progress(fraction float64, format string, args ...any) {
	if c.progress == nil {
		return
	}
	c.progress(fraction, fmt.Sprintf(format, args...))
}

// Defer signals that the job is not ready and should be retried after
// its defer time. The job returns normally after calling Defer; a defer
// does not consume an attempt.
func (c *Context) Defer(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deferred = true
	c.deferMsg = fmt.Sprintf(format, args...)
}

// Deferred reports whether Defer was called, and the message.
func (c *Context) Deferred() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deferred, c.deferMsg
}

// IntArg reads an integer argument, accepting JSON numbers.
func (c *Context) IntArg(key string, def int) int {
	v, ok := c.Args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// FloatArg reads a float argument, accepting JSON numbers.
func (c *Context) FloatArg(key string, def float64) float64 {
	v, ok := c.Args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return def
	}
}
