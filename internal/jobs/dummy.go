package jobs

import (
	"context"
	"time"
)

// DummyJob sleeps for the "sleep" argument (seconds, default 1) in small
// increments, reporting progress as it goes. Used for smoke testing a
// deployment and by the test suite.
type DummyJob struct{}

func (DummyJob) Execute(ctx context.Context, job *Context) error {
	total := job.FloatArg("sleep", 1)
	deadline := time.Now().Add(time.Duration(total * float64(time.Second)))

	n := 0
	for {
		n++
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		job.Progress(1-remaining.Seconds()/total, "at %d", n)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return nil
}

// RegisterBuiltins adds the job classes shipped with the worker binary.
func RegisterBuiltins(r *Registry) {
	r.MustRegister(&Definition{
		Name:   "drover.Dummy",
		Author: "bmc",
		New:    func() Runner { return DummyJob{} },
	})
}
