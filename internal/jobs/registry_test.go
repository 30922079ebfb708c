package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopJob struct{}

func (noopJob) Execute(ctx context.Context, job *Context) error { return nil }

func TestRegisterRequiresAuthor(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&Definition{
		Name: "test.NoAuthor",
		New:  func() Runner { return noopJob{} },
	})
	require.Error(t, err, "author tag is enforced at registration")

	err = r.Register(&Definition{
		Name:   "test.Ok",
		Author: "bmc",
		New:    func() Runner { return noopJob{} },
	})
	require.NoError(t, err)

	err = r.Register(&Definition{
		Name:   "test.Ok",
		Author: "bmc",
		New:    func() Runner { return noopJob{} },
	})
	require.Error(t, err, "duplicate names are rejected")
}

func TestLookupAndNames(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	def, ok := r.Lookup("drover.Dummy")
	require.True(t, ok)
	assert.Equal(t, "drover.Dummy", def.Name)

	_, ok = r.Lookup("no.Such")
	assert.False(t, ok)

	assert.Contains(t, r.Names(), "drover.Dummy")
}

func TestMissingArgs(t *testing.T) {
	def := &Definition{
		Name:     "test.Req",
		Author:   "bmc",
		New:      func() Runner { return noopJob{} },
		Required: []string{"input", "mode"},
	}

	assert.Equal(t, []string{"input", "mode"}, def.MissingArgs(map[string]any{}))
	assert.Equal(t, []string{"mode"}, def.MissingArgs(map[string]any{"input": "x"}))
	assert.Empty(t, def.MissingArgs(map[string]any{"input": "x", "mode": 1}))
}

func TestContextDefer(t *testing.T) {
	c := &Context{}

	deferred, _ := c.Deferred()
	assert.False(t, deferred)

	c.Defer("not ready after %d rows", 10)
	deferred, msg := c.Deferred()
	assert.True(t, deferred)
	assert.Equal(t, "not ready after 10 rows", msg)
}

func TestContextProgressForwarding(t *testing.T) {
	var gotFraction float64
	var gotMessage string
	c := &Context{progress: func(fraction float64, message string) {
		gotFraction = fraction
		gotMessage = message
	}}

	c.Progress(0.25, "at %d", 3)
	assert.Equal(t, 0.25, gotFraction)
	assert.Equal(t, "at 3", gotMessage)

	// No reporter attached: must not panic.
	(&Context{}).Progress(0.5, "ignored")
}

func TestArgHelpers(t *testing.T) {
	c := &Context{Args: map[string]any{
		"count": float64(3), // JSON numbers decode as float64
		"ratio": 0.5,
		"label": "x",
	}}

	assert.Equal(t, 3, c.IntArg("count", 0))
	assert.Equal(t, 9, c.IntArg("missing", 9))
	assert.Equal(t, 0, c.IntArg("label", 0))
	assert.Equal(t, 0.5, c.FloatArg("ratio", 0))
	assert.Equal(t, 3.0, c.FloatArg("count", 0))
	assert.Equal(t, 1.5, c.FloatArg("missing", 1.5))
}
