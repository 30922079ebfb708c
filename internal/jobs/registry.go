// Package jobs provides the job class registry and the contract user job
// code executes under.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Runner is implemented by job classes. Execute runs the job's work.
// Cancellation of ctx means the job is being killed; well-behaved jobs
// return promptly when it fires. Deferral is signalled by calling
// Defer on the job context and returning nil.
type Runner interface {
	Execute(ctx context.Context, job *Context) error
}

// Defaults are the job class timing and retry defaults, copied onto the
// job document at enqueue. Zero values fall back to the queue defaults
// from configuration; WallTime zero disables wall-time flagging.
type Defaults struct {
	Attempts         int
	Priority         int
	DeferTime        int
	DeferMax         int
	ErrorTime        int
	WallTime         int
	ZombieTime       int
	ProgressInterval float64
}

// Definition describes a registered job class: its qualified name, the
// author tag, a constructor, required argument keys, and defaults.
type Definition struct {
	Name     string
	Author   string
	New      func() Runner
	Required []string
	Defaults Defaults
}

// Registry maps fully qualified job names to their definitions. Job
// classes are registered at program init; enqueueing accepts any name,
// but an unregistered name turns the job terminal with state error at
// start.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a job class. The author tag is mandatory.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("job definition has no name")
	}
	if def.Author == "" {
		return fmt.Errorf("job %s has no author", def.Name)
	}
	if def.New == nil {
		return fmt.Errorf("job %s has no constructor", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("job %s already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister registers a job class and panics on error. Intended for
// program init.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition for a qualified name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered job names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MissingArgs returns the required argument keys absent from args.
func (d *Definition) MissingArgs(args map[string]any) []string {
	var missing []string
	for _, key := range d.Required {
		if _, ok := args[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}
