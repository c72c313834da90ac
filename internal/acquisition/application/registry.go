package application

import (
	"context"
	"fmt"
	"sort"
)

// Job is one schedulable unit of acquisition work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Registry holds the named jobs the scheduler and the HTTP trigger share.
type Registry struct {
	jobs  map[string]Job
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]Job)}
}

// Add registers a job under its name. Duplicate names are an error so wiring
// mistakes surface at startup.
func (r *Registry) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("registry: invalid job %q", job.Name)
	}
	if _, exists := r.jobs[job.Name]; exists {
		return fmt.Errorf("registry: duplicate job %q", job.Name)
	}
	r.jobs[job.Name] = job
	r.order = append(r.order, job.Name)
	return nil
}

// Get returns the job registered under name.
func (r *Registry) Get(name string) (Job, bool) {
	job, ok := r.jobs[name]
	return job, ok
}

// List returns all job names sorted.
func (r *Registry) List() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}
