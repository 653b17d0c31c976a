// Package pipeline turns registered pipeline definitions into task graphs
// and aggregates task outcomes into run status.
package pipeline

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/SaritraGmbH/pipeweave-sub001/internal/domain"
	"github.com/SaritraGmbH/pipeweave-sub001/pkg/backoff"
)

// TaskDef declares one task inside a pipeline definition.
type TaskDef struct {
	// Name is unique within the pipeline and is what DependsOn refers to.
	Name string `json:"name"`
	// Type selects the worker handler.
	Type string `json:"type"`
	// Payload is the static task payload. When empty, the run's trigger
	// params are used as the payload instead.
	Payload json.RawMessage `json:"payload,omitempty"`
	// DependsOn lists task names that must succeed before this task queues.
	DependsOn []string `json:"depends_on,omitempty"`
	// Optional tasks may dead-letter without failing the run.
	Optional bool `json:"optional,omitempty"`
	// MaxAttempts overrides the pipeline default when > 0.
	MaxAttempts int `json:"max_attempts,omitempty"`
	// Backoff overrides the default strategy when Kind is set.
	Backoff backoff.Spec `json:"backoff,omitempty"`
}

// Definition is a named pipeline: an ordered set of task declarations whose
// dependency edges form a DAG.
type Definition struct {
	Name        string    `json:"name"`
	Tasks       []TaskDef `json:"tasks"`
	MaxAttempts int       `json:"max_attempts,omitempty"` // default per task, 3 if zero
}

// Validate checks name uniqueness, dependency references, and acyclicity.
// The graph is checked with Kahn's algorithm over integer task indices.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline definition has no name")
	}
	if len(d.Tasks) == 0 {
		return fmt.Errorf("pipeline %q declares no tasks", d.Name)
	}

	index := make(map[string]int, len(d.Tasks))
	for i, t := range d.Tasks {
		if t.Name == "" {
			return fmt.Errorf("pipeline %q: task %d has no name", d.Name, i)
		}
		if t.Type == "" {
			return fmt.Errorf("pipeline %q: task %q has no type", d.Name, t.Name)
		}
		if _, dup := index[t.Name]; dup {
			return fmt.Errorf("pipeline %q: duplicate task name %q", d.Name, t.Name)
		}
		index[t.Name] = i
	}

	// adjacency: dependency index → dependent indices
	adj := make([][]int, len(d.Tasks))
	indegree := make([]int, len(d.Tasks))
	for i, t := range d.Tasks {
		for _, dep := range t.DependsOn {
			j, ok := index[dep]
			if !ok {
				return fmt.Errorf("pipeline %q: task %q depends on unknown task %q", d.Name, t.Name, dep)
			}
			if j == i {
				return fmt.Errorf("pipeline %q: task %q depends on itself", d.Name, t.Name)
			}
			adj[j] = append(adj[j], i)
			indegree[i]++
		}
	}

	var queue []int
	for i, deg := range indegree {
		if deg == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, m := range adj[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if visited != len(d.Tasks) {
		return fmt.Errorf("pipeline %q: dependency cycle", d.Name)
	}
	return nil
}

// maxAttemptsFor resolves the attempt budget for one task declaration.
func (d *Definition) maxAttemptsFor(t TaskDef) int {
	if t.MaxAttempts > 0 {
		return t.MaxAttempts
	}
	if d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return 3
}

func backoffFor(t TaskDef) backoff.Spec {
	if t.Backoff.Kind != "" {
		return t.Backoff
	}
	return domain.DefaultBackoff()
}

// Registry maps pipeline names to their validated definitions.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]*Definition)}
}

// Register validates and adds a definition. Safe to call concurrently.
func (r *Registry) Register(d *Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[d.Name] = d
	return nil
}

// Get returns the definition for the given pipeline name.
// Returns UnknownPipelineError if not registered.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.definitions[name]
	if !ok {
		return nil, &domain.UnknownPipelineError{Name: name}
	}
	return d, nil
}

// Names returns the registered pipeline names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	return names
}
