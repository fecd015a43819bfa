// Copyright 2025 Market Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workflow runs named, versioned DAGs of steps. Pipeline steps
// delegate to the dispatcher; group steps flatten into their members plus
// a join node, so the runner only ever schedules a flat DAG.
package workflow

import (
	"sort"
	"sync"

	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// StepType enumerates the step kinds a definition may use.
type StepType string

const (
	StepPipeline    StepType = "pipeline"
	StepParallel    StepType = "parallel"
	StepSequential  StepType = "sequential"
	StepConditional StepType = "conditional"
	StepExternal    StepType = "external"
)

// Dependency is one inbound edge of a step.
type Dependency struct {
	// Step names the upstream step (or group).
	Step string

	// RunOnFailure lets this step run even when the upstream failed.
	RunOnFailure bool

	// AllowSkipped treats an upstream cascade-skip as satisfied.
	AllowSkipped bool
}

// Step is one node of a workflow definition.
type Step struct {
	Name string
	Type StepType

	// Pipeline names the pipeline for pipeline and conditional steps.
	Pipeline string

	// Handler names the registered external handler for external steps.
	Handler string

	// Params are merged over the run params for this step's submission.
	Params map[string]any

	// Steps are the members of a parallel or sequential group.
	Steps []Step

	// When is an expr predicate evaluated against {params, steps}. A
	// false result skips the step without failing the run.
	When string

	// DependsOn declares inbound edges.
	DependsOn []Dependency

	// MaxAttempts bounds step retries. Zero means one attempt.
	MaxAttempts int
}

// Definition is a named, versioned workflow DAG.
type Definition struct {
	Name        string
	Version     int
	Description string
	Steps       []Step
}

// Definitions is the process-wide workflow registry.
type Definitions struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewDefinitions creates an empty workflow registry.
func NewDefinitions() *Definitions {
	return &Definitions{defs: make(map[string]Definition)}
}

// Register validates and adds a definition. Duplicate names conflict.
func (d *Definitions) Register(def Definition) error {
	if def.Name == "" {
		return spineerrors.Validation("workflow.name", "must not be empty")
	}
	if _, err := flatten(def); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.defs[def.Name]; exists {
		return spineerrors.Conflict("workflow already registered: " + def.Name)
	}
	d.defs[def.Name] = def
	return nil
}

// MustRegister registers a definition, panicking on error.
func (d *Definitions) MustRegister(def Definition) {
	if err := d.Register(def); err != nil {
		panic(err)
	}
}

// Get returns a definition by name.
func (d *Definitions) Get(name string) (Definition, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.defs[name]
	if !ok {
		return Definition{}, spineerrors.NotFound("workflow", name)
	}
	return def, nil
}

// List returns all definitions sorted by name.
func (d *Definitions) List() []Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Definition, 0, len(d.defs))
	for _, def := range d.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// node is one schedulable unit of the flattened DAG. Groups become a
// no-op join node so downstream edges have a single name to depend on.
type node struct {
	name        string
	kind        StepType // pipeline, external, or "" for a join
	pipeline    string
	handler     string
	params      map[string]any
	when        string
	deps        []Dependency
	maxAttempts int
}

func (n node) isJoin() bool { return n.kind == "" }

// flatten expands groups into member nodes plus a join node and verifies
// the result is a DAG with resolvable edges.
func flatten(def Definition) ([]node, error) {
	var nodes []node
	for _, s := range def.Steps {
		expanded, _, err := flattenStep(s, nil)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, expanded...)
	}

	byName := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if _, dup := byName[n.name]; dup {
			return nil, spineerrors.Validation("workflow.steps",
				"duplicate step name: "+n.name)
		}
		byName[n.name] = i
	}
	for _, n := range nodes {
		for _, dep := range n.deps {
			if _, ok := byName[dep.Step]; !ok {
				return nil, spineerrors.Validation("workflow.steps",
					n.name+" depends on unknown step "+dep.Step)
			}
		}
	}

	// Kahn topological check: a short order means a cycle.
	indegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		indegree[n.name] = len(n.deps)
	}
	queue := make([]string, 0, len(nodes))
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, n := range nodes {
			for _, dep := range n.deps {
				if dep.Step == name {
					indegree[n.name]--
					if indegree[n.name] == 0 {
						queue = append(queue, n.name)
					}
				}
			}
		}
	}
	if visited != len(nodes) {
		return nil, spineerrors.Validation("workflow.steps", "dependency cycle detected")
	}
	return nodes, nil
}

// flattenStep expands one step. The returned terminal name is what
// downstream edges on the original step name resolve to.
func flattenStep(s Step, inherited []Dependency) ([]node, string, error) {
	if s.Name == "" {
		return nil, "", spineerrors.Validation("workflow.steps", "step name must not be empty")
	}
	deps := append(append([]Dependency{}, s.DependsOn...), inherited...)

	switch s.Type {
	case StepPipeline, StepConditional, "":
		if s.Pipeline == "" {
			return nil, "", spineerrors.Validation("workflow.steps",
				s.Name+": pipeline step needs a pipeline")
		}
		if s.Type == StepConditional && s.When == "" {
			return nil, "", spineerrors.Validation("workflow.steps",
				s.Name+": conditional step needs a when predicate")
		}
		return []node{{
			name:        s.Name,
			kind:        StepPipeline,
			pipeline:    s.Pipeline,
			params:      s.Params,
			when:        s.When,
			deps:        deps,
			maxAttempts: s.MaxAttempts,
		}}, s.Name, nil

	case StepExternal:
		if s.Handler == "" {
			return nil, "", spineerrors.Validation("workflow.steps",
				s.Name+": external step needs a handler")
		}
		return []node{{
			name:        s.Name,
			kind:        StepExternal,
			handler:     s.Handler,
			params:      s.Params,
			when:        s.When,
			deps:        deps,
			maxAttempts: s.MaxAttempts,
		}}, s.Name, nil

	case StepParallel:
		if len(s.Steps) == 0 {
			return nil, "", spineerrors.Validation("workflow.steps",
				s.Name+": group has no members")
		}
		var nodes []node
		joinDeps := make([]Dependency, 0, len(s.Steps))
		for _, member := range s.Steps {
			expanded, terminal, err := flattenStep(member, deps)
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, expanded...)
			joinDeps = append(joinDeps, Dependency{Step: terminal})
		}
		nodes = append(nodes, node{name: s.Name, deps: joinDeps})
		return nodes, s.Name, nil

	case StepSequential:
		if len(s.Steps) == 0 {
			return nil, "", spineerrors.Validation("workflow.steps",
				s.Name+": group has no members")
		}
		var nodes []node
		prev := ""
		chain := deps
		for _, member := range s.Steps {
			expanded, terminal, err := flattenStep(member, chain)
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, expanded...)
			prev = terminal
			chain = []Dependency{{Step: prev}}
		}
		nodes = append(nodes, node{name: s.Name, deps: []Dependency{{Step: prev}}})
		return nodes, s.Name, nil

	default:
		return nil, "", spineerrors.Validation("workflow.steps",
			s.Name+": unknown step type "+string(s.Type))
	}
}
